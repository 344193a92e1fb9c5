package account

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/att-fleet-go/pkg/util/conc"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
)

func newTestInstance(t *testing.T, g *fakeGateway, cfg Config) *Instance {
	t.Helper()
	pool := conc.NewPool[*Response](5)
	t.Cleanup(pool.Release)

	inst, err := NewInstance(t.Context(), 1, cfg, newTestTokens(t), pool)
	require.NoError(t, err)
	t.Cleanup(inst.Dispose)
	return inst
}

func TestInstanceSubscribeDispatch(t *testing.T) {
	g := newFakeGateway(t)
	inst := newTestInstance(t, g, testConfig(g))

	type payload struct {
		Name string `json:"name"`
	}
	got := make(chan payload, 1)

	resp, err := inst.Subscribe(t.Context(), "group-update", "42", func(msg *Message) {
		var p payload
		require.NoError(t, msg.DecodeContent(&p))
		got <- p
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.ResponseCode)
	assert.Equal(t, 1, inst.SubscriptionCount())

	// 重复订阅同一 (event, key) 必须失败。
	_, err = inst.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
	assert.ErrorIs(t, err, merr.ErrSubscriptionDuplicate)

	g.pushEvent(0, "group-update", "42", `{"name":"G"}`)
	select {
	case p := <-got:
		assert.Equal(t, "G", p.Name)
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestInstanceUnsubscribe(t *testing.T) {
	g := newFakeGateway(t)
	inst := newTestInstance(t, g, testConfig(g))

	_, err := inst.Unsubscribe(t.Context(), "group-update", "42")
	assert.ErrorIs(t, err, merr.ErrSubscriptionNotFound)

	_, err = inst.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
	require.NoError(t, err)

	_, err = inst.Unsubscribe(t.Context(), "group-update", "42")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.SubscriptionCount())
}

func TestInstanceSendRetriesNon2xx(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	inst := newTestInstance(t, g, cfg)

	// 前两次订阅请求返回 500，第三次成功。
	g.mu.Lock()
	g.failSubs = 2
	g.mu.Unlock()

	_, err := inst.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
	require.NoError(t, err)
	assert.Equal(t, 3, g.subPostCount())
}

func TestInstanceSendRetriesExhausted(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	inst := newTestInstance(t, g, cfg)

	g.mu.Lock()
	g.failSubs = 100
	g.mu.Unlock()

	_, err := inst.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, merr.ErrRequestRetriesExhausted)
	// 订阅未生效，本地登记必须回滚。
	assert.Equal(t, 0, inst.SubscriptionCount())
}

func TestInstanceRoutineMigration(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	inst := newTestInstance(t, g, cfg)

	_, err := inst.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
	require.NoError(t, err)

	require.NoError(t, inst.Migrate(t.Context()))

	// 迁移后出现第二条连接，旧连接在移交期后收到关闭码 3000。
	waitFor(t, time.Second, func() bool { return g.connCount() == 2 }, "second socket")
	waitFor(t, time.Second, func() bool {
		for _, code := range g.receivedCloseCodes() {
			if code == closeCodeMigrationDone {
				return true
			}
		}
		return false
	}, "old socket closed with 3000")

	// 新 socket 上的 RPC 照常工作。
	_, err = inst.Subscribe(t.Context(), "group-update", "43", func(*Message) {})
	require.NoError(t, err)
	assert.Equal(t, 2, inst.SubscriptionCount())
}

func TestInstanceSubscribeDuringMigrationWaits(t *testing.T) {
	g := newFakeGateway(t)
	inst := newTestInstance(t, g, testConfig(g))

	// 人为关闸模拟迁移进行中；订阅请求应当阻塞而非报错，
	// 开闸后在新 socket 上完成。
	inst.halted.Close()

	var done atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		_, err := inst.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
		done.Store(true)
		errCh <- err
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, done.Load(), "subscribe must wait for the halted gate")

	inst.halted.Open()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscribe did not complete after gate opened")
	}
}

func TestInstanceAbnormalCloseRecovery(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	inst := newTestInstance(t, g, cfg)

	for _, key := range []string{"1", "2", "3"} {
		_, err := inst.Subscribe(t.Context(), "group-update", key, func(*Message) {})
		require.NoError(t, err)
	}
	require.Equal(t, 3, g.subPostCount())

	// 服务端直接断开连接，应触发恢复并重放全部订阅。
	g.dropConn(0)

	waitFor(t, 3*time.Second, func() bool { return g.connCount() >= 2 }, "recovery socket")
	waitFor(t, 3*time.Second, func() bool { return g.subPostCount() == 6 }, "resubscribed all three")
	assert.Equal(t, 3, inst.SubscriptionCount())

	// 恢复后事件继续送达。
	got := make(chan struct{}, 1)
	_, err := inst.Subscribe(t.Context(), "group-update", "4", func(*Message) {
		got <- struct{}{}
	})
	require.NoError(t, err)
	g.pushEvent(g.connCount()-1, "group-update", "4", `{}`)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("event not dispatched after recovery")
	}
}

// 恢复第一轮整体失败（重放 RPC 全部耗尽重试）后，
// 第二轮必须把快照完整重放成功，而不是被上一轮还原的表卡死。
func TestInstanceRecoveryRetriesAfterFailedRound(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	inst := newTestInstance(t, g, cfg)

	for _, key := range []string{"1", "2", "3"} {
		_, err := inst.Subscribe(t.Context(), "group-update", key, func(*Message) {})
		require.NoError(t, err)
	}
	require.Equal(t, 3, g.subPostCount())

	// 三条订阅 × 每条 3 次尝试，全部以 500 响应：第一轮注定失败。
	g.mu.Lock()
	g.failSubs = 9
	g.mu.Unlock()

	g.dropConn(0)

	// 第一轮消耗 9 次失败请求，第二轮追加 3 次成功请求。
	waitFor(t, 5*time.Second, func() bool { return g.subPostCount() >= 15 }, "second recovery round resubscribed")
	waitFor(t, 5*time.Second, func() bool { return inst.SubscriptionCount() == 3 }, "subscription table rebuilt")

	// 恢复完成后事件继续送达。
	got := make(chan struct{}, 1)
	_, err := inst.Subscribe(t.Context(), "group-update", "4", func(*Message) {
		got <- struct{}{}
	})
	require.NoError(t, err)
	g.pushEvent(g.connCount()-1, "group-update", "4", `{}`)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("event not dispatched after second-round recovery")
	}
}

func TestInstanceDisposeIdempotent(t *testing.T) {
	g := newFakeGateway(t)
	inst := newTestInstance(t, g, testConfig(g))

	inst.Dispose()
	inst.Dispose()

	waitFor(t, time.Second, func() bool {
		for _, code := range g.receivedCloseCodes() {
			if code == websocket.CloseNormalClosure {
				return true
			}
		}
		return false
	}, "socket closed with 1000")

	_, err := inst.Send(context.Background(), http.MethodGet, "ping", nil)
	assert.Error(t, err)
}
