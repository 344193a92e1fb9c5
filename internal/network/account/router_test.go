package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
)

func newTestRouter(t *testing.T, g *fakeGateway, maxSubs int) *Router {
	t.Helper()
	cfg := testConfig(g)
	cfg.MaxSubscriptions = maxSubs
	r := NewRouter(cfg, newTestTokens(t), 5)
	t.Cleanup(r.Dispose)
	return r
}

func TestRouterFanOut(t *testing.T) {
	g := newFakeGateway(t)
	r := newTestRouter(t, g, 2)

	for _, key := range []string{"1", "2", "3", "4", "5"} {
		_, err := r.Subscribe(t.Context(), "group-update", key, func(*Message) {})
		require.NoError(t, err)
	}

	// 每实例上限 2 条，5 条订阅需要 3 个实例。
	assert.Equal(t, 3, r.InstanceCount())
	assert.Equal(t, 5, r.RouteCount())

	// 路由不变式：每条路由指向的实例仍持有对应订阅。
	r.mu.Lock()
	for k, id := range r.routes {
		inst := r.instances[id]
		require.NotNil(t, inst, "route %s points at missing instance", k)
		inst.mu.Lock()
		_, ok := inst.subs[k]
		inst.mu.Unlock()
		assert.True(t, ok, "route %s not present on instance %d", k, id)
	}
	for _, inst := range r.instances {
		assert.LessOrEqual(t, inst.SubscriptionCount(), 2)
	}
	r.mu.Unlock()
}

func TestRouterDuplicate(t *testing.T) {
	g := newFakeGateway(t)
	r := newTestRouter(t, g, 500)

	_, err := r.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
	require.NoError(t, err)

	_, err = r.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
	assert.ErrorIs(t, err, merr.ErrSubscriptionDuplicate)
}

func TestRouterUnsubscribeDiscardsDrainedInstance(t *testing.T) {
	g := newFakeGateway(t)
	r := newTestRouter(t, g, 500)

	_, err := r.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
	require.NoError(t, err)
	assert.Equal(t, 1, r.InstanceCount())

	_, err = r.Unsubscribe(t.Context(), "group-update", "42")
	require.NoError(t, err)
	assert.Equal(t, 0, r.InstanceCount())
	assert.Equal(t, 0, r.RouteCount())

	_, err = r.Unsubscribe(t.Context(), "group-update", "42")
	assert.ErrorIs(t, err, merr.ErrSubscriptionNotFound)
}

func TestRouterSubscribeFailureRollsBack(t *testing.T) {
	g := newFakeGateway(t)
	r := newTestRouter(t, g, 500)

	g.mu.Lock()
	g.failSubs = 100
	g.mu.Unlock()

	_, err := r.Subscribe(t.Context(), "group-update", "42", func(*Message) {})
	require.Error(t, err)
	assert.Equal(t, 0, r.RouteCount())
	assert.Equal(t, 0, r.InstanceCount())
}
