package fleet

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink 记录对外事件。
type recordingSink struct {
	mu       sync.Mutex
	ready    int
	connects []*ConsoleConnection
}

func (r *recordingSink) OnReady(*Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready++
}

func (r *recordingSink) OnConnect(conn *ConsoleConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, conn)
}

func (r *recordingSink) readyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *recordingSink) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connects)
}

func TestNewRejectsBadCredentials(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{ClientID: "id", ClientSecret: "s", Username: "u", Password: "p"})
	assert.Error(t, err)
}

func TestStartBootstrapsGroupsAndEmitsReady(t *testing.T) {
	p := newFakePlatform(t)
	p.seedGroup(42, 7, []string{"Console"})

	sink := &recordingSink{}
	c, err := New(p.config(sink))
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	require.NoError(t, c.Start(t.Context()))
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 1, sink.readyCount())

	// 重复 Start 是空操作。
	require.NoError(t, c.Start(t.Context()))
	assert.Equal(t, 1, sink.readyCount())

	grp, ok := c.Group(42)
	require.True(t, ok)
	assert.Equal(t, "G", grp.Name())
	assert.True(t, grp.HasPermission(ConsolePermission))

	server, ok := grp.Server(7)
	require.True(t, ok)
	assert.Equal(t, ServerDisconnected, server.Status())

	// 账号级 3 条 + 群组级 6 条订阅。
	assert.GreaterOrEqual(t, len(p.subscriptionPaths()), 9)
}

// 场景 1：机器人引导 → 一次在线心跳 → 控制台连接建立并触发 connect。
func TestHeartbeatDrivesConsoleConnect(t *testing.T) {
	p := newFakePlatform(t)
	p.seedGroup(42, 7, []string{"Console"})

	sink := &recordingSink{}
	c, err := New(p.config(sink))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(t.Context()))

	p.pushEvent("group-server-heartbeat", "42",
		`{"id":7,"group_id":42,"name":"S","fleet":"att-release","is_online":true,"online_players":[{"id":99,"username":"P"}]}`)

	waitCond(t, 2*time.Second, func() bool { return sink.connectCount() == 1 }, "connect event")

	grp, _ := c.Group(42)
	server, _ := grp.Server(7)
	assert.Equal(t, ServerConnected, server.Status())
	require.NotNil(t, server.Console())

	// 控制台连接可用：执行一条命令并拿到结果。
	res, err := server.Console().Send(t.Context(), "player list")
	require.NoError(t, err)
	assert.NotNil(t, res)
}

// 无 Console 权限或机群不受支持时不得建立控制台连接。
func TestHeartbeatWithoutConsolePermission(t *testing.T) {
	p := newFakePlatform(t)
	p.seedGroup(42, 7, nil)

	sink := &recordingSink{}
	c, err := New(p.config(sink))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(t.Context()))

	p.pushEvent("group-server-heartbeat", "42",
		`{"id":7,"group_id":42,"is_online":true,"online_players":[{"id":99,"username":"P"}]}`)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, sink.connectCount())
	assert.Equal(t, 0, p.console.connCount())
}

// 场景 2：黑名单先行，me-group-create 不得产生群组管理器。
func TestDenyOverridesGroupCreate(t *testing.T) {
	p := newFakePlatform(t)
	p.seedGroup(42, 7, []string{"Console"})
	p.mu.Lock()
	p.joined = nil // 不经由引导纳管，只走事件路径
	p.mu.Unlock()

	sink := &recordingSink{}
	c, err := New(p.config(sink))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(t.Context()))

	c.DenyGroup(t.Context(), 42)

	p.pushEvent("me-group-create", "U1",
		`{"group":{"id":42,"name":"G","roles":[{"role_id":1,"permissions":["Console"]}]},"member":{"user_id":"U1","role_id":1}}`)

	time.Sleep(150 * time.Millisecond)
	_, ok := c.Group(42)
	assert.False(t, ok)
}

// 场景 3：allowGroup 的 force 语义与黑白名单互斥不变式。
func TestAllowForceSemantics(t *testing.T) {
	p := newFakePlatform(t)
	sink := &recordingSink{}
	c, err := New(p.config(sink))
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	// 未启动时 AllowGroup/DenyGroup 只操作名单。
	c.DenyGroup(t.Context(), 42)
	assert.Contains(t, c.DeniedGroups(), int64(42))

	// force=false 且白名单为空：仅把 42 移出黑名单，白名单保持为空。
	require.NoError(t, c.AllowGroup(t.Context(), 42, false))
	assert.Empty(t, c.AllowedGroups())
	assert.NotContains(t, c.DeniedGroups(), int64(42))

	// force=true：白名单启用。
	require.NoError(t, c.AllowGroup(t.Context(), 42, true))
	assert.Equal(t, []int64{42}, c.AllowedGroups())

	// 任意名单操作之后黑白名单必须不相交。
	c.DenyGroup(t.Context(), 42)
	for _, id := range c.AllowedGroups() {
		assert.NotContains(t, c.DeniedGroups(), id)
	}
	require.NoError(t, c.AllowGroup(t.Context(), 43, false))
	for _, id := range c.AllowedGroups() {
		assert.NotContains(t, c.DeniedGroups(), id)
	}
}

// 白名单启用后，名单外的 me-group-create 一律忽略。
func TestAllowListExcludesOthers(t *testing.T) {
	p := newFakePlatform(t)
	p.seedGroup(42, 7, []string{"Console"})
	p.mu.Lock()
	p.joined = nil
	p.mu.Unlock()

	sink := &recordingSink{}
	c, err := New(p.config(sink))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(t.Context()))

	require.NoError(t, c.AllowGroup(t.Context(), 42, true))

	p.pushEvent("me-group-create", "U1",
		`{"group":{"id":43,"name":"Other","roles":[]},"member":{"user_id":"U1","role_id":1}}`)

	time.Sleep(150 * time.Millisecond)
	_, ok := c.Group(43)
	assert.False(t, ok)
}

// me-group-delete 释放对应群组。
func TestGroupDeleteRemovesGroup(t *testing.T) {
	p := newFakePlatform(t)
	p.seedGroup(42, 7, []string{"Console"})

	sink := &recordingSink{}
	c, err := New(p.config(sink))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(t.Context()))

	_, ok := c.Group(42)
	require.True(t, ok)

	p.pushEvent("me-group-delete", "U1", `{"group":{"id":42}}`)

	waitCond(t, 2*time.Second, func() bool {
		_, ok := c.Group(42)
		return !ok
	}, "group removed")
}

// 场景 6：心跳停发后控制台连接被关闭。
func TestHeartbeatLossClosesConsole(t *testing.T) {
	p := newFakePlatform(t)
	p.seedGroup(42, 7, []string{"Console"})

	sink := &recordingSink{}
	c, err := New(p.config(sink))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(t.Context()))

	p.pushEvent("group-server-heartbeat", "42",
		`{"id":7,"group_id":42,"fleet":"att-release","is_online":true,"online_players":[{"id":99,"username":"P"}]}`)
	waitCond(t, 2*time.Second, func() bool { return sink.connectCount() == 1 }, "console connected")

	// 心跳静默：interval 40ms × maxMissed 2，连接应在其后关闭。
	grp, _ := c.Group(42)
	server, _ := grp.Server(7)
	waitCond(t, 2*time.Second, func() bool {
		return server.Status() == ServerDisconnected
	}, "console closed after missed heartbeats")
	assert.Nil(t, server.Console())
}

// 用户主体：自动化关闭，仅手动 OpenServerConnection 可用。
func TestOpenServerConnectionUserPrincipal(t *testing.T) {
	p := newFakePlatform(t)
	p.seedGroup(42, 7, []string{"Console"})
	p.useUserPrincipal("U1")

	sink := &recordingSink{}
	cfg := p.config(sink)
	cfg.ClientID = ""
	cfg.ClientSecret = ""
	cfg.Username = "alice"
	cfg.Password = "hunter2"
	cfg.SessionsURL = p.server.URL + "/token"

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(t.Context()))
	assert.Equal(t, StateReady, c.State())

	// 用户主体不做任何账号级订阅与群组引导。
	assert.Empty(t, p.subscriptionPaths())
	assert.Empty(t, c.Groups())

	conn, err := c.OpenServerConnection(t.Context(), 7)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 1, sink.connectCount())

	res, err := conn.Send(t.Context(), "player list")
	require.NoError(t, err)
	assert.NotNil(t, res)
}

// 未启动时 OpenServerConnection 必须拒绝。
func TestOpenServerConnectionRequiresReady(t *testing.T) {
	p := newFakePlatform(t)
	c, err := New(p.config(&recordingSink{}))
	require.NoError(t, err)

	_, err = c.OpenServerConnection(t.Context(), 7)
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	p := newFakePlatform(t)
	p.seedGroup(42, 7, []string{"Console"})

	c, err := New(p.config(&recordingSink{}))
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context()))

	c.Stop()
	c.Stop()
	assert.Equal(t, StateStopped, c.State())
}
