package fleet

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lk2023060901/att-fleet-go/internal/network/account"
	"github.com/lk2023060901/att-fleet-go/internal/sdk/alta"
	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
	"github.com/lk2023060901/att-fleet-go/pkg/metrics"
	"github.com/lk2023060901/att-fleet-go/pkg/util/conc"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
	"github.com/lk2023060901/att-fleet-go/pkg/util/typeutil"
)

// ReadyState 为客户端生命周期状态。
type ReadyState int32

const (
	StateStopped ReadyState = iota
	StateStarting
	StateReady
)

func (s ReadyState) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	default:
		return "Stopped"
	}
}

// accountChannels 为机器人主体订阅的账号级事件。
var accountChannels = []string{
	"me-group-invite-create",
	"me-group-create",
	"me-group-delete",
}

// Client 为整个客户端的监督者：
// 负责令牌、REST、订阅路由与群组集合的装配与生命周期，
// 并把账号级事件（邀请、入群、退群）落到群组管理上。
type Client struct {
	cfg    Config
	logger *zlog.MLogger
	runID  uuid.UUID

	api    *alta.Client
	router *account.Router
	pool   *conc.Pool[struct{}]
	events EventSink

	mu     sync.Mutex
	state  ReadyState
	groups map[int64]*Group
	allow  typeutil.Set[int64]
	deny   typeutil.Set[int64]
}

// New 创建客户端。凭证缺失或互斥冲突会在此同步报错。
func New(cfg Config) (*Client, error) {
	if err := cfg.credential().Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &zlog.MLogger{Logger: zlog.L()}
	}
	if cfg.LogPrefix != "" {
		logger = logger.With(zap.String("prefix", cfg.LogPrefix))
	}
	cfg.fillDefaults(logger)

	c := &Client{
		cfg:    cfg,
		logger: logger,
		runID:  uuid.New(),
		events: cfg.Events,
		state:  StateStopped,
		groups: make(map[int64]*Group),
		allow:  typeutil.NewSet(cfg.IncludedGroups...),
		deny:   typeutil.NewSet(cfg.ExcludedGroups...),
	}
	// 白名单非空时以白名单为准，黑名单里的同名项没有意义。
	for id := range c.allow {
		c.deny.Remove(id)
	}

	metrics.Register(prometheus.DefaultRegisterer)
	return c, nil
}

// State 返回当前生命周期状态。
func (c *Client) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RunID 返回本次运行的标识，用于日志关联。
func (c *Client) RunID() uuid.UUID {
	return c.runID
}

// Group 返回指定群组；未纳管时第二个返回值为 false。
func (c *Client) Group(id int64) (*Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[id]
	return g, ok
}

// Groups 返回纳管群组的快照。
func (c *Client) Groups() []*Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	return out
}

// Start 启动客户端。
// 非 Stopped 状态下调用是空操作。机器人主体会完成账号级订阅与
// REST 引导；用户主体只开放手动 OpenServerConnection。
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		c.logger.Warn("start ignored, client already active",
			zap.String("state", c.state.String()))
		return nil
	}
	c.state = StateStarting
	c.mu.Unlock()

	c.cfg.applyVerbosity()
	c.logger.Info("starting", zap.String("runId", c.runID.String()))

	fail := func(err error) error {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		return err
	}

	// 构造 REST 客户端，内部完成首次令牌获取（强制刷新）。
	api, err := alta.NewClient(ctx, c.cfg.altaConfig(c.logger))
	if err != nil {
		return fail(err)
	}
	c.api = api
	c.pool = conc.NewPool[struct{}](c.cfg.MaxWorkerConcurrency)
	c.router = account.NewRouter(account.Config{
		WebSocketURL:            api.Config().WebSocketURL,
		XAPIKey:                 api.Config().XAPIKey,
		PingInterval:            c.cfg.WebSocketPingInterval,
		MigrationInterval:       c.cfg.WebSocketMigrationInterval,
		MigrationHandoverPeriod: c.cfg.WebSocketMigrationHandoverPeriod,
		MigrationRetryDelay:     c.cfg.WebSocketMigrationRetryDelay,
		RecoveryRetryDelay:      c.cfg.WebSocketRecoveryRetryDelay,
		RecoveryTimeout:         c.cfg.WebSocketRecoveryTimeout,
		RequestAttempts:         c.cfg.WebSocketRequestAttempts,
		RequestRetryDelay:       c.cfg.WebSocketRequestRetryDelay,
		MaxSubscriptions:        c.cfg.MaxSubscriptionsPerWebSocket,
		Logger:                  c.logger,
	}, api.Tokens(), c.cfg.MaxWorkerConcurrency)

	tok, ok := api.Tokens().Current()
	if !ok {
		return fail(merr.WrapErrTokenMalformed("no token after start refresh"))
	}

	switch tok.Claims.Kind {
	case alta.PrincipalBot:
		if err := c.startBot(ctx, tok.Claims.PrincipalID()); err != nil {
			return fail(err)
		}
	default:
		c.logger.Info("user principal, group automation disabled")
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	c.logger.Info("ready", zap.String("principal", tok.Claims.Kind.String()))
	c.events.OnReady(c)
	return nil
}

// startBot 完成机器人主体的账号级订阅与 REST 引导。
func (c *Client) startBot(ctx context.Context, principalID string) error {
	handlers := map[string]account.EventHandler{
		"me-group-invite-create": c.handleGroupInvite,
		"me-group-create":        c.handleGroupCreate,
		"me-group-delete":        c.handleGroupDelete,
	}
	for _, event := range accountChannels {
		if _, err := c.router.Subscribe(ctx, event, principalID, handlers[event]); err != nil {
			return err
		}
	}

	// REST 引导：已加入的群组逐个纳管，挂起的邀请逐个接受。
	joined, err := c.api.ListJoinedGroups(ctx)
	if err != nil {
		return err
	}
	invites, err := c.api.ListPendingGroupInvites(ctx)
	if err != nil {
		return err
	}

	futures := make([]*conc.Future[struct{}], 0, len(joined)+len(invites))
	for _, jg := range joined {
		jg := jg
		futures = append(futures, c.pool.Submit(func() (struct{}, error) {
			c.addGroup(ctx, jg.Group, jg.Member)
			return struct{}{}, nil
		}))
	}
	for _, invite := range invites {
		invite := invite
		futures = append(futures, c.pool.Submit(func() (struct{}, error) {
			if err := c.api.AcceptGroupInvite(ctx, invite.ID); err != nil {
				c.logger.Warn("accept pending invite failed",
					zlog.FieldGroupID(invite.ID),
					zap.Error(err))
			}
			return struct{}{}, nil
		}))
	}
	if err := conc.AwaitAll(futures...); err != nil {
		c.logger.Warn("bootstrap tasks reported errors", zap.Error(err))
	}

	c.logger.Info("bot bootstrap complete",
		zap.Int("joinedGroups", len(joined)),
		zap.Int("pendingInvites", len(invites)))
	return nil
}

func (c *Client) handleGroupInvite(msg *account.Message) {
	var invite alta.GroupInvite
	if err := msg.DecodeContent(&invite); err != nil {
		c.logger.Warn("undecodable me-group-invite-create dropped", zap.Error(err))
		return
	}

	c.logger.Info("group invite received", zlog.FieldGroupID(invite.ID))
	c.pool.Submit(func() (struct{}, error) {
		if err := c.api.AcceptGroupInvite(context.Background(), invite.ID); err != nil {
			c.logger.Warn("accept group invite failed",
				zlog.FieldGroupID(invite.ID),
				zap.Error(err))
		}
		return struct{}{}, nil
	})
}

func (c *Client) handleGroupCreate(msg *account.Message) {
	var payload struct {
		Group  alta.Group       `json:"group"`
		Member alta.GroupMember `json:"member"`
	}
	if err := msg.DecodeContent(&payload); err != nil {
		c.logger.Warn("undecodable me-group-create dropped", zap.Error(err))
		return
	}

	c.pool.Submit(func() (struct{}, error) {
		c.addGroup(context.Background(), payload.Group, payload.Member)
		return struct{}{}, nil
	})
}

func (c *Client) handleGroupDelete(msg *account.Message) {
	var payload struct {
		Group alta.Group `json:"group"`
	}
	if err := msg.DecodeContent(&payload); err != nil {
		c.logger.Warn("undecodable me-group-delete dropped", zap.Error(err))
		return
	}

	c.pool.Submit(func() (struct{}, error) {
		c.removeGroup(context.Background(), payload.Group.ID)
		return struct{}{}, nil
	})
}

// groupAdmittedLocked 按黑白名单判定群组是否纳管。调用方需持有 c.mu。
func (c *Client) groupAdmittedLocked(id int64) bool {
	if c.allow.Len() > 0 {
		return c.allow.Contain(id)
	}
	return !c.deny.Contain(id)
}

// addGroup 纳管一个群组：按 id 去重、过黑白名单、完成事件订阅。
func (c *Client) addGroup(ctx context.Context, g alta.Group, m alta.GroupMember) {
	c.mu.Lock()
	if _, exists := c.groups[g.ID]; exists {
		c.mu.Unlock()
		return
	}
	if !c.groupAdmittedLocked(g.ID) {
		c.mu.Unlock()
		c.logger.Info("group excluded by allow/deny lists", zlog.FieldGroupID(g.ID))
		return
	}
	grp := newGroup(c, g, m)
	c.groups[g.ID] = grp
	c.mu.Unlock()

	if err := grp.init(ctx); err != nil {
		c.logger.Warn("group init failed", zlog.FieldGroupID(g.ID), zap.Error(err))
		c.mu.Lock()
		delete(c.groups, g.ID)
		c.mu.Unlock()
		grp.dispose(ctx)
	}
}

// removeGroup 释放并移除一个群组。
func (c *Client) removeGroup(ctx context.Context, id int64) {
	c.mu.Lock()
	grp, ok := c.groups[id]
	delete(c.groups, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	grp.dispose(ctx)
	c.logger.Info("group removed", zlog.FieldGroupID(id))
}

// AllowGroup 把群组移出黑名单。
// 只有在白名单已经启用（非空）或 force 为真时才会把 id 写入白名单，
// 以保住“空白名单 = 全部放行”的语义。随后尝试纳管该群组。
func (c *Client) AllowGroup(ctx context.Context, id int64, force bool) error {
	c.mu.Lock()
	c.deny.Remove(id)
	if c.allow.Len() > 0 || force {
		c.allow.Insert(id)
	}
	c.mu.Unlock()

	if c.State() != StateReady {
		return nil
	}

	info, err := c.api.GetGroupInfo(ctx, id)
	if err != nil {
		return err
	}
	tok, ok := c.api.Tokens().Current()
	if !ok {
		return merr.WrapErrTokenMalformed("no current token")
	}
	member, err := c.api.GetGroupMember(ctx, id, tok.Claims.PrincipalID())
	if err != nil {
		return err
	}
	c.addGroup(ctx, *info, *member)
	return nil
}

// DenyGroup 把群组写入黑名单、移出白名单，并撤销已有纳管。
func (c *Client) DenyGroup(ctx context.Context, id int64) {
	c.mu.Lock()
	c.allow.Remove(id)
	c.deny.Insert(id)
	c.mu.Unlock()

	c.removeGroup(ctx, id)
}

// OpenServerConnection 为用户主体手动打开指定服务器的控制台连接。
// 要求客户端处于 Ready 状态。
func (c *Client) OpenServerConnection(ctx context.Context, serverID int64) (*ConsoleConnection, error) {
	if c.State() != StateReady {
		return nil, merr.WrapErrClientNotReady(c.State().String())
	}

	info, err := c.api.GetServerInfo(ctx, serverID)
	if err != nil {
		return nil, err
	}
	groupInfo, err := c.api.GetGroupInfo(ctx, info.GroupID)
	if err != nil {
		return nil, err
	}
	tok, ok := c.api.Tokens().Current()
	if !ok {
		return nil, merr.WrapErrTokenMalformed("no current token")
	}
	member, err := c.api.GetGroupMember(ctx, info.GroupID, tok.Claims.PrincipalID())
	if err != nil {
		return nil, err
	}

	// 临时群组：只用于解析权限与承载 Server，不订阅任何事件。
	grp := newGroup(c, *groupInfo, *member)
	server, ok := grp.Server(serverID)
	if !ok {
		server = grp.ensureServer(alta.ServerHeartbeat{
			ID:          serverID,
			GroupID:     info.GroupID,
			Name:        info.Name,
			Fleet:       info.Fleet,
			Playability: info.Playability,
			IsOnline:    info.IsOnline,
		})
	}
	return server.Connect(ctx)
}

// emitConnect 把一条新建立的控制台连接交给事件面。
func (c *Client) emitConnect(conn *ConsoleConnection) {
	c.events.OnConnect(conn)
}

// Stop 停止客户端：释放群组、路由、令牌刷新与工作池。幂等。
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.groups = make(map[int64]*Group)
	c.mu.Unlock()

	ctx := context.Background()
	for _, g := range groups {
		g.dispose(ctx)
	}
	if c.router != nil {
		c.router.Dispose()
	}
	if c.api != nil {
		c.api.Dispose()
	}
	if c.pool != nil {
		c.pool.Release()
	}
	c.logger.Info("stopped")
}

// AllowedGroups 返回白名单快照（测试与诊断用）。
func (c *Client) AllowedGroups() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allow.Collect()
}

// DeniedGroups 返回黑名单快照（测试与诊断用）。
func (c *Client) DeniedGroups() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deny.Collect()
}
