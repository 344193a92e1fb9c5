package fleet

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/att-fleet-go/internal/network/account"
	"github.com/lk2023060901/att-fleet-go/internal/sdk/alta"
	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
	"github.com/lk2023060901/att-fleet-go/pkg/util/typeutil"
)

// ConsolePermission 为建立控制台连接所需的群组权限名。
const ConsolePermission = "Console"

// groupChannels 为每个群组订阅的六类事件，key 均为群组 id。
var groupChannels = []string{
	"group-update",
	"group-member-update",
	"group-server-status",
	"group-server-heartbeat",
	"group-server-create",
	"group-server-delete",
}

// Group 跟踪一个群组：角色与权限、自身成员身份，以及旗下服务器集合。
//
// 不变式：permissions 始终是成员角色在 roles 中的有效权限集合，
// 角色未知时为空集。
type Group struct {
	client *Client // 属主，非拥有引用
	logger *zlog.MLogger

	mu          sync.Mutex
	id          int64
	name        string
	description string
	roles       []alta.GroupRole
	member      alta.GroupMember
	permissions typeutil.Set[string]
	servers     map[int64]*Server
	subscribed  bool
	disposed    bool
}

// newGroup 以初始描述构造群组，并同步为描述中的每台服务器建立 Server。
func newGroup(client *Client, g alta.Group, m alta.GroupMember) *Group {
	grp := &Group{
		client:      client,
		logger:      client.logger.With(zlog.FieldGroupID(g.ID)),
		id:          g.ID,
		name:        g.Name,
		description: g.Description,
		roles:       g.Roles,
		member:      m,
		permissions: typeutil.NewSet[string](),
		servers:     make(map[int64]*Server),
	}
	grp.recomputePermissions()

	if !grp.HasPermission(ConsolePermission) {
		grp.logger.Warn("member role lacks Console permission, console connections will be skipped",
			zap.Int64("roleId", m.RoleID))
	}

	for _, info := range g.Servers {
		grp.servers[info.ID] = newServer(grp, info)
	}
	return grp
}

// recomputePermissions 由成员角色推导有效权限集合。调用方需持有 mu 或保证独占。
func (g *Group) recomputePermissions() {
	role, ok := lo.Find(g.roles, func(r alta.GroupRole) bool {
		return r.RoleID == g.member.RoleID
	})
	perms := typeutil.NewSet[string]()
	if ok {
		perms.Insert(role.Permissions...)
	}
	g.permissions = perms
}

// ID 返回群组编号。
func (g *Group) ID() int64 {
	return g.id
}

// Name 返回群组名称。
func (g *Group) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

// Role 返回成员当前角色；角色未知时第二个返回值为 false。
func (g *Group) Role() (alta.GroupRole, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return lo.Find(g.roles, func(r alta.GroupRole) bool {
		return r.RoleID == g.member.RoleID
	})
}

// HasPermission 判断自身在群组内是否拥有指定权限。
func (g *Group) HasPermission(perm string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permissions.Contain(perm)
}

// Server 返回指定服务器；不存在时第二个返回值为 false。
func (g *Group) Server(id int64) (*Server, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.servers[id]
	return s, ok
}

// Servers 返回服务器集合的快照。
func (g *Group) Servers() []*Server {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Server, 0, len(g.servers))
	for _, s := range g.servers {
		out = append(out, s)
	}
	return out
}

// init 订阅群组范围内的六类事件。
func (g *Group) init(ctx context.Context) error {
	key := strconv.FormatInt(g.id, 10)

	handlers := map[string]account.EventHandler{
		"group-update":           g.handleGroupUpdate,
		"group-member-update":    g.handleMemberUpdate,
		"group-server-status":    g.handleServerStatus,
		"group-server-heartbeat": g.handleHeartbeat,
		"group-server-create":    g.handleServerCreate,
		"group-server-delete":    g.handleServerDelete,
	}

	for _, event := range groupChannels {
		if _, err := g.client.router.Subscribe(ctx, event, key, handlers[event]); err != nil {
			// 部分订阅失败时回滚已生效的部分，保持路由表干净。
			g.unsubscribeAll(ctx)
			return err
		}
	}

	g.mu.Lock()
	g.subscribed = true
	g.mu.Unlock()
	g.logger.Info("group initialized",
		zap.String("name", g.name),
		zap.Int("servers", len(g.servers)))
	return nil
}

func (g *Group) unsubscribeAll(ctx context.Context) {
	key := strconv.FormatInt(g.id, 10)
	for _, event := range groupChannels {
		if _, err := g.client.router.Unsubscribe(ctx, event, key); err != nil &&
			!errors.Is(err, merr.ErrSubscriptionNotFound) {
			g.logger.Warn("unsubscribe failed",
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

// handleGroupUpdate 刷新名称、描述与角色表。
// 注意：这里有意不重算 permissions，避免大群组上角色表
// 短暂不一致时误判“失去 Console 权限”而反复断连。
func (g *Group) handleGroupUpdate(msg *account.Message) {
	var update alta.Group
	if err := msg.DecodeContent(&update); err != nil {
		g.logger.Warn("undecodable group-update dropped", zap.Error(err))
		return
	}

	g.mu.Lock()
	if update.Name != "" {
		g.name = update.Name
	}
	g.description = update.Description
	if len(update.Roles) > 0 {
		g.roles = update.Roles
	}
	g.mu.Unlock()
	g.logger.Debug("group descriptor updated")
}

// handleMemberUpdate 在自身成员信息变化时拉取群组详情并重算权限。
func (g *Group) handleMemberUpdate(msg *account.Message) {
	var member alta.GroupMember
	if err := msg.DecodeContent(&member); err != nil {
		g.logger.Warn("undecodable group-member-update dropped", zap.Error(err))
		return
	}

	g.mu.Lock()
	self := member.UserID == g.member.UserID
	g.mu.Unlock()
	if !self {
		return
	}

	info, err := g.client.api.GetGroupInfo(context.Background(), g.id)
	if err != nil {
		g.logger.Warn("group info refresh failed after member update", zap.Error(err))
		return
	}

	g.mu.Lock()
	g.roles = info.Roles
	g.member = member
	g.recomputePermissions()
	hasConsole := g.permissions.Contain(ConsolePermission)
	g.mu.Unlock()

	g.logger.Info("member role updated",
		zap.Int64("roleId", member.RoleID),
		zap.Bool("console", hasConsole))
}

// handleServerStatus 将服务器状态变化并入连接管理。
func (g *Group) handleServerStatus(msg *account.Message) {
	var hb alta.ServerHeartbeat
	if err := msg.DecodeContent(&hb); err != nil {
		g.logger.Warn("undecodable group-server-status dropped", zap.Error(err))
		return
	}
	g.manageServerConnection(hb)
}

// handleHeartbeat 处理服务器心跳：在线心跳重置超时计时，
// 随后一律交由 manageServerConnection 调和连接状态。
func (g *Group) handleHeartbeat(msg *account.Message) {
	var hb alta.ServerHeartbeat
	if err := msg.DecodeContent(&hb); err != nil {
		g.logger.Warn("undecodable group-server-heartbeat dropped", zap.Error(err))
		return
	}

	if hb.IsOnline {
		server := g.ensureServer(hb)
		server.resetHeartbeat(
			g.client.cfg.ServerHeartbeatInterval,
			g.client.cfg.MaxMissedServerHeartbeats)
	}

	g.manageServerConnection(hb)
}

// handleServerCreate 处理服务器新增。
// 该事件链路从未在平台侧验证过，保留处理逻辑但显著告警。
func (g *Group) handleServerCreate(msg *account.Message) {
	g.logger.Warn("group-server-create received, this event path is unvalidated upstream")

	var info alta.ServerInfo
	if err := msg.DecodeContent(&info); err != nil {
		g.logger.Warn("undecodable group-server-create dropped", zap.Error(err))
		return
	}

	g.mu.Lock()
	if _, ok := g.servers[info.ID]; !ok {
		g.servers[info.ID] = newServer(g, info)
	}
	g.mu.Unlock()
}

// handleServerDelete 处理服务器删除。
// 该事件链路从未在平台侧验证过，保留处理逻辑但显著告警。
func (g *Group) handleServerDelete(msg *account.Message) {
	g.logger.Warn("group-server-delete received, this event path is unvalidated upstream")

	var info alta.ServerInfo
	if err := msg.DecodeContent(&info); err != nil {
		g.logger.Warn("undecodable group-server-delete dropped", zap.Error(err))
		return
	}

	g.mu.Lock()
	server, ok := g.servers[info.ID]
	delete(g.servers, info.ID)
	g.mu.Unlock()
	if ok {
		server.dispose()
	}
}

// ensureServer 返回对应的 Server，不存在时就地创建。
func (g *Group) ensureServer(hb alta.ServerHeartbeat) *Server {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.servers[hb.ID]; ok {
		return s
	}
	s := newServer(g, alta.ServerInfo{
		ID:            hb.ID,
		GroupID:       g.id,
		Name:          hb.Name,
		Fleet:         hb.Fleet,
		Playability:   hb.Playability,
		IsOnline:      hb.IsOnline,
		OnlinePlayers: hb.OnlinePlayers,
	})
	g.servers[hb.ID] = s
	return s
}

// manageServerConnection 按状态载荷调和控制台连接。
//
// 连接条件：拥有 Console 权限、机群受支持、服务器在线且有在线玩家。
// 断开条件：已连接但失去连接资格或服务器转为离线。
func (g *Group) manageServerConnection(hb alta.ServerHeartbeat) {
	server := g.ensureServer(hb)

	mayConnect := g.HasPermission(ConsolePermission) &&
		lo.Contains(g.client.cfg.SupportedServerFleets, server.Fleet())

	switch {
	case server.Status() == ServerDisconnected && mayConnect && hb.IsOnline && len(hb.OnlinePlayers) > 0:
		g.client.pool.Submit(func() (struct{}, error) {
			if _, err := server.Connect(context.Background()); err != nil {
				g.logger.Warn("console connect failed",
					zlog.FieldServerID(server.ID()),
					zap.Error(err))
			}
			return struct{}{}, nil
		})

	case server.Status() != ServerDisconnected && (!mayConnect || !hb.IsOnline):
		server.stopHeartbeat()
		server.Disconnect()
	}

	server.update(hb)
}

// dispose 退订全部事件并释放旗下服务器。幂等。
func (g *Group) dispose(ctx context.Context) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	subscribed := g.subscribed
	servers := make([]*Server, 0, len(g.servers))
	for _, s := range g.servers {
		servers = append(servers, s)
	}
	g.mu.Unlock()

	if subscribed {
		g.unsubscribeAll(ctx)
	}
	for _, s := range servers {
		s.dispose()
	}
	g.logger.Info("group disposed")
}
