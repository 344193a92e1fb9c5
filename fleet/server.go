package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/att-fleet-go/internal/network/console"
	"github.com/lk2023060901/att-fleet-go/internal/sdk/alta"
	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
	"github.com/lk2023060901/att-fleet-go/pkg/metrics"
	"github.com/lk2023060901/att-fleet-go/pkg/util/conc"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
)

// ServerStatus 为服务器连接状态机的三个状态。
type ServerStatus int32

const (
	ServerDisconnected ServerStatus = iota
	ServerConnecting
	ServerConnected
)

func (s ServerStatus) String() string {
	switch s {
	case ServerConnecting:
		return "Connecting"
	case ServerConnected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// Server 跟踪一台游戏服务器：
// 身份描述、心跳驱动的在线状态，以及至多一条控制台连接。
//
// 不变式：conn 非空时 status 为 Connected；Connecting 期间 conn 仍为空，
// 直到控制台鉴权通过（OnOpen）才被设置；
// 每收到一次在线心跳 missedHeartbeats 归零；
// 心跳计时器只在心跳流活跃期间运转。
type Server struct {
	group  *Group // 属主群组，非拥有引用
	logger *zlog.MLogger

	mu               sync.Mutex
	id               int64
	name             string
	fleet            string
	playability      float64
	players          []alta.PlayerInfo
	isOnline         bool
	status           ServerStatus
	missedHeartbeats int
	heartbeatStop    chan struct{}
	conn             *console.Connection
	disposed         bool
}

func newServer(group *Group, info alta.ServerInfo) *Server {
	return &Server{
		group:       group,
		logger:      group.logger.With(zlog.FieldServerID(info.ID)),
		id:          info.ID,
		name:        info.Name,
		fleet:       info.Fleet,
		playability: info.Playability,
		players:     info.OnlinePlayers,
		isOnline:    info.IsOnline,
	}
}

// ID 返回服务器编号。
func (s *Server) ID() int64 {
	return s.id
}

// Name 返回服务器名称。
func (s *Server) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Fleet 返回服务器所属机群标签。
func (s *Server) Fleet() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fleet
}

// Status 返回连接状态。
func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Players 返回最近一次心跳报告的在线玩家。
func (s *Server) Players() []alta.PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alta.PlayerInfo(nil), s.players...)
}

// Console 返回当前控制台连接；未连接时为 nil。
func (s *Server) Console() *console.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connect 建立控制台连接。
// 平台拒绝（allowed=false 或缺少连接信息）时返回 ErrConsoleRefused。
// 已连接时直接返回现有连接；连接中（尚无连接）时返回 ErrConsoleNotConnected。
func (s *Server) Connect(ctx context.Context) (*console.Connection, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, merr.ErrConsoleNotConnected
	}
	if s.status != ServerDisconnected {
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		return nil, merr.ErrConsoleNotConnected
	}
	s.status = ServerConnecting
	s.mu.Unlock()

	access, err := s.group.client.api.GetServerConnectionDetails(ctx, s.id)
	if err != nil {
		s.resetToDisconnected()
		return nil, err
	}
	if !access.Allowed || access.Connection == nil || access.Token == "" {
		s.resetToDisconnected()
		return nil, merr.WrapErrConsoleRefused(s.id, "console access not granted")
	}

	conn, err := console.Dial(ctx, console.Config{
		Address: access.Connection.Address,
		Port:    access.Connection.WebsocketPort,
		Token:   access.Token,
		Logger:  s.logger,
	}, s)
	if err != nil {
		s.resetToDisconnected()
		return nil, err
	}
	return conn, nil
}

func (s *Server) resetToDisconnected() {
	s.mu.Lock()
	s.status = ServerDisconnected
	s.conn = nil
	s.mu.Unlock()
}

// OnOpen 实现 console.Handler：鉴权通过后进入 Connected 并上抛 connect 事件。
func (s *Server) OnOpen(c *console.Connection) {
	s.mu.Lock()
	s.status = ServerConnected
	s.conn = c
	s.mu.Unlock()

	s.logger.Info("console connected")
	s.group.client.emitConnect(c)
}

// OnClosed 实现 console.Handler。
// 正常关闭（1000）直接落回 Disconnected；
// 其余关闭码按 ServerConnectionRecoveryDelay 延迟后无限重连。
func (s *Server) OnClosed(c *console.Connection, code int, err error) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.status = ServerDisconnected
	disposed := s.disposed
	s.mu.Unlock()

	if code == websocket.CloseNormalClosure || disposed {
		s.Disconnect()
		return
	}

	delay := s.group.client.cfg.ServerConnectionRecoveryDelay
	s.logger.Warn("console closed abnormally, scheduling reconnect",
		zap.Int("closeCode", code),
		zap.Duration("retryAfter", delay),
		zap.Error(err))
	conc.Go(func() (struct{}, error) {
		s.reconnectLoop(delay)
		return struct{}{}, nil
	})
}

// reconnectLoop 按固定间隔重连，直到成功或服务器被释放。
func (s *Server) reconnectLoop(delay time.Duration) {
	time.Sleep(delay)
	policy := backoff.NewConstantBackOff(delay)
	_ = backoff.RetryNotify(func() error {
		s.mu.Lock()
		stop := s.disposed || s.status != ServerDisconnected
		s.mu.Unlock()
		if stop {
			return nil
		}
		_, err := s.Connect(context.Background())
		return err
	}, policy, func(err error, next time.Duration) {
		s.logger.Warn("console reconnect failed",
			zap.Duration("retryAfter", next),
			zap.Error(err))
	})
}

// update 用一次心跳/状态载荷刷新描述字段。
func (s *Server) update(hb alta.ServerHeartbeat) {
	s.mu.Lock()
	if hb.Name != "" {
		s.name = hb.Name
	}
	if hb.Fleet != "" {
		s.fleet = hb.Fleet
	}
	s.playability = hb.Playability
	s.players = hb.OnlinePlayers
	s.isOnline = hb.IsOnline
	s.mu.Unlock()

	s.logger.Debug("server updated",
		zap.Bool("isOnline", hb.IsOnline),
		zap.Int("players", len(hb.OnlinePlayers)))
}

// Refresh 重新拉取服务器详情并套用到本地描述。
func (s *Server) Refresh(ctx context.Context) error {
	info, err := s.group.client.api.GetServerInfo(ctx, s.id)
	if err != nil {
		return err
	}
	s.update(alta.ServerHeartbeat{
		ID:            info.ID,
		Name:          info.Name,
		Fleet:         info.Fleet,
		Playability:   info.Playability,
		IsOnline:      info.IsOnline,
		OnlinePlayers: info.OnlinePlayers,
	})
	return nil
}

// resetHeartbeat 在收到一次在线心跳后重置超时计数并重启固定周期计时器。
// 计时器每走一格 missedHeartbeats 加一，达到 maxMissed 时
// 断开控制台连接并停表。
func (s *Server) resetHeartbeat(interval time.Duration, maxMissed int) {
	s.mu.Lock()
	s.missedHeartbeats = 0
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	s.mu.Unlock()

	conc.Go(func() (struct{}, error) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return struct{}{}, nil
			case <-ticker.C:
				s.mu.Lock()
				s.missedHeartbeats++
				missed := s.missedHeartbeats
				s.mu.Unlock()

				if missed >= maxMissed {
					metrics.ServerHeartbeatMisses.Inc()
					s.logger.Warn("server heartbeats lost, closing console",
						zap.Int("missed", missed))
					// 只停掉自己这只表；期间若有新心跳换了表，由新表接管。
					s.mu.Lock()
					if s.heartbeatStop == stop {
						close(s.heartbeatStop)
						s.heartbeatStop = nil
					}
					s.mu.Unlock()
					s.Disconnect()
					return struct{}{}, nil
				}
			}
		}
	})
}

// stopHeartbeat 停止心跳计时器。未启动时为空操作。
func (s *Server) stopHeartbeat() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.mu.Unlock()
}

// Disconnect 关闭控制台连接并回到 Disconnected。幂等。
func (s *Server) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.status = ServerDisconnected
	s.mu.Unlock()

	if conn != nil {
		conn.Dispose()
		s.logger.Info("console disconnected")
	}
}

// dispose 释放服务器：停表、断开连接、拒绝后续操作。
func (s *Server) dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.stopHeartbeat()
	s.Disconnect()
}
