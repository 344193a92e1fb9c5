package console

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lk2023060901/att-fleet-go/internal/json"
	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
	"github.com/lk2023060901/att-fleet-go/pkg/metrics"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
)

const (
	defaultAuthTimeout       = 10 * time.Second
	defaultCommandsPerSecond = 20
	defaultCommandBurst      = 20

	// authSuccessPrefix 为平台确认鉴权通过的系统消息前缀。
	authSuccessPrefix = "Connection Succeeded"
)

// reservedCommandPattern 匹配必须经由 Subscribe/Unsubscribe 走的命令。
var reservedCommandPattern = regexp.MustCompile(`(?i)^(websocket )?(un)?subscribe`)

// Config 为一次性连接参数：地址、端口与一次性令牌。
type Config struct {
	Address string
	Port    int
	Token   string

	// AuthTimeout 为等待平台确认鉴权的时限。
	AuthTimeout time.Duration

	// CommandsPerSecond/CommandBurst 限制出站命令速率，防止刷屏命令拖垮服务器。
	CommandsPerSecond rate.Limit
	CommandBurst      int

	Logger *zlog.MLogger
}

func (c *Config) fillDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.CommandsPerSecond <= 0 {
		c.CommandsPerSecond = defaultCommandsPerSecond
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = defaultCommandBurst
	}
}

// Handler 描述连接属主在关键节点的回调能力。
type Handler interface {
	// OnOpen 在平台确认鉴权通过后调用一次。
	OnOpen(c *Connection)
	// OnClosed 在连接关闭后调用；code 为关闭码，无法取得时为 -1。
	OnClosed(c *Connection, code int, err error)
}

// Event 为控制台下发的一条消息。
type Event struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	CommandID int64           `json:"commandId"`
	Data      json.RawMessage `json:"data"`
	TimeStamp string          `json:"timeStamp"`
}

// Name 返回事件的派发名："<type>[/<eventType>]"。
func (e *Event) Name() string {
	if e.EventType == "" {
		return e.Type
	}
	return e.Type + "/" + e.EventType
}

// Result 为一条命令的执行结果。
type Result struct {
	CommandID int64
	Data      json.RawMessage
	TimeStamp string
}

// Decode 将结果数据解码到 v。
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// EventHandler 为订阅回调。
type EventHandler func(evt *Event)

// commandFrame 为出站命令帧。
type commandFrame struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

// Connection 为到单台游戏服务器的控制台 WebSocket。
//
// 连接流程：建立明文 ws 连接后，第一帧原样发送一次性令牌；
// 平台以 SystemMessage/InfoLog（"Connection Succeeded" 开头）确认鉴权。
// 之后命令与订阅事件复用同一条连接，命令按 commandId 关联结果。
type Connection struct {
	id      uuid.UUID
	cfg     Config
	logger  *zlog.MLogger
	handler Handler

	conn    *websocket.Conn
	writeMu sync.Mutex

	commandID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Result
	subs    map[string]EventHandler
	onAny   EventHandler

	limiter *rate.Limiter

	authed  chan struct{}
	authOne sync.Once

	open      atomic.Bool
	disposed  atomic.Bool
	closeOnce sync.Once
}

// Dial 建立控制台连接并等待鉴权确认。
func Dial(ctx context.Context, cfg Config, handler Handler) (*Connection, error) {
	cfg.fillDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = &zlog.MLogger{Logger: zlog.L()}
	}

	urlStr := fmt.Sprintf("ws://%s:%d", cfg.Address, cfg.Port)
	dialer := &websocket.Dialer{HandshakeTimeout: cfg.AuthTimeout}
	wsConn, _, err := dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		id:      uuid.New(),
		cfg:     cfg,
		handler: handler,
		conn:    wsConn,
		pending: make(map[int64]chan *Result),
		subs:    make(map[string]EventHandler),
		limiter: rate.NewLimiter(cfg.CommandsPerSecond, cfg.CommandBurst),
		authed:  make(chan struct{}),
	}
	c.logger = logger.With(zap.String("consoleId", c.id.String()))

	// 第一帧为不加包装的原始令牌。
	if err := c.writeRaw([]byte(cfg.Token)); err != nil {
		_ = wsConn.Close()
		return nil, err
	}

	go c.readLoop()

	authCtx, cancel := context.WithTimeout(ctx, cfg.AuthTimeout)
	defer cancel()
	select {
	case <-authCtx.Done():
		c.Dispose()
		return nil, merr.WrapErrConsoleNotConnected(authCtx.Err())
	case <-c.authed:
	}

	c.open.Store(true)
	metrics.ConsoleConnections.Inc()
	return c, nil
}

// ID 返回连接的本地标识。
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Send 执行一条控制台命令并等待 CommandResult。
// 订阅管理命令必须使用 Subscribe/Unsubscribe，直接发送会被拒绝。
func (c *Connection) Send(ctx context.Context, command string) (*Result, error) {
	if reservedCommandPattern.MatchString(strings.TrimSpace(command)) {
		return nil, merr.WrapErrConsoleCommandReserved(command)
	}
	return c.sendCommand(ctx, command)
}

func (c *Connection) sendCommand(ctx context.Context, command string) (*Result, error) {
	if c.disposed.Load() {
		return nil, merr.ErrConsoleNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id := c.commandID.Inc()
	data, err := json.Marshal(&commandFrame{ID: id, Content: command})
	if err != nil {
		return nil, err
	}

	ch := make(chan *Result, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeRaw(data); err != nil {
		return nil, err
	}
	metrics.ConsoleCommands.Inc()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok || res == nil {
			return nil, merr.ErrConsoleNotConnected
		}
		return res, nil
	}
}

// Subscribe 订阅一类服务器事件，事件名只允许订阅一次。
func (c *Connection) Subscribe(ctx context.Context, event string, h EventHandler) error {
	name := "Subscription/" + event

	c.mu.Lock()
	if _, ok := c.subs[name]; ok {
		c.mu.Unlock()
		return merr.WrapErrSubscriptionDuplicate("Subscription", event)
	}
	c.subs[name] = h
	c.mu.Unlock()

	if _, err := c.sendCommand(ctx, "websocket subscribe "+event); err != nil {
		c.mu.Lock()
		delete(c.subs, name)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe 撤销一类服务器事件的订阅。
func (c *Connection) Unsubscribe(ctx context.Context, event string) error {
	name := "Subscription/" + event

	c.mu.Lock()
	if _, ok := c.subs[name]; !ok {
		c.mu.Unlock()
		return merr.WrapErrSubscriptionNotFound("Subscription", event)
	}
	delete(c.subs, name)
	c.mu.Unlock()

	_, err := c.sendCommand(ctx, "websocket unsubscribe "+event)
	return err
}

// OnAnyMessage 安装一个观察所有入站消息的调试回调。
func (c *Connection) OnAnyMessage(h EventHandler) {
	c.mu.Lock()
	c.onAny = h
	c.mu.Unlock()
}

func (c *Connection) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return merr.WrapErrConsoleNotConnected(err)
	}
	return nil
}

func (c *Connection) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleClosed(err)
			return
		}

		var evt Event
		if jerr := json.Unmarshal(data, &evt); jerr != nil {
			c.logger.Warn("undecodable console frame dropped", zap.Error(jerr))
			continue
		}
		c.dispatch(&evt)
	}
}

func (c *Connection) dispatch(evt *Event) {
	c.mu.Lock()
	onAny := c.onAny
	c.mu.Unlock()
	if onAny != nil {
		onAny(evt)
	}

	// 鉴权确认：SystemMessage/InfoLog 且文本以 "Connection Succeeded" 开头。
	if evt.Type == "SystemMessage" && evt.EventType == "InfoLog" {
		var text string
		if err := json.Unmarshal(evt.Data, &text); err == nil && strings.HasPrefix(text, authSuccessPrefix) {
			c.authOne.Do(func() {
				if c.handler != nil {
					c.handler.OnOpen(c)
				}
				close(c.authed)
			})
			return
		}
	}

	if evt.CommandID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[evt.CommandID]
		if ok {
			delete(c.pending, evt.CommandID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("command result without waiter dropped",
				zap.Int64("commandId", evt.CommandID))
			return
		}
		ch <- &Result{CommandID: evt.CommandID, Data: evt.Data, TimeStamp: evt.TimeStamp}
		return
	}

	c.mu.Lock()
	h := c.subs[evt.Name()]
	c.mu.Unlock()
	if h != nil {
		h(evt)
		return
	}
	c.logger.Debug("console event without subscriber",
		zap.String("name", evt.Name()))
}

func (c *Connection) handleClosed(err error) {
	code := -1
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
	}

	c.rejectPending()
	if c.open.Swap(false) {
		metrics.ConsoleConnections.Dec()
	}

	if c.disposed.Swap(true) {
		return
	}

	c.logger.Info("console connection closed",
		zap.Int("closeCode", code),
		zap.Error(err))
	if c.handler != nil {
		c.handler.OnClosed(c, code, err)
	}
}

func (c *Connection) rejectPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *Result)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// Dispose 以 1000 关闭连接并清空所有回调。幂等。
func (c *Connection) Dispose() {
	c.closeOnce.Do(func() {
		c.disposed.Store(true)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()

		c.rejectPending()
		c.mu.Lock()
		c.subs = make(map[string]EventHandler)
		c.onAny = nil
		c.mu.Unlock()

		if c.open.Swap(false) {
			metrics.ConsoleConnections.Dec()
		}
	})
}
