package account

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/att-fleet-go/internal/sdk/alta"
	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
	"github.com/lk2023060901/att-fleet-go/pkg/metrics"
	"github.com/lk2023060901/att-fleet-go/pkg/util/conc"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
	"github.com/lk2023060901/att-fleet-go/pkg/util/retry"
)

// 迁移相关的内部关闭码。
// 二者都不触发恢复流程：3000 表示迁移完成后关闭旧 socket，
// 3001 表示迁移中途放弃时关闭新 socket。
const (
	closeCodeMigrationDone  = 3000
	closeCodeMigrationAbort = 3001
)

// EventHandler 为订阅回调。msg 为完整的事件帧。
type EventHandler func(msg *Message)

// Instance 为一条经过认证的账号 WebSocket 连接。
//
// 职责：
//   - 定时 ping 维持连接；
//   - 出站 RPC 的 id 关联与按配置的重试；
//   - 订阅表维护与入站事件按到达顺序分发；
//   - 例行迁移（MigrationInterval 到期后换新 socket）；
//   - 异常关闭后的恢复（重开 socket 并全量重订阅）。
//
// halted 闸门关闭期间（迁移/恢复进行中），除迁移自身外的出站
// RPC 都会阻塞等待，在新 socket 就绪后继续完成。
type Instance struct {
	id     int64
	cfg    Config
	logger *zlog.MLogger
	tokens *alta.TokenManager

	migrationID atomic.Int64
	messageID   atomic.Int64

	mu             sync.Mutex
	current        *socketState
	pending        map[int64]chan rpcResult
	subs           map[string]EventHandler
	migrateCh      chan *Message
	migrationTimer *time.Timer

	halted *gate

	// pool 为恢复期间重订阅使用的工作池，由 Router 注入并在实例间共享。
	pool *conc.Pool[*Response]

	dispatchQueue chan *Message

	recovering atomic.Bool
	disposed   atomic.Bool
	closeOnce  sync.Once
}

type rpcResult struct {
	resp *Response
	err  error
}

// socketState 为一条底层 socket 及其附属协程的状态。
type socketState struct {
	conn        *websocket.Conn
	migrationID int64

	writeMu  sync.Mutex
	retired  atomic.Bool
	pingStop chan struct{}
}

// NewInstance 创建实例并完成首次连接。
// 打开失败时按 RecoveryRetryDelay 无限重试，直到成功或 ctx 结束。
func NewInstance(ctx context.Context, id int64, cfg Config, tokens *alta.TokenManager, pool *conc.Pool[*Response]) (*Instance, error) {
	cfg.fillDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = &zlog.MLogger{Logger: zlog.L()}
	}
	logger = logger.With(zlog.FieldInstanceID(id))

	i := &Instance{
		id:            id,
		cfg:           cfg,
		logger:        logger,
		tokens:        tokens,
		pending:       make(map[int64]chan rpcResult),
		subs:          make(map[string]EventHandler),
		halted:        newGate(true),
		pool:          pool,
		dispatchQueue: make(chan *Message, cfg.DispatchQueueSize),
	}

	if err := i.openSocketWithRetry(ctx); err != nil {
		return nil, err
	}
	go i.dispatchLoop()
	return i, nil
}

// ID 返回实例编号。编号参与日志前缀与消息标识（<instanceId>-<messageId>）。
func (i *Instance) ID() int64 {
	return i.id
}

// SubscriptionCount 返回当前订阅表大小。
func (i *Instance) SubscriptionCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subs)
}

func subKey(event string, key string) string {
	return event + "/" + key
}

// register 在订阅表中登记回调。重复登记与超出容量都会报错。
func (i *Instance) register(event string, key string, h EventHandler) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	k := subKey(event, key)
	if _, ok := i.subs[k]; ok {
		return merr.WrapErrSubscriptionDuplicate(event, key)
	}
	if len(i.subs) >= i.cfg.MaxSubscriptions {
		return merr.ErrSubscriptionCapacity
	}
	i.subs[k] = h
	metrics.SubscriptionCount.WithLabelValues(strconv.FormatInt(i.id, 10)).Set(float64(len(i.subs)))
	return nil
}

func (i *Instance) unregister(event string, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	k := subKey(event, key)
	if _, ok := i.subs[k]; !ok {
		return merr.WrapErrSubscriptionNotFound(event, key)
	}
	delete(i.subs, k)
	metrics.SubscriptionCount.WithLabelValues(strconv.FormatInt(i.id, 10)).Set(float64(len(i.subs)))
	return nil
}

// Subscribe 登记回调并向平台提交订阅。
// 已存在的 (event, key) 对会立即返回 ErrSubscriptionDuplicate。
func (i *Instance) Subscribe(ctx context.Context, event string, key string, h EventHandler) (*Response, error) {
	if err := i.register(event, key, h); err != nil {
		return nil, err
	}

	resp, err := i.Send(ctx, http.MethodPost, fmt.Sprintf("subscription/%s/%s", event, key), nil)
	if err != nil {
		// 订阅未在平台生效，回滚本地登记。
		_ = i.unregister(event, key)
		return nil, err
	}
	return resp, nil
}

// Unsubscribe 撤销订阅。未订阅的 (event, key) 对返回 ErrSubscriptionNotFound。
func (i *Instance) Unsubscribe(ctx context.Context, event string, key string) (*Response, error) {
	if err := i.unregister(event, key); err != nil {
		return nil, err
	}
	return i.Send(ctx, http.MethodDelete, fmt.Sprintf("subscription/%s/%s", event, key), nil)
}

// Send 发起一次 RPC 并等待对应响应。
//
// 除迁移自身（path == "migrate"）外，发送前都会等待 halted 闸门；
// 响应码非 2xx 时按 RequestAttempts/RequestRetryDelay 重试，
// 重试耗尽后以 ErrRequestRetriesExhausted 失败。
func (i *Instance) Send(ctx context.Context, method string, path string, payload any) (*Response, error) {
	var resp *Response
	attempt := func() error {
		if path != "migrate" {
			if err := i.halted.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
		}
		i.mu.Lock()
		s := i.current
		i.mu.Unlock()
		if s == nil {
			return merr.WrapErrSocketClosed(-1, "no live socket")
		}

		r, err := i.sendOnSocket(ctx, s, method, path, payload)
		if err != nil {
			return err
		}
		if r.ResponseCode < 200 || r.ResponseCode >= 300 {
			return merr.WrapErrAPIStatusUnexpected(r.ResponseCode, r.Content, method+" /ws/"+path)
		}
		resp = r
		return nil
	}

	err := retry.Do(ctx, attempt,
		retry.Attempts(uint(i.cfg.RequestAttempts)),
		retry.Sleep(i.cfg.RequestRetryDelay),
		retry.FixedSleep())
	if err != nil {
		if merr.IsCanceledOrTimeout(err) {
			return nil, err
		}
		return nil, merr.Combine(merr.WrapErrRequestRetriesExhausted(method, path, i.cfg.RequestAttempts), err)
	}
	return resp, nil
}

// sendOnSocket 在指定 socket 上发出一帧请求并等待关联响应。
func (i *Instance) sendOnSocket(ctx context.Context, s *socketState, method string, path string, payload any) (*Response, error) {
	tok, ok := i.tokens.Current()
	if !ok {
		return nil, merr.WrapErrTokenMalformed("no current token")
	}

	id := i.messageID.Inc()
	frame, err := newRequestFrame(method, path, tok.Bearer, id, payload)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	data, err := frame.encode()
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}

	ch := make(chan rpcResult, 1)
	i.mu.Lock()
	i.pending[id] = ch
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.pending, id)
		i.mu.Unlock()
	}()

	start := time.Now()
	i.logger.Debug("ws request",
		zap.String("messageId", fmt.Sprintf("%d-%d", i.id, id)),
		zap.String("method", method),
		zap.String("path", path))

	if err := i.writeFrame(s, data); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		metrics.AccountRPCDuration.WithLabelValues(method, path).
			Observe(float64(time.Since(start).Milliseconds()))
		return res.resp, nil
	}
}

func (i *Instance) writeFrame(s *socketState, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return merr.WrapErrSocketClosed(-1, err.Error())
	}
	return nil
}

// openSocketWithRetry 打开一条新 socket；失败时按固定间隔无限重试。
func (i *Instance) openSocketWithRetry(ctx context.Context) error {
	open := func() error {
		return i.openSocket(ctx)
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(i.cfg.RecoveryRetryDelay), ctx)
	return backoff.RetryNotify(open, policy, func(err error, next time.Duration) {
		i.logger.Warn("open websocket failed, will retry",
			zap.Duration("retryAfter", next),
			zap.Error(err))
	})
}

// openSocket 打开一条新 socket 并把它设为当前 socket。
func (i *Instance) openSocket(ctx context.Context) error {
	s, err := i.dialSocket(ctx)
	if err != nil {
		return err
	}

	i.mu.Lock()
	prev := i.current
	i.current = s
	i.mu.Unlock()

	if prev != nil && !prev.retired.Load() {
		i.retireSocket(prev, websocket.CloseNormalClosure)
	}

	i.armMigrationTimer()
	metrics.AccountSocketsOpen.Inc()
	i.logger.Info("account websocket open",
		zap.Int64("migrationId", s.migrationID))
	return nil
}

// dialSocket 仅建立连接与附属协程，不改动实例当前指向。
func (i *Instance) dialSocket(ctx context.Context) (*socketState, error) {
	tok, ok := i.tokens.Current()
	if !ok {
		if err := i.tokens.Refresh(ctx); err != nil {
			return nil, err
		}
		tok, _ = i.tokens.Current()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.Bearer)
	header.Set("x-api-key", i.cfg.XAPIKey)
	header.Set("User-Agent", alta.UserAgent())

	dialer := &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, i.cfg.WebSocketURL, header)
	if err != nil {
		return nil, err
	}

	s := &socketState{
		conn:        conn,
		migrationID: i.migrationID.Load(),
		pingStop:    make(chan struct{}),
	}

	// gorilla 默认的 ping 处理器会自动回 pong，这里只补一个 pong 观测点。
	conn.SetPongHandler(func(string) error {
		i.logger.Debug("pong received")
		return nil
	})

	go i.pingLoop(s)
	go i.readLoop(s)
	return s, nil
}

func (i *Instance) pingLoop(s *socketState) {
	ticker := time.NewTicker(i.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.pingStop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				i.logger.Warn("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (i *Instance) readLoop(s *socketState) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			i.handleSocketClosed(s, err)
			return
		}
		if msgType == websocket.BinaryMessage {
			// 平台不会下发二进制帧，视为协议异常并丢弃。
			i.logger.Warn("binary frame rejected", zap.Int("bytes", len(data)))
			continue
		}

		msg, err := decodeMessage(data)
		if err != nil {
			i.logger.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		i.routeMessage(msg)
	}
}

// routeMessage 按帧类别路由：迁移确认 → 迁移通道；
// id == 0 → 订阅分发队列；id > 0 → RPC 等待方。
func (i *Instance) routeMessage(msg *Message) {
	switch msg.classify() {
	case frameMigrateAck:
		i.mu.Lock()
		ch := i.migrateCh
		i.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
			return
		}
		// 不在迁移中收到的迁移响应按普通响应处理。
		if msg.ID > 0 {
			i.resolvePending(msg)
		}

	case frameEvent:
		if !msg.HasContent() {
			i.logger.Warn("event frame without content dropped",
				zap.String("event", msg.Event),
				zap.String("key", msg.Key))
			return
		}
		i.enqueueEvent(msg)

	case frameResponse:
		if !msg.HasContent() {
			i.logger.Warn("response frame without content dropped",
				zap.Int64("id", msg.ID),
				zap.String("key", msg.Key))
			return
		}
		i.resolvePending(msg)
	}
}

// enqueueEvent 将事件放入分发队列。
// 与 Dispose 对 i.mu 互斥，避免向已关闭的队列投递。
func (i *Instance) enqueueEvent(msg *Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed.Load() {
		return
	}
	select {
	case i.dispatchQueue <- msg:
	default:
		i.logger.RatedWarn(1, "dispatch queue full, event dropped",
			zap.String("event", msg.Event),
			zap.String("key", msg.Key))
	}
}

func (i *Instance) resolvePending(msg *Message) {
	i.mu.Lock()
	ch, ok := i.pending[msg.ID]
	if ok {
		delete(i.pending, msg.ID)
	}
	i.mu.Unlock()
	if !ok {
		i.logger.Debug("response for unknown message id dropped", zap.Int64("id", msg.ID))
		return
	}
	ch <- rpcResult{resp: responseFromMessage(msg)}
}

// rejectAllPending 以给定错误终结所有挂起中的 RPC。
func (i *Instance) rejectAllPending(err error) {
	i.mu.Lock()
	pending := i.pending
	i.pending = make(map[int64]chan rpcResult)
	i.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcResult{err: err}
	}
}

func (i *Instance) dispatchLoop() {
	for msg := range i.dispatchQueue {
		i.mu.Lock()
		h := i.subs[subKey(msg.Event, msg.Key)]
		i.mu.Unlock()
		if h == nil {
			i.logger.Debug("event without subscriber dropped",
				zap.String("event", msg.Event),
				zap.String("key", msg.Key))
			continue
		}
		h(msg)
	}
}

// handleSocketClosed 处理 socket 读协程的退出。
// 迁移内部关闭码（3000/3001）与主动淘汰的 socket 不触发恢复。
func (i *Instance) handleSocketClosed(s *socketState, err error) {
	close(s.pingStop)

	if s.retired.Load() || i.disposed.Load() {
		return
	}

	i.mu.Lock()
	isCurrent := i.current == s
	i.mu.Unlock()
	if !isCurrent {
		return
	}

	code := -1
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
	}
	if code == closeCodeMigrationDone || code == closeCodeMigrationAbort {
		return
	}

	// 标记为已淘汰，恢复流程中的 retireSocket 不会重复计数。
	s.retired.Store(true)
	metrics.AccountSocketsOpen.Dec()
	i.logger.Warn("account websocket closed abnormally",
		zap.Int("closeCode", code),
		zap.Error(err))

	i.rejectAllPending(merr.WrapErrSocketClosed(code))
	go i.recover()
}

// retireSocket 标记 socket 已淘汰并以给定关闭码关闭。
func (i *Instance) retireSocket(s *socketState, code int) {
	if !s.retired.CompareAndSwap(false, true) {
		return
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
	metrics.AccountSocketsOpen.Dec()
}

func (i *Instance) armMigrationTimer() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.migrationTimer != nil {
		i.migrationTimer.Stop()
	}
	i.migrationTimer = time.AfterFunc(i.cfg.MigrationInterval, func() {
		if err := i.Migrate(context.Background()); err != nil {
			i.logger.Warn("routine migration failed", zap.Error(err))
		}
	})
}

// Migrate 执行一次例行 socket 迁移。
//
// 流程：在当前 socket 上取得迁移令牌，关闭 halted 闸门，
// 打开新 socket 并在其上出示令牌；确认成功后开闸，
// 旧 socket 保留 HandoverPeriod 以沥干在途响应，再以 3000 关闭。
// 出示令牌失败时以 3001 关闭新 socket、还原旧 socket 并转入恢复流程。
func (i *Instance) Migrate(ctx context.Context) error {
	if i.disposed.Load() {
		return nil
	}

	// 等待闸门，保证不会有两次迁移叠加。
	if err := i.halted.Wait(ctx); err != nil {
		return err
	}

	tokenResp, err := i.Send(ctx, http.MethodGet, "migrate", nil)
	if err != nil {
		i.logger.Warn("migration token request failed, rescheduling",
			zap.Duration("retryAfter", i.cfg.MigrationRetryDelay),
			zap.Error(err))
		metrics.AccountSocketMigrations.WithLabelValues("token_failed").Inc()
		time.AfterFunc(i.cfg.MigrationRetryDelay, func() {
			_ = i.Migrate(context.Background())
		})
		return nil
	}

	var tokenPayload struct {
		Token string `json:"token"`
	}
	if err := tokenResp.Decode(&tokenPayload); err != nil {
		return merr.WrapErrMigrationAborted("undecodable migration token: " + err.Error())
	}

	i.halted.Close()
	i.migrationID.Inc()

	i.mu.Lock()
	prev := i.current
	i.migrateCh = make(chan *Message, 1)
	i.mu.Unlock()

	fail := func(reason string, cause error) error {
		i.mu.Lock()
		i.migrateCh = nil
		i.mu.Unlock()
		metrics.AccountSocketMigrations.WithLabelValues("aborted").Inc()
		i.logger.Warn("migration aborted, entering recovery",
			zap.String("reason", reason),
			zap.Error(cause))
		go i.recover()
		return nil
	}

	next, err := i.dialSocket(ctx)
	if err != nil {
		// 新 socket 从未打开，恢复流程会重建连接与订阅。
		return fail("dial new socket", err)
	}
	// 计数入账与 openSocket 保持一致；
	// 放弃时 retireSocket 的出账正好与这里抵消。
	metrics.AccountSocketsOpen.Inc()

	// 在新 socket 上出示迁移令牌。平台不保证回填请求 id，
	// 成功与否通过迁移通道上的 (event, responseCode, key) 判定。
	if err := i.presentMigrationToken(ctx, next, tokenPayload.Token); err != nil {
		i.retireSocket(next, closeCodeMigrationAbort)
		i.mu.Lock()
		i.current = prev
		i.mu.Unlock()
		return fail("present migration token", err)
	}

	i.mu.Lock()
	i.current = next
	i.migrateCh = nil
	i.mu.Unlock()

	i.halted.Open()
	i.armMigrationTimer()
	metrics.AccountSocketMigrations.WithLabelValues("ok").Inc()
	i.logger.Info("migration complete",
		zap.Int64("migrationId", next.migrationID),
		zap.Duration("handover", i.cfg.MigrationHandoverPeriod))

	// 旧 socket 沥干在途响应后关闭。
	if prev != nil {
		time.AfterFunc(i.cfg.MigrationHandoverPeriod, func() {
			i.retireSocket(prev, closeCodeMigrationDone)
		})
	}
	return nil
}

func (i *Instance) presentMigrationToken(ctx context.Context, s *socketState, token string) error {
	tok, ok := i.tokens.Current()
	if !ok {
		return merr.WrapErrTokenMalformed("no current token")
	}

	id := i.messageID.Inc()
	frame, err := newRequestFrame(http.MethodPost, "migrate", tok.Bearer, id, map[string]string{"token": token})
	if err != nil {
		return err
	}
	data, err := frame.encode()
	if err != nil {
		return err
	}
	if err := i.writeFrame(s, data); err != nil {
		return err
	}

	i.mu.Lock()
	ch := i.migrateCh
	i.mu.Unlock()

	timer := time.NewTimer(i.cfg.MigrationRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return merr.WrapErrMigrationAborted("no migration acknowledgement")
	case msg := <-ch:
		if msg.ResponseCode != 200 {
			return merr.WrapErrMigrationAborted(fmt.Sprintf("migration refused with code %d", msg.ResponseCode))
		}
		return nil
	}
}

// recover 执行异常恢复：重开 socket 并重放全部订阅。
// 任何一步失败都会还原订阅表快照并在 RecoveryRetryDelay 后重来。
func (i *Instance) recover() {
	if !i.recovering.CompareAndSwap(false, true) {
		return
	}
	defer i.recovering.Store(false)

	metrics.AccountSocketRecoveries.Inc()

	i.halted.Close()

	i.mu.Lock()
	snapshot := make(map[string]EventHandler, len(i.subs))
	for k, h := range i.subs {
		snapshot[k] = h
	}
	i.subs = make(map[string]EventHandler)
	prev := i.current
	i.current = nil
	i.mu.Unlock()

	if prev != nil {
		i.retireSocket(prev, websocket.CloseNormalClosure)
	}

	for round := 1; ; round++ {
		if i.disposed.Load() {
			return
		}

		// 上一轮失败时订阅表被还原成快照，这里重新清空，
		// 使本轮重放仍以逐条注册成功为准。
		i.mu.Lock()
		i.subs = make(map[string]EventHandler, len(snapshot))
		i.mu.Unlock()

		i.migrationID.Inc()
		if err := i.openSocketWithRetry(context.Background()); err != nil {
			return
		}

		// 重连期间实例被释放的话，把刚开的 socket 收掉再退出。
		if i.disposed.Load() {
			i.mu.Lock()
			s := i.current
			i.current = nil
			i.mu.Unlock()
			if s != nil {
				i.retireSocket(s, websocket.CloseNormalClosure)
			}
			return
		}

		// 开闸放行重订阅 RPC。
		i.halted.Open()

		if err := i.resubscribeAll(snapshot); err == nil {
			i.logger.Info("recovery complete",
				zap.Int("round", round),
				zap.Int("subscriptions", len(snapshot)))
			return
		} else {
			i.logger.Warn("recovery round failed",
				zap.Int("round", round),
				zap.Duration("retryAfter", i.cfg.RecoveryRetryDelay),
				zap.Error(err))
		}

		// 还原快照并停止放行，下一轮重来。
		i.mu.Lock()
		i.subs = make(map[string]EventHandler, len(snapshot))
		for k, h := range snapshot {
			i.subs[k] = h
		}
		i.mu.Unlock()
		i.halted.Close()

		time.Sleep(i.cfg.RecoveryRetryDelay)
	}
}

// resubscribeAll 通过工作池并发重放订阅，整体受 RecoveryTimeout 约束。
func (i *Instance) resubscribeAll(snapshot map[string]EventHandler) error {
	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.RecoveryTimeout)
	defer cancel()

	futures := make([]*conc.Future[*Response], 0, len(snapshot))
	for k, h := range snapshot {
		event, key, ok := splitSubKey(k)
		if !ok {
			continue
		}
		h := h
		futures = append(futures, i.pool.Submit(func() (*Response, error) {
			return i.Subscribe(ctx, event, key, h)
		}))
	}

	var firstErr error
	for _, future := range futures {
		if _, err := future.AwaitCtx(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return merr.WrapErrRecoveryFailed(firstErr)
	}
	return nil
}

func splitSubKey(k string) (event string, key string, ok bool) {
	for idx := 0; idx < len(k); idx++ {
		if k[idx] == '/' {
			return k[:idx], k[idx+1:], true
		}
	}
	return "", "", false
}

// Dispose 关闭实例：取消定时器、终结挂起 RPC、以 1000 关闭 socket。幂等。
func (i *Instance) Dispose() {
	i.closeOnce.Do(func() {
		i.disposed.Store(true)

		i.mu.Lock()
		if i.migrationTimer != nil {
			i.migrationTimer.Stop()
			i.migrationTimer = nil
		}
		s := i.current
		i.current = nil
		close(i.dispatchQueue)
		i.mu.Unlock()

		i.rejectAllPending(merr.WrapErrSocketClosed(websocket.CloseNormalClosure, "instance disposed"))
		if s != nil {
			i.retireSocket(s, websocket.CloseNormalClosure)
		}
	})
}
