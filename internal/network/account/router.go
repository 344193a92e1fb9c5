package account

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/lk2023060901/att-fleet-go/internal/sdk/alta"
	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
	"github.com/lk2023060901/att-fleet-go/pkg/util/conc"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
)

// Router 把订阅键分摊到一组账号 WebSocket 实例上。
//
// 每个实例最多承载 MaxSubscriptions 条订阅；
// 现有实例全部占满时会创建编号递增的新实例。
// 路由表保证每条已路由的 (event, key) 都落在仍持有它的实例上。
type Router struct {
	cfg    Config
	logger *zlog.MLogger
	tokens *alta.TokenManager

	mu        sync.Mutex
	instances map[int64]*Instance
	routes    map[string]int64 // subKey -> instanceID

	nextInstanceID atomic.Int64

	// pool 为恢复重订阅共享的工作池，容量由调用方决定。
	pool *conc.Pool[*Response]

	disposed bool
}

// NewRouter 创建订阅路由器。
// workerConcurrency 同时作为恢复期间重订阅的并发上限。
func NewRouter(cfg Config, tokens *alta.TokenManager, workerConcurrency int) *Router {
	cfg.fillDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = &zlog.MLogger{Logger: zlog.L()}
	}
	if workerConcurrency <= 0 {
		workerConcurrency = 5
	}

	return &Router{
		cfg:       cfg,
		logger:    logger,
		tokens:    tokens,
		instances: make(map[int64]*Instance),
		routes:    make(map[string]int64),
		pool:      conc.NewPool[*Response](workerConcurrency),
	}
}

// Subscribe 路由并提交一条订阅。
// (event, key) 已被路由时返回 ErrSubscriptionDuplicate。
func (r *Router) Subscribe(ctx context.Context, event string, key string, h EventHandler) (*Response, error) {
	k := subKey(event, key)

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, merr.WrapErrClientNotReady("router disposed")
	}
	if _, ok := r.routes[k]; ok {
		r.mu.Unlock()
		return nil, merr.WrapErrSubscriptionDuplicate(event, key)
	}

	inst, created, err := r.pickInstanceLocked(ctx)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.routes[k] = inst.ID()
	r.mu.Unlock()

	resp, err := inst.Subscribe(ctx, event, key, h)
	if errors.Is(err, merr.ErrSubscriptionCapacity) {
		// 挑选与登记之间有并发写入挤掉了余量，换一个实例重来。
		r.mu.Lock()
		delete(r.routes, k)
		r.mu.Unlock()
		return r.Subscribe(ctx, event, key, h)
	}
	if err != nil {
		r.mu.Lock()
		delete(r.routes, k)
		// 专为这条订阅创建的实例提交失败后不再保留。
		if created && inst.SubscriptionCount() == 0 {
			delete(r.instances, inst.ID())
			r.mu.Unlock()
			inst.Dispose()
		} else {
			r.mu.Unlock()
		}
		return nil, err
	}
	return resp, nil
}

// Unsubscribe 撤销一条订阅；其所在实例清空后会被丢弃。
func (r *Router) Unsubscribe(ctx context.Context, event string, key string) (*Response, error) {
	k := subKey(event, key)

	r.mu.Lock()
	id, ok := r.routes[k]
	if !ok {
		r.mu.Unlock()
		return nil, merr.WrapErrSubscriptionNotFound(event, key)
	}
	inst := r.instances[id]
	r.mu.Unlock()
	if inst == nil {
		return nil, merr.WrapErrSubscriptionNotFound(event, key, "routed instance missing")
	}

	resp, err := inst.Unsubscribe(ctx, event, key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	delete(r.routes, k)
	drop := inst.SubscriptionCount() == 0
	if drop {
		delete(r.instances, id)
	}
	r.mu.Unlock()

	if drop {
		r.logger.Info("instance drained, disposing", zlog.FieldInstanceID(id))
		inst.Dispose()
	}
	return resp, nil
}

// pickInstanceLocked 返回第一个仍有容量的实例（按实例编号升序），
// 没有时创建新实例。调用方需持有 r.mu。
func (r *Router) pickInstanceLocked(ctx context.Context) (*Instance, bool, error) {
	ids := maps.Keys(r.instances)
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		inst := r.instances[id]
		if inst.SubscriptionCount() < r.cfg.MaxSubscriptions {
			return inst, false, nil
		}
	}

	id := r.nextInstanceID.Inc()
	r.logger.Info("creating account websocket instance",
		zlog.FieldInstanceID(id),
		zap.Int("existing", len(r.instances)))
	inst, err := NewInstance(ctx, id, r.cfg, r.tokens, r.pool)
	if err != nil {
		return nil, false, err
	}
	r.instances[id] = inst
	return inst, true, nil
}

// RouteCount 返回当前路由表大小。
func (r *Router) RouteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// InstanceCount 返回当前实例数。
func (r *Router) InstanceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Dispose 释放所有实例与工作池。幂等。
func (r *Router) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	instances := maps.Values(r.instances)
	r.instances = make(map[int64]*Instance)
	r.routes = make(map[string]int64)
	r.mu.Unlock()

	for _, inst := range instances {
		inst.Dispose()
	}
	r.pool.Release()
}
