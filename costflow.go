// =============================================================================
// 🚀 CostFlow - 请求经济核心
// =============================================================================
// 把每次上游 AI 调用当作带价格的经济行为：分层缓存、请求去重、
// 批处理、成本感知路由与预算台账在此组装为单一执行入口。
// 各组件可独立使用，Engine 提供标准的组合方式。
// =============================================================================
package costflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/costflow/batch"
	"github.com/BaSui01/costflow/cache"
	"github.com/BaSui01/costflow/config"
	"github.com/BaSui01/costflow/dedup"
	"github.com/BaSui01/costflow/internal/metrics"
	"github.com/BaSui01/costflow/internal/pool"
	"github.com/BaSui01/costflow/ledger"
	"github.com/BaSui01/costflow/router"
	"github.com/BaSui01/costflow/types"
)

// =============================================================================
// ⚙️ 引擎与选项
// =============================================================================

// Engine 请求经济核心的执行引擎
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	cache     *cache.TieredCache
	coalescer *dedup.Coalescer[*types.Result]
	batcher   *batch.Batcher
	router    *router.Router
	ledger    *ledger.Ledger
	pool      *pool.WorkerPool
	metrics   *metrics.Collector

	providers map[string]types.Provider
	batchable map[string]struct{}

	rdb      *redis.Client
	ownedRdb bool
	closed   atomic.Bool
}

type engineOptions struct {
	logger           *zap.Logger
	rdb              *redis.Client
	bus              cache.Bus
	parser           types.IntentParser
	providers        []types.Provider
	metricsNamespace string
}

// Option 引擎构造选项
type Option func(*engineOptions)

// WithLogger 注入外部日志器（默认按 Log 配置构建）
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithProvider 注册上游供应商，按 Name() 索引
func WithProvider(p types.Provider) Option {
	return func(o *engineOptions) { o.providers = append(o.providers, p) }
}

// WithRedisClient 注入外部 Redis 客户端（默认按 Redis 配置自建）。
// 注入的客户端生命周期归调用方，Close 时不会被关闭。
func WithRedisClient(rdb *redis.Client) Option {
	return func(o *engineOptions) { o.rdb = rdb }
}

// WithInvalidationBus 注入自定义失效总线（默认：有 Redis 用
// pub/sub 总线，否则用进程内总线）
func WithInvalidationBus(bus cache.Bus) Option {
	return func(o *engineOptions) { o.bus = bus }
}

// WithIntentParser 注入意图解析器，细化路由复杂度评分
func WithIntentParser(p types.IntentParser) Option {
	return func(o *engineOptions) { o.parser = p }
}

// WithMetrics 启用 Prometheus 指标导出（namespace 为指标前缀）。
// 默认关闭：promauto 注册到全局 registry，由调用方决定是否导出。
func WithMetrics(namespace string) Option {
	return func(o *engineOptions) { o.metricsNamespace = namespace }
}

// New 创建引擎。cfg 为 nil 时使用默认配置。
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	providers := make(map[string]types.Provider, len(o.providers))
	for _, p := range o.providers {
		providers[p.Name()] = p
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		coalescer: dedup.New[*types.Result](),
		ledger:    ledger.New(cfg.Ledger, logger),
		providers: providers,
		batchable: make(map[string]struct{}, len(cfg.Batch.Namespaces)),
	}
	for _, ns := range cfg.Batch.Namespaces {
		e.batchable[ns] = struct{}{}
	}

	e.router = router.New(cfg.Router, e.ledger, providers, logger)
	if o.parser != nil {
		e.router.WithIntentParser(o.parser)
	}

	// L2 与失效总线：有 Redis 才启用
	e.rdb = o.rdb
	if e.rdb == nil && cfg.Cache.Redis.Addr != "" {
		e.rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Cache.Redis.Addr,
			Password:     cfg.Cache.Redis.Password,
			DB:           cfg.Cache.Redis.DB,
			MaxRetries:   cfg.Cache.Redis.MaxRetries,
			PoolSize:     cfg.Cache.Redis.PoolSize,
			MinIdleConns: cfg.Cache.Redis.MinIdleConns,
		})
		e.ownedRdb = true
	}

	var l2 *cache.L2Cache
	bus := o.bus
	if e.rdb != nil {
		l2 = cache.NewL2Cache(e.rdb, logger)
		if bus == nil {
			bus = cache.NewRedisBus(e.rdb, cfg.Cache.Redis.InvalidationChannel, logger)
		}
	}

	// L3 磁盘层：配置了路径才启用
	var l3 *cache.L3Cache
	if cfg.Cache.SQLitePath != "" {
		var err error
		l3, err = cache.NewL3Cache(cfg.Cache.SQLitePath, cfg.Cache.CompressionThreshold, cfg.Cache.PurgeInterval, logger)
		if err != nil {
			if e.ownedRdb {
				e.rdb.Close()
			}
			return nil, fmt.Errorf("open l3 cache: %w", err)
		}
	}

	e.cache = cache.NewTieredCache(cfg.Cache, l2, l3, bus, logger)

	e.pool = pool.New(pool.Config{
		Workers:        cfg.Pool.Workers,
		QueueSize:      cfg.Pool.QueueSize,
		DefaultTimeout: cfg.Pool.DefaultTaskTimeout,
	})

	e.batcher = batch.NewBatcher(batch.Config{
		MaxSize:      cfg.Batch.MaxSize,
		MaxWait:      cfg.Batch.MaxWait,
		FlushTimeout: cfg.Batch.FlushTimeout,
	}, e.flushBatch, logger)

	if o.metricsNamespace != "" {
		e.metrics = metrics.NewCollector(o.metricsNamespace, logger)
	}

	logger.Info("costflow engine initialized",
		zap.Bool("l2_enabled", l2 != nil),
		zap.Bool("l3_enabled", l3 != nil),
		zap.Int("providers", len(providers)),
		zap.Strings("batch_namespaces", cfg.Batch.Namespaces))

	return e, nil
}

// =============================================================================
// 🎯 执行管线
// =============================================================================
// execute = 派生键 → 去重合并 { 缓存查找 → 命中即返回 |
//           路由决策 → 派发（批处理命名空间走窗口，其余直连）→
//           工作池规范化 → 缓存写入 } → 统计上报

// Execute 执行一个请求，返回结果或结构化错误
func (e *Engine) Execute(ctx context.Context, req *types.Request, budget types.BudgetContext) (*types.Result, error) {
	start := time.Now()

	if e.closed.Load() {
		return nil, types.NewError(types.ErrInternalError, "engine closed")
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if budget.UserKey == "" {
		budget.UserKey = req.UserKey
	}

	key := req.DedupKey
	if key == "" {
		key = cache.DeriveKey(req.Namespace, req.Payload)
	}

	// 相同键的并发请求只执行一次上游调用。领队用与调用方取消
	// 解耦的上下文执行，单个调用方退出不拖垮其余订阅者。
	res, coalesced, err := e.coalescer.Do(ctx, key, func() (*types.Result, error) {
		return e.executeOnce(context.WithoutCancel(ctx), req, budget, key)
	})

	if e.metrics != nil {
		if coalesced {
			e.metrics.RecordDedupCoalesced()
		} else {
			e.metrics.RecordDedupFlight()
		}
		e.metrics.RecordRequest(req.Namespace, outcomeLabel(res, err), time.Since(start))
	}

	return res, err
}

// executeOnce 去重保护下的单次执行
func (e *Engine) executeOnce(ctx context.Context, req *types.Request, budget types.BudgetContext, key string) (*types.Result, error) {
	if entry, tier, err := e.cache.Get(ctx, req.Namespace, key); err == nil {
		if e.metrics != nil {
			e.metrics.RecordCacheHit(tier.String())
			if tier != cache.TierL1 {
				// 低层命中即向上回填
				e.metrics.RecordCachePromotion()
			}
		}
		return &types.Result{
			Payload:   entry.Value,
			FromCache: true,
			HitTier:   tier.String(),
		}, nil
	}
	if e.metrics != nil {
		e.metrics.RecordCacheMiss(req.Namespace)
	}

	var (
		result *types.Result
		err    error
	)
	if _, ok := e.batchable[req.Namespace]; ok {
		result, err = e.executeBatched(ctx, req, budget, key)
	} else {
		result, err = e.executeDirect(ctx, req, budget)
	}
	if err != nil {
		return nil, err
	}

	payload, err := e.normalizePayload(ctx, result.Payload)
	if err != nil {
		return nil, err
	}
	result.Payload = payload

	// 缓存权重取实际成本：昂贵的结果在 L1 中被保留更久
	if err := e.cache.Set(ctx, req.Namespace, key, result.Payload, result.CostUsd); err != nil {
		e.logger.Warn("cache write failed",
			zap.String("namespace", req.Namespace),
			zap.String("key", key),
			zap.Error(err))
	}

	if e.metrics != nil {
		snap := e.ledger.GetSnapshot(budget.UserKey)
		e.metrics.RecordLedgerSpend(budget.UserKey, snap.DailySpentUsd, snap.MonthlySpentUsd)
		ps := e.pool.Stats()
		e.metrics.RecordPoolGauges(ps.Active, ps.Queued)
	}

	return result, nil
}

// executeDirect 路由并直连派发
func (e *Engine) executeDirect(ctx context.Context, req *types.Request, budget types.BudgetContext) (*types.Result, error) {
	decision, err := e.router.Route(ctx, req, budget)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordRouteDecision(decision.Provider, decision.Model)
	}

	result, err := e.router.Dispatch(ctx, decision, req)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordUpstreamFailure(decision.Provider)
		}
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordUpstreamCost(result.Provider, result.Model, result.CostUsd)
	}
	return result, nil
}

// executeBatched 条目进入命名空间窗口，等待整窗刷新后的本条结果
func (e *Engine) executeBatched(ctx context.Context, req *types.Request, budget types.BudgetContext, key string) (*types.Result, error) {
	fut := e.batcher.Add(req.Namespace, batch.Item{
		ID:      key,
		Payload: req.Payload,
		UserKey: budget.UserKey,
	})

	res, err := fut.Wait(ctx)
	if err != nil {
		if errors.Is(err, batch.ErrNoResult) || errors.Is(err, batch.ErrLengthMismatch) {
			return nil, types.NewError(types.ErrBatchPartialFailure, "batch flush did not yield a result for this item").
				WithNamespace(req.Namespace).
				WithKey(key).
				WithCause(err)
		}
		return nil, err
	}

	return &types.Result{
		Payload: res.Payload,
		CostUsd: res.CostUsd,
	}, nil
}

// flushBatch 批处理器的刷新回调：整窗作为一次上游调用路由并派发。
// 预算预检用窗口首条目的用户；逐条目的实际记账在派发时按均摊完成。
func (e *Engine) flushBatch(ctx context.Context, namespace string, items []batch.Item) ([]batch.ItemResult, error) {
	payloads := make([]json.RawMessage, len(items))
	for i, item := range items {
		payloads[i] = item.Payload
	}
	combined, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("combine batch payloads: %w", err)
	}

	synthetic := &types.Request{
		Namespace: namespace,
		TaskType:  namespace,
		Payload:   combined,
		UserKey:   items[0].UserKey,
	}

	decision, err := e.router.Route(ctx, synthetic, types.BudgetContext{UserKey: items[0].UserKey})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordRouteDecision(decision.Provider, decision.Model)
		e.metrics.RecordBatchFlush(len(items))
	}

	results, err := e.router.DispatchBatch(ctx, decision, namespace, items)
	if err != nil && e.metrics != nil {
		e.metrics.RecordUpstreamFailure(decision.Provider)
	}
	return results, err
}

// normalizePayload 在工作池中规范化响应负载（JSON 紧凑化），
// 保证缓存值字节稳定。队列满作为背压直接上抛。
func (e *Engine) normalizePayload(ctx context.Context, payload []byte) ([]byte, error) {
	v, err := e.pool.SubmitWait(ctx, func(_ context.Context) (any, error) {
		if !json.Valid(payload) {
			return payload, nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return payload, nil
		}
		return buf.Bytes(), nil
	}, e.cfg.Pool.DefaultTaskTimeout)

	if err != nil {
		switch {
		case errors.Is(err, pool.ErrQueueFull):
			return nil, types.NewError(types.ErrQueueFull, "transform queue full").
				WithRetryable(true).
				WithCause(err)
		case errors.Is(err, pool.ErrTaskTimeout):
			return nil, types.NewError(types.ErrTimeout, "payload transform timed out").
				WithCause(err)
		default:
			return nil, types.NewError(types.ErrInternalError, "payload transform failed").
				WithCause(err)
		}
	}
	return v.([]byte), nil
}

// =============================================================================
// 🔧 缓存与台账操作
// =============================================================================

// CacheKey 返回负载的内容寻址缓存键（与 Execute 内部派生一致）
func CacheKey(namespace string, payload []byte) string {
	return cache.DeriveKey(namespace, payload)
}

// Invalidate 显式失效单个键（跨所有层并广播到其他实例）
func (e *Engine) Invalidate(ctx context.Context, namespace, key string) error {
	return e.cache.Invalidate(ctx, namespace, key)
}

// InvalidateNamespace 失效整个命名空间
func (e *Engine) InvalidateNamespace(ctx context.Context, namespace string) error {
	return e.cache.InvalidatePrefix(ctx, namespace, "")
}

// SetBudgetLimits 覆盖某用户的日/月预算（0 表示沿用配置默认值）
func (e *Engine) SetBudgetLimits(userKey string, dailyUsd, monthlyUsd float64) {
	e.ledger.SetLimits(userKey, dailyUsd, monthlyUsd)
}

// BudgetSnapshot 返回某用户的台账快照
func (e *Engine) BudgetSnapshot(userKey string) ledger.Snapshot {
	return e.ledger.GetSnapshot(userKey)
}

// =============================================================================
// 📊 统计与生命周期
// =============================================================================

// EngineStats 引擎聚合统计
type EngineStats struct {
	Cache  cache.Stats       `json:"cache"`
	Dedup  dedup.Stats       `json:"dedup"`
	Batch  batch.Stats       `json:"batch"`
	Router router.Stats      `json:"router"`
	Pool   pool.PoolStats    `json:"pool"`
	Ledger []ledger.Snapshot `json:"ledger"`
}

// GetStats 返回各组件统计快照
func (e *Engine) GetStats() EngineStats {
	return EngineStats{
		Cache:  e.cache.GetStats(),
		Dedup:  e.coalescer.GetStats(),
		Batch:  e.batcher.GetStats(),
		Router: e.router.GetStats(),
		Pool:   e.pool.Stats(),
		Ledger: e.ledger.GetSnapshotAll(),
	}
}

// Ledger 暴露底层台账（路由器之外只读使用）
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Close 关闭引擎：刷新未完成批窗口，排空工作池，关闭缓存层
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	e.batcher.Close()
	e.pool.Close()
	err := e.cache.Close()

	if e.ownedRdb {
		if cerr := e.rdb.Close(); err == nil {
			err = cerr
		}
	}

	e.logger.Info("costflow engine closed")
	_ = e.logger.Sync()
	return err
}

// =============================================================================
// 🔒 内部辅助
// =============================================================================

func validateRequest(req *types.Request) error {
	if req == nil {
		return types.NewError(types.ErrInvalidRequest, "request is nil")
	}
	if req.Namespace == "" {
		return types.NewError(types.ErrInvalidRequest, "namespace is required")
	}
	if len(req.Payload) == 0 {
		return types.NewError(types.ErrInvalidRequest, "payload is required").
			WithNamespace(req.Namespace)
	}
	return nil
}

func outcomeLabel(res *types.Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res != nil && res.FromCache:
		return "hit"
	default:
		return "upstream"
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}
