// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 缓存指标
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cachePromotions prometheus.Counter

	// 去重指标
	dedupFlights   prometheus.Counter
	dedupCoalesced prometheus.Counter

	// 批处理指标
	batchFlushes prometheus.Counter
	batchSize    prometheus.Histogram

	// 路由指标
	routeDecisions   *prometheus.CounterVec
	upstreamFailures *prometheus.CounterVec
	upstreamCost     *prometheus.CounterVec

	// 工作池指标
	poolActive prometheus.Gauge
	poolQueued prometheus.Gauge

	// 台账指标
	ledgerSpend *prometheus.GaugeVec

	// 请求指标
	requestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_namespace"},
	)

	c.cachePromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_promotions_total",
			Help:      "Total number of lower-tier hits promoted upward",
		},
	)

	// 去重指标
	c.dedupFlights = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_flights_total",
			Help:      "Total number of producer invocations",
		},
	)

	c.dedupCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_coalesced_total",
			Help:      "Total number of callers coalesced onto in-flight requests",
		},
	)

	// 批处理指标
	c.batchFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Total number of batch window flushes",
		},
	)

	c.batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_items",
			Help:      "Number of items per flushed batch window",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	// 路由指标
	c.routeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_decisions_total",
			Help:      "Total number of route decisions",
		},
		[]string{"provider", "model"},
	)

	c.upstreamFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Total number of upstream call failures",
		},
		[]string{"provider"},
	)

	c.upstreamCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_cost_usd_total",
			Help:      "Total upstream cost in USD",
		},
		[]string{"provider", "model"},
	)

	// 工作池指标
	c.poolActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_active_workers",
			Help:      "Number of workers currently executing tasks",
		},
	)

	c.poolQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queued_tasks",
			Help:      "Number of tasks waiting in the pool queue",
		},
	)

	// 台账指标
	c.ledgerSpend = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_spend_usd",
			Help:      "Current ledger spend in USD",
		},
		[]string{"user_key", "period"}, // period: daily, monthly
	)

	// 请求指标
	c.requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end execute duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"cache_namespace", "outcome"}, // outcome: hit, upstream, error
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheNamespace string) {
	c.cacheMisses.WithLabelValues(cacheNamespace).Inc()
}

// RecordCachePromotion 记录向上回填
func (c *Collector) RecordCachePromotion() {
	c.cachePromotions.Inc()
}

// =============================================================================
// 🔁 去重指标记录
// =============================================================================

// RecordDedupFlight 记录一次实际执行
func (c *Collector) RecordDedupFlight() {
	c.dedupFlights.Inc()
}

// RecordDedupCoalesced 记录一次合并
func (c *Collector) RecordDedupCoalesced() {
	c.dedupCoalesced.Inc()
}

// =============================================================================
// 📦 批处理指标记录
// =============================================================================

// RecordBatchFlush 记录一次窗口刷新
func (c *Collector) RecordBatchFlush(items int) {
	c.batchFlushes.Inc()
	c.batchSize.Observe(float64(items))
}

// =============================================================================
// 🧭 路由指标记录
// =============================================================================

// RecordRouteDecision 记录路由决策
func (c *Collector) RecordRouteDecision(provider, model string) {
	c.routeDecisions.WithLabelValues(provider, model).Inc()
}

// RecordUpstreamFailure 记录上游失败
func (c *Collector) RecordUpstreamFailure(provider string) {
	c.upstreamFailures.WithLabelValues(provider).Inc()
}

// RecordUpstreamCost 记录上游实际成本
func (c *Collector) RecordUpstreamCost(provider, model string, costUsd float64) {
	c.upstreamCost.WithLabelValues(provider, model).Add(costUsd)
}

// =============================================================================
// ⚙️ 工作池与台账指标记录
// =============================================================================

// RecordPoolGauges 记录工作池瞬时状态
func (c *Collector) RecordPoolGauges(active, queued int) {
	c.poolActive.Set(float64(active))
	c.poolQueued.Set(float64(queued))
}

// RecordLedgerSpend 记录台账当前支出
func (c *Collector) RecordLedgerSpend(userKey string, dailyUsd, monthlyUsd float64) {
	c.ledgerSpend.WithLabelValues(userKey, "daily").Set(dailyUsd)
	c.ledgerSpend.WithLabelValues(userKey, "monthly").Set(monthlyUsd)
}

// RecordRequest 记录端到端请求
func (c *Collector) RecordRequest(cacheNamespace, outcome string, duration time.Duration) {
	c.requestDuration.WithLabelValues(cacheNamespace, outcome).Observe(duration.Seconds())
}
