package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/costflow/config"
)

// =============================================================================
// 💾 分层缓存管理器
// =============================================================================
// 查找顺序 L1 → L2 → L3，低层命中后先向上回填再返回；
// 写入对 L1 同步，对 L2/L3 发后即忘——慢速落盘永远不拖慢响应，
// L2/L3 缺失只是未来的一次未命中，不是错误。

// TieredCache 分层缓存管理器
type TieredCache struct {
	l1     *L1Cache
	l2     *L2Cache // 可为 nil（禁用 L2）
	l3     *L3Cache // 可为 nil（禁用 L3）
	bus    Bus
	cfg    config.CacheConfig
	logger *zap.Logger

	// 统计
	l1Hits        atomic.Int64
	l2Hits        atomic.Int64
	l3Hits        atomic.Int64
	misses        atomic.Int64
	promotions    atomic.Int64
	invalidations atomic.Int64

	// 后台写跟踪：测试用它断言 L2/L3 的最终存在性
	writes sync.WaitGroup

	now func() time.Time
}

// Stats 缓存统计快照
type Stats struct {
	L1Hits        int64   `json:"l1_hits"`
	L2Hits        int64   `json:"l2_hits"`
	L3Hits        int64   `json:"l3_hits"`
	Misses        int64   `json:"misses"`
	Promotions    int64   `json:"promotions"`
	Invalidations int64   `json:"invalidations"`
	L1Entries     int     `json:"l1_entries"`
	HitRate       float64 `json:"hit_rate"`
}

// NewTieredCache 创建分层缓存管理器。
// l2/l3 传 nil 表示禁用对应层；bus 传 nil 时使用进程内总线。
func NewTieredCache(cfg config.CacheConfig, l2 *L2Cache, l3 *L3Cache, bus Bus, logger *zap.Logger) *TieredCache {
	if bus == nil {
		bus = NewLocalBus()
	}

	tc := &TieredCache{
		l1:     NewL1Cache(cfg.L1MaxEntries, cfg.HighCostThreshold, cfg.ExtendedTTL),
		l2:     l2,
		l3:     l3,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "cache")),
		now:    time.Now,
	}

	// 其他实例发布的失效事件只需丢弃本地 L1，
	// 共享层由发布方实例删除。
	bus.Subscribe(tc.applyInvalidation)

	return tc
}

// Get 按 L1→L2→L3 查找，低层命中先回填高层
func (tc *TieredCache) Get(ctx context.Context, namespace, key string) (*Entry, Tier, error) {
	if entry, ok := tc.l1.Get(key); ok {
		tc.l1Hits.Add(1)
		return entry, TierL1, nil
	}

	if tc.l2 != nil {
		entry, err := tc.l2.Get(ctx, namespace, key)
		if err == nil {
			tc.l2Hits.Add(1)
			tc.promote(entry, TierL1)
			return entry, TierL2, nil
		}
	}

	if tc.l3 != nil {
		entry, err := tc.l3.Get(ctx, namespace, key)
		if err == nil {
			tc.l3Hits.Add(1)
			tc.promote(entry, TierL1)
			if tc.l2 != nil {
				tc.asyncWrite(func(ctx context.Context) {
					if err := tc.l2.Set(ctx, entry, tc.cfg.TTLFor(namespace, 2)); err != nil {
						tc.logger.Debug("l2 promotion write failed", zap.String("key", key))
					}
				})
			}
			return entry, TierL3, nil
		}
	}

	tc.misses.Add(1)
	return nil, TierNone, ErrCacheMiss
}

// Set 写入所有层：L1 同步，L2/L3 发后即忘
func (tc *TieredCache) Set(ctx context.Context, namespace, key string, value []byte, costWeight float64) error {
	now := tc.now()
	entry := &Entry{
		Key:        key,
		Namespace:  namespace,
		Value:      value,
		SizeBytes:  len(value),
		CostWeight: costWeight,
		CreatedAt:  now,
		ExpiresAt:  now.Add(tc.cfg.TTLFor(namespace, 1)),
		TierOrigin: TierL1,
	}
	tc.l1.Set(key, entry)

	if tc.l2 != nil {
		l2Entry := entry.clone(TierL2, now.Add(tc.cfg.TTLFor(namespace, 2)))
		tc.asyncWrite(func(ctx context.Context) {
			_ = tc.l2.Set(ctx, l2Entry, tc.cfg.TTLFor(namespace, 2))
		})
	}
	if tc.l3 != nil {
		l3Entry := entry.clone(TierL3, now.Add(tc.cfg.TTLFor(namespace, 3)))
		tc.asyncWrite(func(ctx context.Context) {
			_ = tc.l3.Set(ctx, l3Entry, tc.cfg.TTLFor(namespace, 3))
		})
	}

	return nil
}

// Invalidate 显式失效单个键：删除所有层并广播失效事件
func (tc *TieredCache) Invalidate(ctx context.Context, namespace, key string) error {
	tc.invalidations.Add(1)
	tc.l1.Delete(key)

	g, gctx := errgroup.WithContext(ctx)
	if tc.l2 != nil {
		g.Go(func() error { return tc.l2.Delete(gctx, namespace, key) })
	}
	if tc.l3 != nil {
		g.Go(func() error { return tc.l3.Delete(gctx, namespace, key) })
	}
	if err := g.Wait(); err != nil {
		tc.logger.Warn("invalidate incomplete",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Error(err))
	}

	return tc.bus.Publish(ctx, InvalidationEvent{Namespace: namespace, Key: key})
}

// InvalidatePrefix 按键前缀失效；prefix 为空时失效整个命名空间
func (tc *TieredCache) InvalidatePrefix(ctx context.Context, namespace, prefix string) error {
	tc.invalidations.Add(1)
	if prefix == "" {
		tc.l1.DeleteNamespace(namespace)
	} else {
		tc.l1.DeletePrefix(prefix)
	}

	g, gctx := errgroup.WithContext(ctx)
	if tc.l2 != nil {
		g.Go(func() error {
			_, err := tc.l2.DeletePrefix(gctx, namespace, prefix)
			return err
		})
	}
	if tc.l3 != nil {
		g.Go(func() error {
			_, err := tc.l3.DeletePrefix(gctx, namespace, prefix)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		tc.logger.Warn("prefix invalidate incomplete",
			zap.String("namespace", namespace),
			zap.String("prefix", prefix),
			zap.Error(err))
	}

	return tc.bus.Publish(ctx, InvalidationEvent{Namespace: namespace, Key: prefix, Prefix: true})
}

// GetStats 返回统计快照
func (tc *TieredCache) GetStats() Stats {
	l1 := tc.l1Hits.Load()
	l2 := tc.l2Hits.Load()
	l3 := tc.l3Hits.Load()
	miss := tc.misses.Load()
	total := l1 + l2 + l3 + miss

	s := Stats{
		L1Hits:        l1,
		L2Hits:        l2,
		L3Hits:        l3,
		Misses:        miss,
		Promotions:    tc.promotions.Load(),
		Invalidations: tc.invalidations.Load(),
		L1Entries:     tc.l1.Len(),
	}
	if total > 0 {
		s.HitRate = float64(l1+l2+l3) / float64(total)
	}
	return s
}

// Flush 等待所有在途的后台写完成（测试辅助）
func (tc *TieredCache) Flush() {
	tc.writes.Wait()
}

// Close 关闭总线和 L3
func (tc *TieredCache) Close() error {
	tc.writes.Wait()
	err := tc.bus.Close()
	if tc.l3 != nil {
		if cerr := tc.l3.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// promote 回填条目到 L1
func (tc *TieredCache) promote(entry *Entry, _ Tier) {
	tc.promotions.Add(1)
	promoted := entry.clone(TierL1, tc.now().Add(tc.cfg.TTLFor(entry.Namespace, 1)))
	promoted.CreatedAt = tc.now()
	tc.l1.Set(entry.Key, promoted)
}

// asyncWrite 发后即忘的低层写，独立超时，绝不阻塞调用方
func (tc *TieredCache) asyncWrite(fn func(ctx context.Context)) {
	tc.writes.Add(1)
	go func() {
		defer tc.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

// applyInvalidation 处理总线事件：丢弃匹配的本地 L1 条目
func (tc *TieredCache) applyInvalidation(ev InvalidationEvent) {
	switch {
	case ev.Prefix && ev.Key == "":
		tc.l1.DeleteNamespace(ev.Namespace)
	case ev.Prefix:
		tc.l1.DeletePrefix(ev.Key)
	default:
		tc.l1.Delete(ev.Key)
	}
}

func (e *Entry) clone(origin Tier, expiresAt time.Time) *Entry {
	c := *e
	c.TierOrigin = origin
	c.ExpiresAt = expiresAt
	return &c
}
