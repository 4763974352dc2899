package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBatcherClosed 批处理器已关闭
	ErrBatcherClosed = errors.New("batcher closed")

	// ErrLengthMismatch 上游响应无条目 ID 且数量与请求不一致。
	// 此时位置对齐无法信任，整窗失败（fail-all）。
	ErrLengthMismatch = errors.New("batch response length mismatch")

	// ErrNoResult 上游响应缺少本条目的结果
	ErrNoResult = errors.New("no result for batch item")
)

// Item 批次中的单个待处理负载
type Item struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
	UserKey string `json:"user_key,omitempty"`
}

// ItemResult 单条目结果
type ItemResult struct {
	ID      string  `json:"id"`
	Payload []byte  `json:"payload"`
	CostUsd float64 `json:"cost_usd"`
	Err     error   `json:"-"`
}

// FlushFunc 把整窗条目作为一次上游调用分发。
// 返回的结果按 ID 匹配；全部无 ID 时按位置匹配。
type FlushFunc func(ctx context.Context, namespace string, items []Item) ([]ItemResult, error)

// Future 单条目的异步结果
type Future struct {
	ch chan ItemResult
}

// Wait 等待结果或 ctx 取消
func (f *Future) Wait(ctx context.Context) (ItemResult, error) {
	select {
	case res := <-f.ch:
		if res.Err != nil {
			return res, res.Err
		}
		return res, nil
	case <-ctx.Done():
		return ItemResult{}, ctx.Err()
	}
}

// Config 批处理配置
type Config struct {
	MaxSize      int           `json:"max_size"`
	MaxWait      time.Duration `json:"max_wait"`
	FlushTimeout time.Duration `json:"flush_timeout"`
}

// =============================================================================
// 📦 请求批处理器
// =============================================================================
// 每个命名空间一个开放窗口：首次 Add 打开，满 MaxSize 或到
// MaxWait 先到者触发刷新。刷新开始时窗口即从映射摘除——
// 并发 Add 开新窗口，绝不与刷新中的窗口竞争。
// 窗口内相同负载去重合并到同一 Future。

// Batcher 请求批处理器
type Batcher struct {
	mu      sync.Mutex
	windows map[string]*window
	flush   FlushFunc
	cfg     Config
	logger  *zap.Logger
	closed  bool

	// 统计
	added     atomic.Int64
	flushes   atomic.Int64
	sizeFlush atomic.Int64
	timeFlush atomic.Int64
	coalesced atomic.Int64
}

// Stats 批处理统计
type Stats struct {
	Added       int64 `json:"added"`
	Flushes     int64 `json:"flushes"`
	SizeFlushes int64 `json:"size_flushes"`
	TimeFlushes int64 `json:"time_flushes"`
	Coalesced   int64 `json:"coalesced"`
	OpenWindows int   `json:"open_windows"`
}

type window struct {
	namespace string
	items     []Item
	// waiters[i] 为第 i 个条目的所有订阅者（窗口内去重产生多个）
	waiters [][]chan ItemResult
	byHash  map[string]int
	timer   *time.Timer
	openedAt time.Time
}

// NewBatcher 创建批处理器
func NewBatcher(cfg Config, flush FlushFunc, logger *zap.Logger) *Batcher {
	return &Batcher{
		windows: make(map[string]*window),
		flush:   flush,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "batch")),
	}
}

// Add 追加条目到命名空间的开放窗口，返回条目的 Future
func (b *Batcher) Add(namespace string, item Item) *Future {
	fut := &Future{ch: make(chan ItemResult, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		fut.ch <- ItemResult{ID: item.ID, Err: ErrBatcherClosed}
		return fut
	}

	b.added.Add(1)

	w, ok := b.windows[namespace]
	if !ok {
		w = &window{
			namespace: namespace,
			byHash:    make(map[string]int),
			openedAt:  time.Now(),
		}
		ns := namespace
		w.timer = time.AfterFunc(b.cfg.MaxWait, func() { b.flushOnTimer(ns, w) })
		b.windows[namespace] = w
	}

	// 窗口内去重：相同负载合并到已有条目
	h := payloadHash(item.Payload)
	if idx, dup := w.byHash[h]; dup {
		w.waiters[idx] = append(w.waiters[idx], fut.ch)
		b.coalesced.Add(1)
		b.mu.Unlock()
		return fut
	}

	w.items = append(w.items, item)
	w.waiters = append(w.waiters, []chan ItemResult{fut.ch})
	w.byHash[h] = len(w.items) - 1

	if len(w.items) >= b.cfg.MaxSize {
		// 满员刷新：摘除窗口后立即分发，不等 MaxWait
		delete(b.windows, namespace)
		w.timer.Stop()
		b.sizeFlush.Add(1)
		b.mu.Unlock()
		go b.dispatch(w)
		return fut
	}

	b.mu.Unlock()
	return fut
}

// flushOnTimer MaxWait 到期触发的刷新
func (b *Batcher) flushOnTimer(namespace string, w *window) {
	b.mu.Lock()
	// 窗口可能已被满员刷新摘除，或已被新窗口替换
	if b.windows[namespace] != w {
		b.mu.Unlock()
		return
	}
	delete(b.windows, namespace)
	b.timeFlush.Add(1)
	b.mu.Unlock()

	b.dispatch(w)
}

// dispatch 执行一次批量上游调用并逐条目分发结果
func (b *Batcher) dispatch(w *window) {
	b.flushes.Add(1)

	ctx := context.Background()
	if b.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.FlushTimeout)
		defer cancel()
	}

	b.logger.Debug("flushing batch window",
		zap.String("namespace", w.namespace),
		zap.Int("items", len(w.items)),
		zap.Duration("age", time.Since(w.openedAt)))

	results, err := b.flush(ctx, w.namespace, w.items)
	if err != nil {
		// 整批失败：所有 Future 收到同一错误
		b.rejectAll(w, err)
		return
	}

	// ID 匹配优先；全部无 ID 时按位置匹配；
	// 无 ID 且数量不一致时整窗失败（不猜测对齐）。
	byID := make(map[string]ItemResult, len(results))
	allHaveID := len(results) > 0
	for _, r := range results {
		if r.ID == "" {
			allHaveID = false
			break
		}
		byID[r.ID] = r
	}

	switch {
	case allHaveID:
		for i, item := range w.items {
			res, ok := byID[item.ID]
			if !ok {
				res = ItemResult{ID: item.ID, Err: ErrNoResult}
			}
			b.deliver(w, i, res)
		}
	case len(results) == len(w.items):
		for i := range w.items {
			res := results[i]
			res.ID = w.items[i].ID
			b.deliver(w, i, res)
		}
	default:
		b.rejectAll(w, ErrLengthMismatch)
	}
}

func (b *Batcher) deliver(w *window, idx int, res ItemResult) {
	for _, ch := range w.waiters[idx] {
		ch <- res
	}
}

func (b *Batcher) rejectAll(w *window, err error) {
	for i, item := range w.items {
		b.deliver(w, i, ItemResult{ID: item.ID, Err: err})
	}
}

// Close 关闭批处理器并刷新所有未完成窗口
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := make([]*window, 0, len(b.windows))
	for ns, w := range b.windows {
		w.timer.Stop()
		pending = append(pending, w)
		delete(b.windows, ns)
	}
	b.mu.Unlock()

	for _, w := range pending {
		b.dispatch(w)
	}
}

// GetStats 返回统计快照
func (b *Batcher) GetStats() Stats {
	b.mu.Lock()
	open := len(b.windows)
	b.mu.Unlock()

	return Stats{
		Added:       b.added.Load(),
		Flushes:     b.flushes.Load(),
		SizeFlushes: b.sizeFlush.Load(),
		TimeFlushes: b.timeFlush.Load(),
		Coalesced:   b.coalesced.Load(),
		OpenWindows: open,
	}
}

func payloadHash(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:16])
}
