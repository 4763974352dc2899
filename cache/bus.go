package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ============================================================
// 失效事件总线
// ============================================================
// 多实例部署下，显式 invalidate 通过总线广播，各实例订阅后
// 丢弃本地 L1 条目，无需共享时钟即可保持一致。
// 单实例部署或测试用进程内实现即可。

// InvalidationEvent 失效事件
type InvalidationEvent struct {
	Namespace string `json:"namespace"`
	// Key 为空表示整个命名空间失效
	Key string `json:"key,omitempty"`
	// Prefix 为 true 时 Key 作为前缀匹配
	Prefix bool `json:"prefix,omitempty"`
}

// Bus 失效事件总线接口。任何传输（网络 pub/sub、轮询、进程内）
// 满足该接口即可接入管理器。
type Bus interface {
	// Publish 发布失效事件
	Publish(ctx context.Context, ev InvalidationEvent) error

	// Subscribe 注册事件处理器，随总线生命周期持续接收
	Subscribe(handler func(InvalidationEvent))

	// Close 关闭总线
	Close() error
}

// ------------------------------------------------------------
// 进程内实现
// ------------------------------------------------------------

// LocalBus 进程内失效总线（单实例部署/测试）
type LocalBus struct {
	mu       sync.RWMutex
	handlers []func(InvalidationEvent)
	closed   bool
}

// NewLocalBus 创建进程内总线
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Publish 同步分发给所有订阅者
func (b *LocalBus) Publish(_ context.Context, ev InvalidationEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, h := range b.handlers {
		h(ev)
	}
	return nil
}

// Subscribe 注册处理器
func (b *LocalBus) Subscribe(handler func(InvalidationEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Close 关闭总线
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}

// ------------------------------------------------------------
// Redis pub/sub 实现
// ------------------------------------------------------------

// RedisBus 基于 Redis pub/sub 的跨实例失效总线
type RedisBus struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers []func(InvalidationEvent)
	pubsub   *redis.PubSub
	stopCh   chan struct{}
	once     sync.Once
}

// NewRedisBus 创建 Redis 总线并启动订阅循环
func NewRedisBus(rdb *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	b := &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With(zap.String("component", "cache_bus")),
		stopCh:  make(chan struct{}),
	}
	b.pubsub = rdb.Subscribe(context.Background(), channel)
	go b.receiveLoop()
	return b
}

// Publish 发布失效事件
func (b *RedisBus) Publish(ctx context.Context, ev InvalidationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Warn("invalidation publish failed", zap.Error(err))
		return ErrTierUnavailable
	}
	return nil
}

// Subscribe 注册处理器
func (b *RedisBus) Subscribe(handler func(InvalidationEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *RedisBus) receiveLoop() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("invalid invalidation event", zap.Error(err))
				continue
			}
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

// Close 停止订阅循环并关闭 pub/sub 连接
func (b *RedisBus) Close() error {
	b.once.Do(func() { close(b.stopCh) })
	return b.pubsub.Close()
}
