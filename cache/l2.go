package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ============================================================
// L2 分布式缓存（Redis）
// ============================================================
// 跨实例共享层。任何 Redis 故障都只记录告警并返回
// ErrTierUnavailable，由管理器降级为未命中，绝不上抛为请求错误。

// L2Cache Redis 后端的分布式缓存层
type L2Cache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewL2Cache 创建 L2 缓存
func NewL2Cache(rdb *redis.Client, logger *zap.Logger) *L2Cache {
	return &L2Cache{
		rdb:    rdb,
		logger: logger.With(zap.String("component", "cache_l2")),
	}
}

// Get 获取条目
func (c *L2Cache) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	data, err := c.rdb.Get(ctx, redisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		c.logger.Warn("l2 get failed, degrading to miss",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Error(err))
		return nil, ErrTierUnavailable
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("l2 entry corrupt, degrading to miss",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Error(err))
		return nil, ErrCacheMiss
	}

	if entry.Expired(time.Now()) {
		return nil, ErrCacheMiss
	}

	entry.TierOrigin = TierL2
	return &entry, nil
}

// Set 写入条目
func (c *L2Cache) Set(ctx context.Context, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("l2 marshal entry: %w", err)
	}
	if err := c.rdb.Set(ctx, redisKey(entry.Namespace, entry.Key), data, ttl).Err(); err != nil {
		c.logger.Warn("l2 set failed",
			zap.String("namespace", entry.Namespace),
			zap.String("key", entry.Key),
			zap.Error(err))
		return ErrTierUnavailable
	}
	return nil
}

// Delete 删除条目
func (c *L2Cache) Delete(ctx context.Context, namespace, key string) error {
	if err := c.rdb.Del(ctx, redisKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("l2 delete: %w", err)
	}
	return nil
}

// DeletePrefix 按键前缀批量删除（SCAN + DEL），返回删除数
func (c *L2Cache) DeletePrefix(ctx context.Context, namespace, prefix string) (int, error) {
	pattern := redisKey(namespace, prefix) + "*"
	var deleted int
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("l2 scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return deleted, fmt.Errorf("l2 delete prefix: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Ping 检查 Redis 连接
func (c *L2Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func redisKey(namespace, key string) string {
	return "cf:" + namespace + ":" + key
}
