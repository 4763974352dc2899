package cache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// ============================================================
// L3 磁盘缓存（SQLite + gzip）
// ============================================================
// 持久层：超过压缩阈值的值 gzip 压缩后落盘，读取时透明解压。
// 过期行读取时惰性剔除，另有周期清理循环兜底。

const createL3Table = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	value BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL,
	cost_weight REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_namespace ON cache_entries(namespace);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

// L3Cache SQLite 后端的持久缓存层
type L3Cache struct {
	db                   *sql.DB
	compressionThreshold int
	logger               *zap.Logger

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewL3Cache 打开（或创建）磁盘缓存
func NewL3Cache(dbPath string, compressionThreshold int, purgeInterval time.Duration, logger *zap.Logger) (*L3Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open l3 db: %w", err)
	}
	// modernc sqlite 写并发受限，单连接避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createL3Table); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate l3 db: %w", err)
	}

	c := &L3Cache{
		db:                   db,
		compressionThreshold: compressionThreshold,
		logger:               logger.With(zap.String("component", "cache_l3")),
		stopCh:               make(chan struct{}),
	}

	if purgeInterval > 0 {
		go c.purgeLoop(purgeInterval)
	}

	return c, nil
}

// Get 获取条目，过期行惰性删除
func (c *L3Cache) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	var (
		value      []byte
		compressed int
		sizeBytes  int
		costWeight float64
		createdAt  int64
		expiresAt  int64
	)

	err := c.db.QueryRowContext(ctx,
		`SELECT value, compressed, size_bytes, cost_weight, created_at, expires_at
		 FROM cache_entries WHERE key = ? AND namespace = ?`,
		key, namespace,
	).Scan(&value, &compressed, &sizeBytes, &costWeight, &createdAt, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		c.logger.Warn("l3 get failed, degrading to miss",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Error(err))
		return nil, ErrTierUnavailable
	}

	if expiresAt > 0 && time.Now().Unix() > expiresAt {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, ErrCacheMiss
	}

	if compressed == 1 {
		value, err = gunzip(value)
		if err != nil {
			c.logger.Warn("l3 decompress failed, dropping entry",
				zap.String("key", key),
				zap.Error(err))
			_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
			return nil, ErrCacheMiss
		}
	}

	return &Entry{
		Key:        key,
		Namespace:  namespace,
		Value:      value,
		SizeBytes:  sizeBytes,
		Compressed: compressed == 1,
		CostWeight: costWeight,
		CreatedAt:  time.Unix(createdAt, 0),
		ExpiresAt:  time.Unix(expiresAt, 0),
		TierOrigin: TierL3,
	}, nil
}

// Set 写入条目，超过阈值先压缩
func (c *L3Cache) Set(ctx context.Context, entry *Entry, ttl time.Duration) error {
	value := entry.Value
	compressed := 0
	if c.compressionThreshold > 0 && len(value) > c.compressionThreshold {
		compacted, err := gzipBytes(value)
		if err != nil {
			return fmt.Errorf("l3 compress: %w", err)
		}
		value = compacted
		compressed = 1
	}

	now := time.Now()
	expiresAt := int64(0)
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (key, namespace, value, compressed, size_bytes, cost_weight, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Key, entry.Namespace, value, compressed,
		len(entry.Value), entry.CostWeight, now.Unix(), expiresAt,
	)
	if err != nil {
		c.logger.Warn("l3 set failed",
			zap.String("namespace", entry.Namespace),
			zap.String("key", entry.Key),
			zap.Error(err))
		return ErrTierUnavailable
	}
	return nil
}

// Delete 删除条目
func (c *L3Cache) Delete(ctx context.Context, namespace, key string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key = ? AND namespace = ?`, key, namespace)
	if err != nil {
		return fmt.Errorf("l3 delete: %w", err)
	}
	return nil
}

// DeletePrefix 按键前缀删除，返回删除数
func (c *L3Cache) DeletePrefix(ctx context.Context, namespace, prefix string) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND key LIKE ? ESCAPE '\'`,
		namespace, escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("l3 delete prefix: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeExpired 删除所有过期行，返回删除数
func (c *L3Cache) PurgeExpired(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("l3 purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Count 返回当前行数
func (c *L3Cache) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("l3 count: %w", err)
	}
	return n, nil
}

// Close 停止清理循环并关闭数据库
func (c *L3Cache) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	return c.db.Close()
}

func (c *L3Cache) purgeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := c.PurgeExpired(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("l3 purge failed", zap.Error(err))
			} else if n > 0 {
				c.logger.Debug("l3 purged expired entries", zap.Int("count", n))
			}
		}
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func escapeLike(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
