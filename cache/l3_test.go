package cache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestL3(t *testing.T) *L3Cache {
	t.Helper()
	c, err := NewL3Cache(filepath.Join(t.TempDir(), "cache.db"), 512, 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestL3Cache_Roundtrip(t *testing.T) {
	c := newTestL3(t)
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("k1", "chat", 0.5, now, time.Hour)
	require.NoError(t, c.Set(ctx, entry, time.Hour))

	got, err := c.Get(ctx, "chat", "k1")
	require.NoError(t, err)
	assert.Equal(t, entry.Value, got.Value)
	assert.False(t, got.Compressed)
	assert.Equal(t, 0.5, got.CostWeight)
	assert.Equal(t, TierL3, got.TierOrigin)
}

func TestL3Cache_Miss(t *testing.T) {
	c := newTestL3(t)

	_, err := c.Get(context.Background(), "chat", "nope")
	assert.True(t, IsCacheMiss(err))
}

// 超过阈值的值 gzip 落盘，读取透明解压
func TestL3Cache_CompressionAboveThreshold(t *testing.T) {
	c := newTestL3(t)
	ctx := context.Background()
	now := time.Now()

	big := bytes.Repeat([]byte("abcdefgh"), 256) // 2KB，远超 512 阈值
	entry := testEntry("big", "chat", 0, now, time.Hour)
	entry.Value = big

	require.NoError(t, c.Set(ctx, entry, time.Hour))

	got, err := c.Get(ctx, "chat", "big")
	require.NoError(t, err)
	assert.Equal(t, big, got.Value)
	assert.True(t, got.Compressed)
	assert.Equal(t, len(big), got.SizeBytes)
}

// 过期行读取时惰性剔除
func TestL3Cache_LazyExpiry(t *testing.T) {
	c := newTestL3(t)
	ctx := context.Background()

	// 直接写入一行已过期数据
	_, err := c.db.Exec(
		`INSERT INTO cache_entries (key, namespace, value, compressed, size_bytes, cost_weight, created_at, expires_at)
		 VALUES (?, ?, ?, 0, 1, 0, ?, ?)`,
		"stale", "chat", []byte("x"), time.Now().Add(-2*time.Hour).Unix(), time.Now().Add(-time.Hour).Unix())
	require.NoError(t, err)

	_, err = c.Get(ctx, "chat", "stale")
	assert.True(t, IsCacheMiss(err))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "expired row should be deleted on read")
}

func TestL3Cache_PurgeExpired(t *testing.T) {
	c := newTestL3(t)
	ctx := context.Background()

	_, err := c.db.Exec(
		`INSERT INTO cache_entries (key, namespace, value, compressed, size_bytes, cost_weight, created_at, expires_at)
		 VALUES (?, ?, ?, 0, 1, 0, ?, ?)`,
		"stale", "chat", []byte("x"), time.Now().Add(-2*time.Hour).Unix(), time.Now().Add(-time.Hour).Unix())
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, testEntry("fresh", "chat", 0, time.Now(), time.Hour), time.Hour))

	n, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Get(ctx, "chat", "fresh")
	assert.NoError(t, err)
}

// LIKE 通配符必须按字面量处理
func TestL3Cache_DeletePrefixEscapesWildcards(t *testing.T) {
	c := newTestL3(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.Set(ctx, testEntry("job_1", "tasks", 0, now, time.Hour), time.Hour))
	require.NoError(t, c.Set(ctx, testEntry("jobX1", "tasks", 0, now, time.Hour), time.Hour))

	n, err := c.DeletePrefix(ctx, "tasks", "job_")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "underscore must not match as wildcard")

	_, err = c.Get(ctx, "tasks", "jobX1")
	assert.NoError(t, err)
}

func TestL3Cache_Delete(t *testing.T) {
	c := newTestL3(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, testEntry("k1", "chat", 0, time.Now(), time.Hour), time.Hour))
	require.NoError(t, c.Delete(ctx, "chat", "k1"))

	_, err := c.Get(ctx, "chat", "k1")
	assert.True(t, IsCacheMiss(err))
}
