package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(key, ns string, cost float64, createdAt time.Time, ttl time.Duration) *Entry {
	return &Entry{
		Key:        key,
		Namespace:  ns,
		Value:      []byte("v-" + key),
		CostWeight: cost,
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(ttl),
		TierOrigin: TierL1,
	}
}

func TestL1Cache_SetGet(t *testing.T) {
	c := NewL1Cache(10, 1.0, 30*time.Minute)
	now := time.Now()

	c.Set("k1", testEntry("k1", "chat", 0, now, time.Minute))

	entry, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v-k1"), entry.Value)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestL1Cache_Expiry(t *testing.T) {
	c := NewL1Cache(10, 1.0, 30*time.Minute)

	current := time.Now()
	c.now = func() time.Time { return current }

	c.Set("k1", testEntry("k1", "chat", 0, current, time.Minute))

	_, ok := c.Get("k1")
	require.True(t, ok)

	current = current.Add(2 * time.Minute)
	_, ok = c.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestL1Cache_LRUEviction(t *testing.T) {
	c := NewL1Cache(2, 1.0, 30*time.Minute)
	now := time.Now()

	c.Set("a", testEntry("a", "chat", 0, now, time.Hour))
	c.Set("b", testEntry("b", "chat", 0, now, time.Hour))

	// 访问 a 使 b 成为最久未使用
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", testEntry("c", "chat", 0, now, time.Hour))

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

// 高成本条目在保留窗口内不参与淘汰，即使处于 LRU 尾部
func TestL1Cache_HighCostProtectedFromEviction(t *testing.T) {
	c := NewL1Cache(2, 1.0, 30*time.Minute)
	now := time.Now()

	c.Set("expensive", testEntry("expensive", "chat", 5.0, now, time.Hour))
	c.Set("cheap", testEntry("cheap", "chat", 0.001, now, time.Hour))

	// expensive 在尾部，但受保护；淘汰应落到 cheap 头上
	c.Set("new", testEntry("new", "chat", 0, now, time.Hour))

	_, ok := c.Get("expensive")
	assert.True(t, ok, "high-cost entry must survive eviction inside its retention window")
	_, ok = c.Get("cheap")
	assert.False(t, ok)
}

// 全部受保护时兜底淘汰真尾部，容量上界不可突破
func TestL1Cache_AllProtectedFallsBackToTail(t *testing.T) {
	c := NewL1Cache(2, 1.0, 30*time.Minute)
	now := time.Now()

	c.Set("a", testEntry("a", "chat", 5.0, now, time.Hour))
	c.Set("b", testEntry("b", "chat", 5.0, now, time.Hour))
	c.Set("c", testEntry("c", "chat", 5.0, now, time.Hour))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "true tail evicted when every entry is protected")
}

// 保留窗口只保护淘汰顺序，不延长新鲜度：名义 TTL 过后一律未命中
func TestL1Cache_RetentionDoesNotExtendFreshness(t *testing.T) {
	c := NewL1Cache(10, 1.0, 30*time.Minute)

	start := time.Now()
	current := start
	c.now = func() time.Time { return current }

	c.Set("k1", testEntry("k1", "chat", 5.0, start, time.Minute))

	// 名义 TTL 未到：命中
	current = start.Add(30 * time.Second)
	_, ok := c.Get("k1")
	require.True(t, ok)

	// 名义 TTL 已过：即使仍在高成本保留窗口内也未命中
	current = start.Add(5 * time.Minute)
	_, ok = c.Get("k1")
	assert.False(t, ok, "high-cost retention must not extend freshness past nominal TTL")
	assert.Equal(t, 0, c.Len())
}

func TestL1Cache_DeletePrefix(t *testing.T) {
	c := NewL1Cache(10, 1.0, 30*time.Minute)
	now := time.Now()

	c.Set("ab1", testEntry("ab1", "chat", 0, now, time.Hour))
	c.Set("ab2", testEntry("ab2", "chat", 0, now, time.Hour))
	c.Set("cd1", testEntry("cd1", "chat", 0, now, time.Hour))

	n := c.DeletePrefix("ab")
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())
}

func TestL1Cache_DeleteNamespace(t *testing.T) {
	c := NewL1Cache(10, 1.0, 30*time.Minute)
	now := time.Now()

	c.Set("k1", testEntry("k1", "chat", 0, now, time.Hour))
	c.Set("k2", testEntry("k2", "intents", 0, now, time.Hour))
	c.Set("k3", testEntry("k3", "chat", 0, now, time.Hour))

	n := c.DeleteNamespace("chat")
	assert.Equal(t, 2, n)

	_, ok := c.Get("k2")
	assert.True(t, ok)
}
