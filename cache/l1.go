package cache

import (
	"strings"
	"sync"
	"time"
)

// ============================================================
// L1 内存缓存：双向链表 LRU + 成本感知淘汰（O(1) 基本操作）
// ============================================================
// 与普通 LRU 的区别：costWeight 达到 highCostThreshold 的条目
// 在 extendedTTL 保留窗口内不参与容量淘汰——重算这类条目的上游
// 开销远高于内存占用。保留窗口只影响淘汰顺序，不延长新鲜度：
// 名义 TTL 到期后 Get 一律未命中，由下层缓存回填。

// L1Cache 进程内有界 LRU 缓存
type L1Cache struct {
	mu                sync.Mutex
	capacity          int
	highCostThreshold float64
	extendedTTL       time.Duration
	items             map[string]*l1Node
	head              *l1Node // 最近使用
	tail              *l1Node // 最久未使用

	now func() time.Time // 可注入时钟，便于测试
}

type l1Node struct {
	key   string
	entry *Entry
	prev  *l1Node
	next  *l1Node
}

// NewL1Cache 创建 L1 缓存
func NewL1Cache(capacity int, highCostThreshold float64, extendedTTL time.Duration) *L1Cache {
	return &L1Cache{
		capacity:          capacity,
		highCostThreshold: highCostThreshold,
		extendedTTL:       extendedTTL,
		items:             make(map[string]*l1Node),
		now:               time.Now,
	}
}

// Get 获取条目，过期或不存在返回 false
func (c *L1Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if c.expired(node.entry, c.now()) {
		c.removeNode(node)
		delete(c.items, key)
		return nil, false
	}

	c.moveToHead(node)
	return node.entry, true
}

// Set 写入条目，容量满时按成本感知策略淘汰
func (c *L1Cache) Set(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		node.entry = entry
		c.moveToHead(node)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictOne()
	}

	node := &l1Node{key: key, entry: entry}
	c.items[key] = node
	c.addToHead(node)
}

// Delete 删除条目
func (c *L1Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		c.removeNode(node)
		delete(c.items, key)
	}
}

// DeletePrefix 按键前缀批量删除，返回删除数
func (c *L1Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, node := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeNode(node)
			delete(c.items, key)
			n++
		}
	}
	return n
}

// DeleteNamespace 删除某命名空间的全部条目，返回删除数
func (c *L1Cache) DeleteNamespace(namespace string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, node := range c.items {
		if node.entry.Namespace == namespace {
			c.removeNode(node)
			delete(c.items, key)
			n++
		}
	}
	return n
}

// Clear 清空缓存
func (c *L1Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*l1Node)
	c.head = nil
	c.tail = nil
}

// Len 返回当前条目数
func (c *L1Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// expired 过期判定：只看名义 TTL，保留窗口不延长新鲜度
func (c *L1Cache) expired(e *Entry, now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return now.After(e.ExpiresAt)
}

// protectedWindow 条目是否在高成本保留窗口内（仅用于淘汰判定）
func (c *L1Cache) protectedWindow(e *Entry) bool {
	if c.highCostThreshold <= 0 || e.CostWeight < c.highCostThreshold {
		return false
	}
	return c.now().Before(e.CreatedAt.Add(c.extendedTTL))
}

// evictOne 从尾部开始淘汰第一个不受保护的条目；
// 全部受保护时兜底淘汰真尾部，保证容量上界。
func (c *L1Cache) evictOne() {
	for node := c.tail; node != nil; node = node.prev {
		if !c.protectedWindow(node.entry) {
			c.removeNode(node)
			delete(c.items, node.key)
			return
		}
	}
	if c.tail != nil {
		delete(c.items, c.tail.key)
		c.removeNode(c.tail)
	}
}

// addToHead 添加节点到头部 O(1)
func (c *L1Cache) addToHead(node *l1Node) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

// removeNode 从链表中移除节点 O(1)
func (c *L1Cache) removeNode(node *l1Node) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

// moveToHead 移动节点到头部 O(1)
func (c *L1Cache) moveToHead(node *l1Node) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}
