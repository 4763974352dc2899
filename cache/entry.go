package cache

import (
	"errors"
	"time"
)

var (
	// ErrCacheMiss 缓存未命中
	ErrCacheMiss = errors.New("cache miss")

	// ErrTierUnavailable 某一层不可用（管理器降级为未命中，不上抛）
	ErrTierUnavailable = errors.New("cache tier unavailable")
)

// Tier 缓存层级
type Tier int8

const (
	TierNone Tier = iota
	TierL1
	TierL2
	TierL3
)

// String 返回层级名
func (t Tier) String() string {
	switch t {
	case TierL1:
		return "l1"
	case TierL2:
		return "l2"
	case TierL3:
		return "l3"
	default:
		return "none"
	}
}

// Entry 缓存条目
type Entry struct {
	Key        string `json:"key"`
	Namespace  string `json:"namespace"`
	Value      []byte `json:"value"`
	SizeBytes  int    `json:"size_bytes"`
	Compressed bool   `json:"compressed"`

	// CostWeight 估算的上游重算成本（USD），驱动淘汰优先级
	CostWeight float64 `json:"cost_weight"`

	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TierOrigin Tier      `json:"tier_origin"`
}

// Expired 判断条目在给定时刻是否过期
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
