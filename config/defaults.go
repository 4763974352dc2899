// =============================================================================
// 📦 CostFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"runtime"
	"time"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Cache:  DefaultCacheConfig(),
		Batch:  DefaultBatchConfig(),
		Router: DefaultRouterConfig(),
		Ledger: DefaultLedgerConfig(),
		Pool:   DefaultPoolConfig(),
		Log:    DefaultLogConfig(),
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Redis:                DefaultRedisConfig(),
		SQLitePath:           "costflow_cache.db",
		L1MaxEntries:         10000,
		L1TTL:                5 * time.Minute,
		L2TTL:                1 * time.Hour,
		L3TTL:                24 * time.Hour,
		CompressionThreshold: 512,
		HighCostThreshold:    1.0,
		ExtendedTTL:          30 * time.Minute,
		PurgeInterval:        10 * time.Minute,
		Namespaces:           map[string]NamespaceConfig{},
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		InvalidationChannel: "costflow:invalidate",
	}
}

// DefaultBatchConfig 返回默认批处理配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxSize:      16,
		MaxWait:      25 * time.Millisecond,
		FlushTimeout: 30 * time.Second,
		Namespaces:   []string{"embeddings"},
	}
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ComplexityThreshold: 60,
		DefaultTimeout:      60 * time.Second,
		Candidates:          []CandidateConfig{},
	}
}

// DefaultLedgerConfig 返回默认台账配置
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		DailyLimitUsd:         50.0,
		MonthlyLimitUsd:       1000.0,
		AlertThresholdPercent: 80.0,
	}
}

// DefaultPoolConfig 返回默认工作池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:            runtime.NumCPU(),
		QueueSize:          256,
		DefaultTaskTimeout: 10 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Development: false,
	}
}
