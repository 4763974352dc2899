// =============================================================================
// 📦 CostFlow 配置结构
// =============================================================================
// 请求经济核心的完整配置：缓存分层、批处理、路由、预算、工作池
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import "time"

// Config 是 CostFlow 的完整配置结构
type Config struct {
	// Cache 分层缓存配置
	Cache CacheConfig `yaml:"cache"`

	// Batch 批处理配置
	Batch BatchConfig `yaml:"batch"`

	// Router 成本感知路由配置
	Router RouterConfig `yaml:"router"`

	// Ledger 成本台账（预算）配置
	Ledger LedgerConfig `yaml:"ledger"`

	// Pool 工作池配置
	Pool PoolConfig `yaml:"pool"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`
}

// CacheConfig 分层缓存配置
type CacheConfig struct {
	// Redis L2 分布式缓存配置
	Redis RedisConfig `yaml:"redis"`

	// SQLitePath L3 磁盘缓存数据库路径
	SQLitePath string `yaml:"sqlite_path"`

	// L1MaxEntries L1 内存缓存最大条目数
	L1MaxEntries int `yaml:"l1_max_entries"`

	// L1TTL L1 默认过期时间
	L1TTL time.Duration `yaml:"l1_ttl"`

	// L2TTL L2 默认过期时间
	L2TTL time.Duration `yaml:"l2_ttl"`

	// L3TTL L3 默认过期时间
	L3TTL time.Duration `yaml:"l3_ttl"`

	// CompressionThreshold L3 压缩阈值（字节），超过则 gzip 压缩
	CompressionThreshold int `yaml:"compression_threshold"`

	// HighCostThreshold 高成本条目阈值（costWeight ≥ 该值时延长保留）
	HighCostThreshold float64 `yaml:"high_cost_threshold"`

	// ExtendedTTL 高成本条目在 L1 的延长保留时间
	ExtendedTTL time.Duration `yaml:"extended_ttl"`

	// PurgeInterval L3 过期行清理间隔
	PurgeInterval time.Duration `yaml:"purge_interval"`

	// Namespaces 按命名空间覆盖 TTL 策略
	Namespaces map[string]NamespaceConfig `yaml:"namespaces"`
}

// NamespaceConfig 命名空间级 TTL 策略
type NamespaceConfig struct {
	L1TTL time.Duration `yaml:"l1_ttl"`
	L2TTL time.Duration `yaml:"l2_ttl"`
	L3TTL time.Duration `yaml:"l3_ttl"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr"`
	// 密码
	Password string `yaml:"password"`
	// 数据库编号
	DB int `yaml:"db"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries"`
	// 连接池大小
	PoolSize int `yaml:"pool_size"`
	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns"`
	// 失效事件频道
	InvalidationChannel string `yaml:"invalidation_channel"`
}

// BatchConfig 批处理窗口配置
type BatchConfig struct {
	// MaxSize 窗口最大条目数，达到即刷新
	MaxSize int `yaml:"max_size"`
	// MaxWait 窗口最长等待时间，到期即刷新
	MaxWait time.Duration `yaml:"max_wait"`
	// FlushTimeout 单次批量上游调用超时
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	// Namespaces 走批处理路径的命名空间
	Namespaces []string `yaml:"namespaces"`
}

// RouterConfig 成本感知路由配置
type RouterConfig struct {
	// ComplexityThreshold 复杂度阈值（0-100）：低于走最低成本，高于走最高质量
	ComplexityThreshold int `yaml:"complexity_threshold"`
	// DefaultTimeout 上游调用默认超时
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// Candidates 候选供应商/模型
	Candidates []CandidateConfig `yaml:"candidates"`
}

// CandidateConfig 候选模型配置
type CandidateConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// Quality 质量评分（越高越好）
	Quality int `yaml:"quality"`
	// CostPer1K 每千字符负载的估算成本（USD）
	CostPer1K float64 `yaml:"cost_per_1k"`
	// TaskTypes 能处理的任务类型，空表示全部
	TaskTypes []string `yaml:"task_types"`
	Enabled   bool     `yaml:"enabled"`
}

// LedgerConfig 成本台账配置
type LedgerConfig struct {
	// DailyLimitUsd 默认日预算，0 表示不限额
	DailyLimitUsd float64 `yaml:"daily_limit_usd"`
	// MonthlyLimitUsd 默认月预算，0 表示不限额
	MonthlyLimitUsd float64 `yaml:"monthly_limit_usd"`
	// AlertThresholdPercent 告警阈值（0-100）
	AlertThresholdPercent float64 `yaml:"alert_threshold_percent"`
}

// PoolConfig 工作池配置
type PoolConfig struct {
	// Workers 工作协程数，0 表示使用可用 CPU 数
	Workers int `yaml:"workers"`
	// QueueSize 任务队列上限，满则拒绝（背压）
	QueueSize int `yaml:"queue_size"`
	// DefaultTaskTimeout 任务默认超时
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level 日志级别: debug/info/warn/error
	Level string `yaml:"level"`
	// Development 是否开发模式（彩色、caller）
	Development bool `yaml:"development"`
}
