// =============================================================================
// 📦 CostFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("costflow.yaml").
//	    WithEnvPrefix("COSTFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader 配置加载器
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "COSTFLOW",
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	// 1. YAML 文件
	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// 2. 环境变量覆盖
	l.applyEnv(cfg)

	// 3. 校验
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 应用环境变量覆盖（只覆盖部署常用项）
func (l *Loader) applyEnv(cfg *Config) {
	if v := l.env("REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := l.env("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := l.env("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Redis.DB = n
		}
	}
	if v := l.env("SQLITE_PATH"); v != "" {
		cfg.Cache.SQLitePath = v
	}
	if v := l.env("L1_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.L1MaxEntries = n
		}
	}
	if v := l.env("DAILY_LIMIT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Ledger.DailyLimitUsd = f
		}
	}
	if v := l.env("MONTHLY_LIMIT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Ledger.MonthlyLimitUsd = f
		}
	}
	if v := l.env("BATCH_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.MaxWait = d
		}
	}
	if v := l.env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (l *Loader) env(key string) string {
	return os.Getenv(l.envPrefix + "_" + key)
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Cache.L1MaxEntries <= 0 {
		return fmt.Errorf("cache.l1_max_entries must be positive, got %d", c.Cache.L1MaxEntries)
	}
	if c.Cache.CompressionThreshold < 0 {
		return fmt.Errorf("cache.compression_threshold must be non-negative")
	}
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be positive, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MaxWait <= 0 {
		return fmt.Errorf("batch.max_wait must be positive")
	}
	if c.Router.ComplexityThreshold < 0 || c.Router.ComplexityThreshold > 100 {
		return fmt.Errorf("router.complexity_threshold must be in [0,100], got %d", c.Router.ComplexityThreshold)
	}
	if c.Ledger.DailyLimitUsd < 0 || c.Ledger.MonthlyLimitUsd < 0 {
		return fmt.Errorf("ledger limits must be non-negative")
	}
	if c.Ledger.AlertThresholdPercent < 0 || c.Ledger.AlertThresholdPercent > 100 {
		return fmt.Errorf("ledger.alert_threshold_percent must be in [0,100]")
	}
	if c.Pool.QueueSize <= 0 {
		return fmt.Errorf("pool.queue_size must be positive, got %d", c.Pool.QueueSize)
	}
	return nil
}

// TTLFor 返回某命名空间在指定层的 TTL（命名空间覆盖优先）
func (c *CacheConfig) TTLFor(namespace string, tier int) time.Duration {
	ns, ok := c.Namespaces[namespace]
	switch tier {
	case 1:
		if ok && ns.L1TTL > 0 {
			return ns.L1TTL
		}
		return c.L1TTL
	case 2:
		if ok && ns.L2TTL > 0 {
			return ns.L2TTL
		}
		return c.L2TTL
	default:
		if ok && ns.L3TTL > 0 {
			return ns.L3TTL
		}
		return c.L3TTL
	}
}
