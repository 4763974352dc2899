package types

import "context"

// Request 表示进入经济核心的一个工作单元（LLM 调用、嵌入批次、意图解析等）。
// Payload 为规范化后的请求负载，键派生和去重均基于它。
type Request struct {
	// Namespace 逻辑分区（如 "intents"、"embeddings"、"chat"）
	Namespace string `json:"namespace"`

	// TaskType 声明的任务类型，参与复杂度评分
	TaskType string `json:"task_type"`

	// Payload 规范化请求负载（不含时间戳等易变字段）
	Payload []byte `json:"payload"`

	// DedupKey 可选的显式去重/缓存键；为空时按命名空间+规范化负载派生
	DedupKey string `json:"dedup_key,omitempty"`

	// UserKey 预算归属的用户标识
	UserKey string `json:"user_key"`

	// TimeoutMs 上游调用超时（毫秒），0 表示使用默认值
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// BudgetContext 预算上下文，由调用方提供
type BudgetContext struct {
	// UserKey 预算归属用户
	UserKey string `json:"user_key"`

	// MaxCostPerRequestUsd 单次请求硬成本上限，0 表示不限制
	MaxCostPerRequestUsd float64 `json:"max_cost_per_request_usd"`
}

// Result 表示一次执行的结果
type Result struct {
	// Payload 响应负载
	Payload []byte `json:"payload"`

	// Provider 实际服务的上游供应商（缓存命中时为空）
	Provider string `json:"provider,omitempty"`

	// Model 实际使用的模型（缓存命中时为空）
	Model string `json:"model,omitempty"`

	// CostUsd 本次实际产生的上游成本
	CostUsd float64 `json:"cost_usd"`

	// FromCache 是否命中缓存
	FromCache bool `json:"from_cache"`

	// HitTier 命中的缓存层（"l1"/"l2"/"l3"，未命中为空）
	HitTier string `json:"hit_tier,omitempty"`

	// DecisionID 路由决策 ID（缓存命中时为空）
	DecisionID string `json:"decision_id,omitempty"`
}

// InvokeRequest 上游调用请求（供应商边界契约）
type InvokeRequest struct {
	Model    string `json:"model"`
	TaskType string `json:"task_type"`
	Payload  []byte `json:"payload"`
}

// InvokeResponse 上游调用响应
type InvokeResponse struct {
	Payload []byte  `json:"payload"`
	CostUsd float64 `json:"cost_usd"`
}

// Provider 上游 AI 供应商的统一契约。
// 协议转换由供应商实现负责，经济核心只消费这一接口。
type Provider interface {
	// Name 返回供应商标识
	Name() string

	// Invoke 执行一次上游调用，返回负载与实际成本
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}

// StructuredIntent 意图解析器的输出，路由器可用其细化复杂度评分。
type StructuredIntent struct {
	Category   string `json:"category"`
	EntityNum  int    `json:"entity_num"`
	MultiStep  bool   `json:"multi_step"`
	Confidence float64 `json:"confidence"`
}

// IntentParser 自然语言意图解析器的边界契约（外部协作者）。
type IntentParser interface {
	Parse(ctx context.Context, text string) (*StructuredIntent, error)
}
