package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/costflow/config"
	"github.com/BaSui01/costflow/ledger"
	"github.com/BaSui01/costflow/types"
)

// =============================================================================
// 🧭 成本感知路由器
// =============================================================================
// 选择策略：复杂度低于阈值时选最低成本的可用模型；高于阈值时
// 选最高质量模型，但受单请求成本上限约束。估算成本超出剩余日
// 预算时沿候选序列找更便宜的回退；都不行就快速失败返回预算
// 超限——绝不静默降级质量。

// Candidate 候选供应商/模型
type Candidate struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Quality   int      `json:"quality"`
	CostPer1K float64  `json:"cost_per_1k"`
	TaskTypes []string `json:"task_types,omitempty"`
	Enabled   bool     `json:"enabled"`
}

// Decision 路由决策。计算完成后不可变，派发后绝不修改。
type Decision struct {
	ID               string      `json:"id"`
	ComplexityScore  int         `json:"complexity_score"`
	Provider         string      `json:"provider"`
	Model            string      `json:"model"`
	EstimatedCostUsd float64     `json:"estimated_cost_usd"`
	FallbackChain    []Candidate `json:"fallback_chain"`
	UserKey          string      `json:"user_key"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Router 成本感知路由器
type Router struct {
	mu         sync.RWMutex
	candidates []Candidate
	threshold  int
	timeout    time.Duration

	ledger    *ledger.Ledger
	providers map[string]types.Provider
	parser    types.IntentParser // 可选
	logger    *zap.Logger

	// 统计
	decisions atomic.Int64
	fallbacks atomic.Int64
	failures  atomic.Int64
}

// Stats 路由统计
type Stats struct {
	Decisions int64 `json:"decisions"`
	Fallbacks int64 `json:"fallbacks"`
	Failures  int64 `json:"failures"`
}

// New 创建路由器
func New(cfg config.RouterConfig, lg *ledger.Ledger, providers map[string]types.Provider, logger *zap.Logger) *Router {
	candidates := make([]Candidate, 0, len(cfg.Candidates))
	for _, c := range cfg.Candidates {
		candidates = append(candidates, Candidate{
			Provider:  c.Provider,
			Model:     c.Model,
			Quality:   c.Quality,
			CostPer1K: c.CostPer1K,
			TaskTypes: c.TaskTypes,
			Enabled:   c.Enabled,
		})
	}

	return &Router{
		candidates: candidates,
		threshold:  cfg.ComplexityThreshold,
		timeout:    cfg.DefaultTimeout,
		ledger:     lg,
		providers:  providers,
		logger:     logger.With(zap.String("component", "router")),
	}
}

// WithIntentParser 注入意图解析器（可选，细化复杂度评分）
func (r *Router) WithIntentParser(p types.IntentParser) *Router {
	r.parser = p
	return r
}

// UpdateCandidates 热更新候选列表
func (r *Router) UpdateCandidates(candidates []Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = candidates
	r.logger.Info("candidates updated", zap.Int("count", len(candidates)))
}

// Route 为请求选择供应商/模型并产出不可变决策
func (r *Router) Route(ctx context.Context, req *types.Request, budget types.BudgetContext) (*Decision, error) {
	score := r.scoreRequest(ctx, req)

	eligible := r.eligibleCandidates(req.TaskType)
	if len(eligible) == 0 {
		return nil, types.NewError(types.ErrNoProvider, "no capable candidate for task type").
			WithNamespace(req.Namespace)
	}

	sortCandidates(eligible, score >= r.threshold)

	// 单请求硬上限过滤
	if budget.MaxCostPerRequestUsd > 0 {
		within := eligible[:0]
		for _, c := range eligible {
			if r.estimate(c, req) <= budget.MaxCostPerRequestUsd {
				within = append(within, c)
			}
		}
		eligible = within
		if len(eligible) == 0 {
			return nil, types.NewError(types.ErrBudgetExceeded, "no candidate within per-request cost ceiling").
				WithNamespace(req.Namespace)
		}
	}

	// 剩余日预算：估算超出时沿序列找更便宜的回退，找不到则快速失败
	remaining := r.ledger.RemainingDaily(budget.UserKey)
	selectedIdx := -1
	for i, c := range eligible {
		if r.estimate(c, req) <= remaining {
			selectedIdx = i
			break
		}
	}
	if selectedIdx < 0 {
		return nil, types.NewError(types.ErrBudgetExceeded,
			fmt.Sprintf("cheapest viable option exceeds remaining daily budget (%.4f usd)", remaining)).
			WithNamespace(req.Namespace)
	}

	selected := eligible[selectedIdx]
	chain := make([]Candidate, 0, len(eligible)-selectedIdx-1)
	chain = append(chain, eligible[selectedIdx+1:]...)

	r.decisions.Add(1)
	decision := &Decision{
		ID:               uuid.NewString(),
		ComplexityScore:  score,
		Provider:         selected.Provider,
		Model:            selected.Model,
		EstimatedCostUsd: r.estimate(selected, req),
		FallbackChain:    chain,
		UserKey:          budget.UserKey,
		CreatedAt:        time.Now(),
	}

	r.logger.Debug("route decision",
		zap.String("decision_id", decision.ID),
		zap.Int("complexity", score),
		zap.String("provider", selected.Provider),
		zap.String("model", selected.Model),
		zap.Float64("estimated_cost", decision.EstimatedCostUsd))

	return decision, nil
}

// Dispatch 按决策执行上游调用，失败时按回退链依次尝试。
// 回退不重新评分（复用原始复杂度），记账的是首个成功供应商的
// 实际成本而非估算值。链耗尽时返回带完整尝试链的终态错误。
func (r *Router) Dispatch(ctx context.Context, decision *Decision, req *types.Request) (*types.Result, error) {
	timeout := r.timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	attempts := make([]Candidate, 0, 1+len(decision.FallbackChain))
	attempts = append(attempts, Candidate{Provider: decision.Provider, Model: decision.Model})
	attempts = append(attempts, decision.FallbackChain...)

	var lastErr error
	tried := make([]string, 0, len(attempts))

	for i, cand := range attempts {
		tried = append(tried, cand.Provider+"/"+cand.Model)

		provider, ok := r.providers[cand.Provider]
		if !ok {
			lastErr = fmt.Errorf("provider not registered: %s", cand.Provider)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := provider.Invoke(callCtx, &types.InvokeRequest{
			Model:    cand.Model,
			TaskType: req.TaskType,
			Payload:  req.Payload,
		})
		cancel()

		if err != nil {
			r.failures.Add(1)
			if i > 0 {
				r.fallbacks.Add(1)
			}
			lastErr = err
			r.logger.Warn("upstream call failed, walking fallback chain",
				zap.String("decision_id", decision.ID),
				zap.String("provider", cand.Provider),
				zap.String("model", cand.Model),
				zap.Error(err))
			continue
		}

		if i > 0 {
			r.fallbacks.Add(1)
		}

		if err := r.RecordOutcome(decision, resp.CostUsd, true); err != nil {
			r.logger.Debug("outcome already recorded",
				zap.String("decision_id", decision.ID))
		}

		return &types.Result{
			Payload:    resp.Payload,
			Provider:   cand.Provider,
			Model:      cand.Model,
			CostUsd:    resp.CostUsd,
			DecisionID: decision.ID,
		}, nil
	}

	return nil, types.NewError(types.ErrUpstreamFailure,
		fmt.Sprintf("fallback chain exhausted, attempted: %v", tried)).
		WithDecisionID(decision.ID).
		WithNamespace(req.Namespace).
		WithCause(lastErr)
}

// RecordOutcome 是台账的唯一写入口。按决策 ID 幂等。
func (r *Router) RecordOutcome(decision *Decision, actualCostUsd float64, success bool) error {
	if !success || actualCostUsd <= 0 {
		return nil
	}
	return r.ledger.Record(decision.ID, decision.UserKey, actualCostUsd)
}

// GetStats 返回统计快照
func (r *Router) GetStats() Stats {
	return Stats{
		Decisions: r.decisions.Load(),
		Fallbacks: r.fallbacks.Load(),
		Failures:  r.failures.Load(),
	}
}

// scoreRequest 计算复杂度，意图解析失败不影响评分确定性
func (r *Router) scoreRequest(ctx context.Context, req *types.Request) int {
	var intent *types.StructuredIntent
	if r.parser != nil && req.TaskType == "intent" {
		if parsed, err := r.parser.Parse(ctx, string(req.Payload)); err == nil {
			intent = parsed
		}
	}
	return ComplexityScore(req.TaskType, len(req.Payload), intent)
}

// eligibleCandidates 过滤可用且能处理该任务类型的候选
func (r *Router) eligibleCandidates(taskType string) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.candidates))
	for _, c := range r.candidates {
		if !c.Enabled {
			continue
		}
		if len(c.TaskTypes) > 0 && !containsString(c.TaskTypes, taskType) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// estimate 确定性成本估算：按千字符负载计价，含响应余量
func (r *Router) estimate(c Candidate, req *types.Request) float64 {
	units := float64(len(req.Payload))/1000.0 + 0.5
	return c.CostPer1K * units
}

// sortCandidates 低复杂度按成本升序（质量降序决胜），
// 高复杂度按质量降序（成本升序决胜）
func sortCandidates(cs []Candidate, preferQuality bool) {
	sort.SliceStable(cs, func(i, j int) bool {
		if preferQuality {
			if cs[i].Quality != cs[j].Quality {
				return cs[i].Quality > cs[j].Quality
			}
			return cs[i].CostPer1K < cs[j].CostPer1K
		}
		if cs[i].CostPer1K != cs[j].CostPer1K {
			return cs[i].CostPer1K < cs[j].CostPer1K
		}
		return cs[i].Quality > cs[j].Quality
	})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
