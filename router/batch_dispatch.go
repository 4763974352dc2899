package router

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/costflow/batch"
	"github.com/BaSui01/costflow/types"
)

// DispatchBatch 把一个批处理窗口作为单次上游调用派发。
// 上游响应须为与请求条目等长的 JSON 数组（按位置对齐）；
// 长度不一致时整批失败，由批处理器向所有订阅者广播同一错误。
// 实际总成本按条目均摊，并以 决策ID#条目ID 为幂等键逐条目记账——
// 台账写入仍然只发生在路由器内。
func (r *Router) DispatchBatch(ctx context.Context, decision *Decision, namespace string, items []batch.Item) ([]batch.ItemResult, error) {
	payloads := make([]json.RawMessage, len(items))
	for i, item := range items {
		payloads[i] = item.Payload
	}
	combined, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("combine batch payloads: %w", err)
	}

	attempts := make([]Candidate, 0, 1+len(decision.FallbackChain))
	attempts = append(attempts, Candidate{Provider: decision.Provider, Model: decision.Model})
	attempts = append(attempts, decision.FallbackChain...)

	var lastErr error
	for i, cand := range attempts {
		provider, ok := r.providers[cand.Provider]
		if !ok {
			lastErr = fmt.Errorf("provider not registered: %s", cand.Provider)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		resp, err := provider.Invoke(callCtx, &types.InvokeRequest{
			Model:    cand.Model,
			TaskType: namespace,
			Payload:  combined,
		})
		cancel()

		if err != nil {
			r.failures.Add(1)
			if i > 0 {
				r.fallbacks.Add(1)
			}
			lastErr = err
			r.logger.Warn("batch upstream call failed, walking fallback chain",
				zap.String("decision_id", decision.ID),
				zap.String("provider", cand.Provider),
				zap.Error(err))
			continue
		}

		var outputs []json.RawMessage
		if err := json.Unmarshal(resp.Payload, &outputs); err != nil {
			return nil, fmt.Errorf("batch response is not an array: %w", err)
		}
		if len(outputs) != len(items) {
			return nil, batch.ErrLengthMismatch
		}

		share := resp.CostUsd / float64(len(items))
		results := make([]batch.ItemResult, len(items))
		for j, item := range items {
			if err := r.ledger.Record(decision.ID+"#"+item.ID, item.UserKey, share); err != nil {
				r.logger.Debug("batch item already recorded",
					zap.String("decision_id", decision.ID),
					zap.String("item_id", item.ID))
			}
			results[j] = batch.ItemResult{
				ID:      item.ID,
				Payload: outputs[j],
				CostUsd: share,
			}
		}
		return results, nil
	}

	return nil, types.NewError(types.ErrUpstreamFailure, "batch fallback chain exhausted").
		WithDecisionID(decision.ID).
		WithNamespace(namespace).
		WithCause(lastErr)
}
