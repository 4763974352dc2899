package costflow

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/costflow/config"
	"github.com/BaSui01/costflow/types"
)

// fakeProvider 可编程上游桩：可注入阻塞门、失败与响应函数
type fakeProvider struct {
	name    string
	cost    float64
	fail    bool
	gate    chan struct{}
	respond func(req *types.InvokeRequest) []byte
	invokes atomic.Int64
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Invoke(_ context.Context, req *types.InvokeRequest) (*types.InvokeResponse, error) {
	p.invokes.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	if p.fail {
		return nil, errors.New("provider unavailable")
	}
	payload := []byte(`{"answer":"hi"}`)
	if p.respond != nil {
		payload = p.respond(req)
	}
	return &types.InvokeResponse{Payload: payload, CostUsd: p.cost}, nil
}

func testEngineConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Cache.Redis.Addr = "" // 单实例测试不启用 L2
	cfg.Cache.SQLitePath = ""
	cfg.Batch.MaxSize = 2
	cfg.Batch.MaxWait = 200 * time.Millisecond
	cfg.Router.Candidates = []config.CandidateConfig{
		{Provider: "budget-ai", Model: "mini", Quality: 50, CostPer1K: 0.001, Enabled: true},
		{Provider: "premium-ai", Model: "ultra", Quality: 95, CostPer1K: 0.02, Enabled: true},
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, providers ...types.Provider) *Engine {
	t.Helper()
	opts := []Option{WithLogger(zap.NewNop())}
	for _, p := range providers {
		opts = append(opts, WithProvider(p))
	}
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_ExecuteThenCacheHit(t *testing.T) {
	provider := &fakeProvider{name: "budget-ai", cost: 0.01}
	e := newTestEngine(t, testEngineConfig(), provider)
	ctx := context.Background()

	req := &types.Request{Namespace: "chat", TaskType: "chat", Payload: []byte(`{"text":"hello"}`), UserKey: "alice"}

	res, err := e.Execute(ctx, req, types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, "budget-ai", res.Provider)
	assert.Equal(t, 0.01, res.CostUsd)
	assert.JSONEq(t, `{"answer":"hi"}`, string(res.Payload))

	// 第二次相同请求命中 L1，零成本、不触发上游
	res, err = e.Execute(ctx, req, types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "l1", res.HitTier)
	assert.Zero(t, res.CostUsd)
	assert.EqualValues(t, 1, provider.invokes.Load())

	assert.InDelta(t, 0.01, e.BudgetSnapshot("alice").DailySpentUsd, 1e-9)
	assert.EqualValues(t, 1, e.GetStats().Cache.L1Hits)
}

// 字段顺序不同的等价 JSON 负载命中同一缓存条目
func TestEngine_CanonicalKeyAcrossFieldOrder(t *testing.T) {
	provider := &fakeProvider{name: "budget-ai", cost: 0.01}
	e := newTestEngine(t, testEngineConfig(), provider)
	ctx := context.Background()

	_, err := e.Execute(ctx,
		&types.Request{Namespace: "chat", TaskType: "chat", Payload: []byte(`{"a":1,"b":2}`), UserKey: "alice"},
		types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)

	res, err := e.Execute(ctx,
		&types.Request{Namespace: "chat", TaskType: "chat", Payload: []byte(`{"b":2,"a":1}`), UserKey: "alice"},
		types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)

	assert.True(t, res.FromCache)
	assert.EqualValues(t, 1, provider.invokes.Load())
}

// 相同键的并发请求合并为一次上游调用
func TestEngine_DedupCoalescesConcurrent(t *testing.T) {
	provider := &fakeProvider{name: "budget-ai", cost: 0.01, gate: make(chan struct{})}
	e := newTestEngine(t, testEngineConfig(), provider)
	ctx := context.Background()

	req := &types.Request{Namespace: "chat", TaskType: "chat", Payload: []byte(`{"text":"storm"}`), UserKey: "alice"}

	results := make(chan *types.Result, 2)
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Execute(ctx, req, types.BudgetContext{UserKey: "alice"})
			errs <- err
			results <- res
		}()
	}

	require.Eventually(t, func() bool {
		s := e.GetStats().Dedup
		return s.InFlight == 1 && s.Coalesced == 1
	}, 2*time.Second, time.Millisecond)

	close(provider.gate)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, provider.invokes.Load(), "concurrent identical requests must share one upstream call")
	for res := range results {
		assert.JSONEq(t, `{"answer":"hi"}`, string(res.Payload))
	}
	// 成本只入账一次
	assert.InDelta(t, 0.01, e.BudgetSnapshot("alice").DailySpentUsd, 1e-9)
}

func TestEngine_BudgetExceededFailFast(t *testing.T) {
	provider := &fakeProvider{name: "budget-ai", cost: 0.01}
	e := newTestEngine(t, testEngineConfig(), provider)

	e.SetBudgetLimits("broke", 0.0000001, 0)

	_, err := e.Execute(context.Background(),
		&types.Request{Namespace: "chat", TaskType: "chat", Payload: []byte(`{"text":"x"}`), UserKey: "broke"},
		types.BudgetContext{UserKey: "broke"})

	assert.Equal(t, types.ErrBudgetExceeded, types.GetErrorCode(err))
	assert.Zero(t, provider.invokes.Load(), "budget failures must not reach upstream")
}

// 批处理命名空间：两个不同请求合并为一次上游调用，成本均摊到各自用户
func TestEngine_BatchedNamespace(t *testing.T) {
	provider := &fakeProvider{
		name: "budget-ai",
		cost: 0.4,
		respond: func(req *types.InvokeRequest) []byte {
			var inputs []json.RawMessage
			if err := json.Unmarshal(req.Payload, &inputs); err != nil {
				return nil
			}
			outputs := make([]json.RawMessage, len(inputs))
			for i := range inputs {
				outputs[i] = json.RawMessage(`"vec"`)
			}
			data, _ := json.Marshal(outputs)
			return data
		},
	}
	e := newTestEngine(t, testEngineConfig(), provider)
	ctx := context.Background()

	users := []string{"alice", "bob"}
	payloads := [][]byte{[]byte(`{"text":"first"}`), []byte(`{"text":"second"}`)}

	type outcome struct {
		res *types.Result
		err error
	}
	outcomes := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Execute(ctx,
				&types.Request{Namespace: "embeddings", TaskType: "embedding", Payload: payloads[i], UserKey: users[i]},
				types.BudgetContext{UserKey: users[i]})
			outcomes <- outcome{res, err}
		}(i)
	}
	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		require.NoError(t, o.err)
		assert.Equal(t, `"vec"`, string(o.res.Payload))
		assert.InDelta(t, 0.2, o.res.CostUsd, 1e-9)
	}

	assert.EqualValues(t, 1, provider.invokes.Load(), "window must flush as one upstream call")
	assert.InDelta(t, 0.2, e.BudgetSnapshot("alice").DailySpentUsd, 1e-9)
	assert.InDelta(t, 0.2, e.BudgetSnapshot("bob").DailySpentUsd, 1e-9)

	// 批处理结果同样进入缓存
	res, err := e.Execute(ctx,
		&types.Request{Namespace: "embeddings", TaskType: "embedding", Payload: payloads[0], UserKey: "alice"},
		types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
}

func TestEngine_InvalidRequest(t *testing.T) {
	e := newTestEngine(t, testEngineConfig(), &fakeProvider{name: "budget-ai"})

	_, err := e.Execute(context.Background(),
		&types.Request{Namespace: "chat", TaskType: "chat"},
		types.BudgetContext{UserKey: "alice"})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = e.Execute(context.Background(),
		&types.Request{TaskType: "chat", Payload: []byte("x")},
		types.BudgetContext{UserKey: "alice"})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

// 失效后下一次请求重新走上游
func TestEngine_InvalidateForcesRefetch(t *testing.T) {
	provider := &fakeProvider{name: "budget-ai", cost: 0.01}
	e := newTestEngine(t, testEngineConfig(), provider)
	ctx := context.Background()

	req := &types.Request{Namespace: "chat", TaskType: "chat", Payload: []byte(`{"text":"x"}`), UserKey: "alice"}

	_, err := e.Execute(ctx, req, types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)

	require.NoError(t, e.Invalidate(ctx, "chat", CacheKey("chat", req.Payload)))

	res, err := e.Execute(ctx, req, types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.EqualValues(t, 2, provider.invokes.Load())
}

// L3 落盘的结果在进程重启（新引擎实例）后仍可命中
func TestEngine_L3SurvivesRestart(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Cache.SQLitePath = filepath.Join(t.TempDir(), "cache.db")

	provider := &fakeProvider{name: "budget-ai", cost: 0.01}
	req := &types.Request{Namespace: "chat", TaskType: "chat", Payload: []byte(`{"text":"persist"}`), UserKey: "alice"}

	first, err := New(cfg, WithLogger(zap.NewNop()), WithProvider(provider))
	require.NoError(t, err)
	_, err = first.Execute(context.Background(), req, types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)
	require.NoError(t, first.Close()) // 等待发后即忘的 L3 写落盘

	second, err := New(cfg, WithLogger(zap.NewNop()), WithProvider(provider))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	res, err := second.Execute(context.Background(), req, types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "l3", res.HitTier)
	assert.EqualValues(t, 1, provider.invokes.Load())
}

func TestEngine_GetStatsAggregates(t *testing.T) {
	provider := &fakeProvider{name: "budget-ai", cost: 0.01}
	e := newTestEngine(t, testEngineConfig(), provider)
	ctx := context.Background()

	req := &types.Request{Namespace: "chat", TaskType: "chat", Payload: []byte(`{"text":"x"}`), UserKey: "alice"}
	_, err := e.Execute(ctx, req, types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)
	_, err = e.Execute(ctx, req, types.BudgetContext{UserKey: "alice"})
	require.NoError(t, err)

	stats := e.GetStats()
	assert.EqualValues(t, 1, stats.Cache.L1Hits)
	assert.EqualValues(t, 1, stats.Cache.Misses)
	assert.EqualValues(t, 2, stats.Dedup.Flights)
	assert.EqualValues(t, 1, stats.Router.Decisions)
	assert.GreaterOrEqual(t, stats.Pool.Completed, int64(1))
	require.Len(t, stats.Ledger, 1)
	assert.Equal(t, "alice", stats.Ledger[0].UserKey)
}
