package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/model-router/internal/ledger"
	"github.com/tributary-ai/model-router/internal/metrics"
	"github.com/tributary-ai/model-router/internal/providers"
	"github.com/tributary-ai/model-router/internal/routing"
	"github.com/tributary-ai/model-router/internal/types"
)

// fakeAdapter answers Generate from a per-model script.
type fakeAdapter struct {
	name    string
	results map[string]func() (*types.Generation, error)
	calls   []string
	mu      sync.Mutex
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Generate(ctx context.Context, model string, turns []types.Turn) (*types.Generation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.results[model]()
}

func (f *fakeAdapter) Probe(ctx context.Context) error { return nil }

// fakeBiller records metering calls without a database.
type fakeBiller struct {
	mu             sync.Mutex
	successes      []string
	successCtxErrs []error
	failures       []fakeFailure
	charge         ledger.Charge
}

type fakeFailure struct {
	model   string
	partial *types.Generation
	errMsg  string
}

func (f *fakeBiller) MeterSuccess(ctx context.Context, userID, requestID string, model types.ModelDescriptor, gen *types.Generation, latencyMs int64) (ledger.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, model.ID)
	f.successCtxErrs = append(f.successCtxErrs, ctx.Err())
	return f.charge, nil
}

func (f *fakeBiller) MeterFailure(ctx context.Context, userID, requestID string, model types.ModelDescriptor, partial *types.Generation, errMsg string, latencyMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fakeFailure{model: model.ID, partial: partial, errMsg: errMsg})
	return nil
}

type fakeHealth struct {
	mu      sync.Mutex
	offline []string
}

func (f *fakeHealth) MarkOffline(provider, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, provider)
}

func model(id, provider string, tags ...string) types.ModelDescriptor {
	return types.ModelDescriptor{
		ID: id, Provider: provider, Category: types.CategoryChat,
		CostPerInputToken: 0.000001, CostPerOutputToken: 0.000002,
		Tags: tags,
	}
}

func decisionFor(models ...types.ModelDescriptor) *routing.Decision {
	d := &routing.Decision{
		Complexity: routing.ComplexitySimple,
		Category:   types.CategoryChat,
		Primary:    routing.Candidate{Model: models[0]},
		Reasoning:  []string{"test chain"},
	}
	for _, m := range models[1:] {
		d.Fallbacks = append(d.Fallbacks, routing.Candidate{Model: m})
	}
	return d
}

func newTestController(adapters map[string]*fakeAdapter, biller *fakeBiller, health *fakeHealth) *Controller {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	adapterMap := make(map[string]providers.Adapter, len(adapters))
	for name, a := range adapters {
		adapterMap[name] = a
	}
	return New(adapterMap, biller, health, metrics.NewCollector("exectest"), logger)
}

func okGen(text string, in, out int) func() (*types.Generation, error) {
	return func() (*types.Generation, error) {
		return &types.Generation{Text: text, InputTokens: in, OutputTokens: out}, nil
	}
}

func failWith(err error) func() (*types.Generation, error) {
	return func() (*types.Generation, error) { return nil, err }
}

func TestExecute_PrimarySucceeds(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", results: map[string]func() (*types.Generation, error){
		"gpt-mini": okGen("hello", 10, 5),
	}}
	biller := &fakeBiller{charge: ledger.Charge{CostUSD: 0.01, Credits: 1, Billed: true}}
	health := &fakeHealth{}
	c := newTestController(map[string]*fakeAdapter{"openai": adapter}, biller, health)

	req := &types.RouteRequest{ID: "req-1", Prompt: "hi", UserID: "u1"}
	resp, err := c.Execute(context.Background(), req, decisionFor(model("gpt-mini", "openai")))
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 15, resp.TotalTokens)
	assert.True(t, resp.Billed)
	assert.Equal(t, []string{"gpt-mini"}, biller.successes)
	assert.Empty(t, biller.failures)
}

func TestExecute_RateLimitedAdvancesToExactNextCandidate(t *testing.T) {
	openaiAdapter := &fakeAdapter{name: "openai", results: map[string]func() (*types.Generation, error){
		"gpt-mini": failWith(types.NewProviderError("openai", "gpt-mini", types.KindRateLimited, errors.New("429"))),
	}}
	anthropicAdapter := &fakeAdapter{name: "anthropic", results: map[string]func() (*types.Generation, error){
		"haiku-fast": okGen("fallback answer", 10, 5),
	}}
	biller := &fakeBiller{charge: ledger.Charge{Billed: true}}
	c := newTestController(map[string]*fakeAdapter{"openai": openaiAdapter, "anthropic": anthropicAdapter}, biller, &fakeHealth{})

	req := &types.RouteRequest{ID: "req-1", Prompt: "hi", UserID: "u1"}
	resp, err := c.Execute(context.Background(), req,
		decisionFor(model("gpt-mini", "openai"), model("haiku-fast", "anthropic")))
	require.NoError(t, err)

	assert.Equal(t, "fallback answer", resp.Content)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, 2, resp.Attempts)

	// The failed primary attempt still produced a usage record.
	require.Len(t, biller.failures, 1)
	assert.Equal(t, "gpt-mini", biller.failures[0].model)
	assert.Equal(t, []string{"haiku-fast"}, biller.successes)
}

func TestExecute_ChainExhaustionIsTerminal(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", results: map[string]func() (*types.Generation, error){
		"gpt-mini":  failWith(types.NewProviderError("openai", "gpt-mini", types.KindUnavailable, errors.New("500"))),
		"codex-pro": failWith(types.NewProviderError("openai", "codex-pro", types.KindTimeout, errors.New("deadline"))),
	}}
	biller := &fakeBiller{}
	c := newTestController(map[string]*fakeAdapter{"openai": adapter}, biller, &fakeHealth{})

	req := &types.RouteRequest{ID: "req-1", Prompt: "hi", UserID: "u1"}
	_, err := c.Execute(context.Background(), req,
		decisionFor(model("gpt-mini", "openai"), model("codex-pro", "openai")))

	require.True(t, types.IsAllProvidersFailed(err))
	var exhausted *types.AllProvidersFailedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, types.KindUnavailable, exhausted.Attempts[0].Kind)
	assert.Equal(t, types.KindTimeout, exhausted.Attempts[1].Kind)
	assert.Len(t, biller.failures, 2)
}

func TestExecute_AuthFailureMarksProviderOffline(t *testing.T) {
	openaiAdapter := &fakeAdapter{name: "openai", results: map[string]func() (*types.Generation, error){
		"gpt-mini": failWith(types.NewProviderError("openai", "gpt-mini", types.KindAuthFailed, errors.New("401"))),
	}}
	anthropicAdapter := &fakeAdapter{name: "anthropic", results: map[string]func() (*types.Generation, error){
		"haiku-fast": okGen("ok", 5, 5),
	}}
	health := &fakeHealth{}
	c := newTestController(map[string]*fakeAdapter{"openai": openaiAdapter, "anthropic": anthropicAdapter}, &fakeBiller{}, health)

	req := &types.RouteRequest{ID: "req-1", Prompt: "hi", UserID: "u1"}
	_, err := c.Execute(context.Background(), req,
		decisionFor(model("gpt-mini", "openai"), model("haiku-fast", "anthropic")))
	require.NoError(t, err)

	assert.Equal(t, []string{"openai"}, health.offline)
}

func TestExecute_PartialUsageIsMetered(t *testing.T) {
	provErr := types.NewProviderError("openai", "gpt-mini", types.KindTimeout, errors.New("deadline"))
	provErr.PartialUsage = &types.Generation{InputTokens: 100, OutputTokens: 17}

	adapter := &fakeAdapter{name: "openai", results: map[string]func() (*types.Generation, error){
		"gpt-mini": failWith(provErr),
	}}
	biller := &fakeBiller{}
	c := newTestController(map[string]*fakeAdapter{"openai": adapter}, biller, &fakeHealth{})

	req := &types.RouteRequest{ID: "req-1", Prompt: "hi", UserID: "u1"}
	_, err := c.Execute(context.Background(), req, decisionFor(model("gpt-mini", "openai")))
	require.True(t, types.IsAllProvidersFailed(err))

	require.Len(t, biller.failures, 1)
	require.NotNil(t, biller.failures[0].partial)
	assert.Equal(t, 17, biller.failures[0].partial.OutputTokens)
}

func TestExecute_CancelledCallerStopsChain(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", results: map[string]func() (*types.Generation, error){
		"gpt-mini": okGen("never", 1, 1),
	}}
	c := newTestController(map[string]*fakeAdapter{"openai": adapter}, &fakeBiller{}, &fakeHealth{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := &types.RouteRequest{ID: "req-1", Prompt: "hi", UserID: "u1"}
	_, err := c.Execute(ctx, req, decisionFor(model("gpt-mini", "openai")))

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, adapter.calls)
}

func TestExecute_CancelAfterCompletionStillMeters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller goes away exactly when the provider finishes.
	adapter := &fakeAdapter{name: "openai", results: map[string]func() (*types.Generation, error){
		"gpt-mini": func() (*types.Generation, error) {
			cancel()
			return &types.Generation{Text: "done", InputTokens: 40, OutputTokens: 150}, nil
		},
	}}
	biller := &fakeBiller{charge: ledger.Charge{CostUSD: 0.02, Credits: 2, Billed: true}}
	c := newTestController(map[string]*fakeAdapter{"openai": adapter}, biller, &fakeHealth{})

	req := &types.RouteRequest{ID: "req-1", Prompt: "hi", UserID: "u1"}
	resp, err := c.Execute(ctx, req, decisionFor(model("gpt-mini", "openai")))
	require.NoError(t, err)

	assert.True(t, resp.Billed)
	assert.Equal(t, int64(2), resp.CreditsCharged)
	require.Equal(t, []string{"gpt-mini"}, biller.successes)

	// Metering ran on a live context despite the cancelled request.
	require.Len(t, biller.successCtxErrs, 1)
	assert.NoError(t, biller.successCtxErrs[0])
}

func TestExecute_UnbilledResponseStillServed(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", results: map[string]func() (*types.Generation, error){
		"gpt-mini": okGen("served anyway", 10, 5),
	}}
	biller := &fakeBiller{charge: ledger.Charge{CostUSD: 0.5, Credits: 50, Billed: false}}
	c := newTestController(map[string]*fakeAdapter{"openai": adapter}, biller, &fakeHealth{})

	req := &types.RouteRequest{ID: "req-1", Prompt: "hi", UserID: "u1"}
	resp, err := c.Execute(context.Background(), req, decisionFor(model("gpt-mini", "openai")))
	require.NoError(t, err)

	assert.Equal(t, "served anyway", resp.Content)
	assert.False(t, resp.Billed)
	assert.Equal(t, int64(50), resp.CreditsCharged)
}

func TestExecute_MissingAdapterSkipsCandidate(t *testing.T) {
	anthropicAdapter := &fakeAdapter{name: "anthropic", results: map[string]func() (*types.Generation, error){
		"haiku-fast": okGen("ok", 5, 5),
	}}
	c := newTestController(map[string]*fakeAdapter{"anthropic": anthropicAdapter}, &fakeBiller{charge: ledger.Charge{Billed: true}}, &fakeHealth{})

	req := &types.RouteRequest{ID: "req-1", Prompt: "hi", UserID: "u1"}
	resp, err := c.Execute(context.Background(), req,
		decisionFor(model("gpt-mini", "openai"), model("haiku-fast", "anthropic")))
	require.NoError(t, err)

	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, 2, resp.Attempts)
}
