package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/model-router/internal/executor"
	"github.com/tributary-ai/model-router/internal/flags"
	"github.com/tributary-ai/model-router/internal/health"
	"github.com/tributary-ai/model-router/internal/ledger"
	"github.com/tributary-ai/model-router/internal/metrics"
	"github.com/tributary-ai/model-router/internal/providers"
	"github.com/tributary-ai/model-router/internal/registry"
	"github.com/tributary-ai/model-router/internal/routing"
	"github.com/tributary-ai/model-router/internal/types"
)

// The tests below run the whole pipeline with real components, stubbing
// only the provider adapters and the token estimator: classify, gate,
// decide, execute, meter, all against an in-memory ledger.

const pipelineCatalog = `
version: "pipeline-1"
models:
  - id: swift-mini
    provider: openai
    category: chat
    capabilities: [streaming, function_calling]
    context_window: 128000
    cost_per_input_token: 0.0000002
    cost_per_output_token: 0.000001
    tags: [fast]

  - id: brisk-lite
    provider: anthropic
    category: chat
    capabilities: [streaming]
    context_window: 200000
    cost_per_input_token: 0.000001
    cost_per_output_token: 0.000005
    tags: [fast]
`

// fixedEstimator pins prompt token counts so complexity bands are stable.
type fixedEstimator struct {
	tokens int
}

func (e *fixedEstimator) EstimateTurns(turns []types.Turn) int { return e.tokens }

// pipelineAdapter is a scriptable provider adapter.
type pipelineAdapter struct {
	name     string
	generate func() (*types.Generation, error)
	calls    int
}

func (a *pipelineAdapter) Name() string { return a.name }

func (a *pipelineAdapter) Probe(ctx context.Context) error { return nil }

func (a *pipelineAdapter) Generate(ctx context.Context, model string, turns []types.Turn) (*types.Generation, error) {
	a.calls++
	return a.generate()
}

func answers(text string, in, out int) func() (*types.Generation, error) {
	return func() (*types.Generation, error) {
		return &types.Generation{Text: text, InputTokens: in, OutputTokens: out}, nil
	}
}

func enabledFlag(id string) *flags.Flag {
	return &flags.Flag{ID: id, Enabled: true, RolloutPercentage: 100}
}

// newPipeline wires a full service over the two-model catalog above.
func newPipeline(t *testing.T, store *flags.MemoryStore, adapters ...*pipelineAdapter) (*Service, *ledger.Ledger) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	collector := metrics.NewCollector("pipelinetest")

	catalogPath := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(pipelineCatalog), 0o644))
	reg, err := registry.New(catalogPath, logger)
	require.NoError(t, err)

	book, err := ledger.Open(ledger.Config{DSN: ":memory:"}, collector, logger)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, book.Close()) })

	adapterMap := make(map[string]providers.Adapter, len(adapters))
	monitor := health.NewMonitor(health.Config{}, reg, collector, logger)
	for _, a := range adapters {
		adapterMap[a.name] = a
		monitor.Register(a)
	}
	monitor.ProbeAll(context.Background())

	controller := executor.New(adapterMap, book, monitor, collector, logger)
	classifier := routing.NewClassifier(&fixedEstimator{tokens: 12}, logger)
	engine := routing.NewEngine(logger)
	gate := flags.NewGate(store, logger)

	return NewService(reg, classifier, engine, gate, monitor, controller, logger), book
}

func allFlagsOn() *flags.MemoryStore {
	store := flags.NewMemoryStore()
	store.SetFlag(enabledFlag(routing.FlagRoutingEnabled))
	store.SetFlag(enabledFlag(routing.ProviderFlag("openai")))
	store.SetFlag(enabledFlag(routing.ProviderFlag("anthropic")))
	return store
}

func pipelineRequest() *types.RouteRequest {
	return &types.RouteRequest{
		ID:     "req-pipeline",
		Prompt: "What is the capital of France?",
		UserID: "user-1",
	}
}

func TestServiceRoute_BillsAndServes(t *testing.T) {
	ctx := context.Background()
	openai := &pipelineAdapter{name: "openai", generate: answers("Paris.", 12, 150)}
	anthropic := &pipelineAdapter{name: "anthropic", generate: answers("Paris.", 12, 150)}
	svc, book := newPipeline(t, allFlagsOn(), openai, anthropic)

	require.NoError(t, book.CreditUser(ctx, "user-1", 1000))

	resp, err := svc.Route(ctx, pipelineRequest())
	require.NoError(t, err)

	// swift-mini is the cheapest fast model, so it takes the primary slot.
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "swift-mini", resp.Model)
	assert.Equal(t, "Paris.", resp.Content)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 162, resp.TotalTokens)
	assert.Equal(t, "simple", resp.ComplexityClass)
	assert.True(t, resp.Billed)
	assert.GreaterOrEqual(t, resp.CreditsCharged, int64(1))
	assert.Zero(t, anthropic.calls)

	balance, err := book.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1000-resp.CreditsCharged, balance)
}

func TestServiceRoute_MissingRoutingFlagFailsClosed(t *testing.T) {
	store := flags.NewMemoryStore()
	store.SetFlag(enabledFlag(routing.ProviderFlag("openai")))
	store.SetFlag(enabledFlag(routing.ProviderFlag("anthropic")))

	openai := &pipelineAdapter{name: "openai", generate: answers("Paris.", 12, 150)}
	anthropic := &pipelineAdapter{name: "anthropic", generate: answers("Paris.", 12, 150)}
	svc, _ := newPipeline(t, store, openai, anthropic)

	_, err := svc.Route(context.Background(), pipelineRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFlagDenied)
	assert.Zero(t, openai.calls)
	assert.Zero(t, anthropic.calls)
}

func TestServiceRoute_ProviderKillSwitch(t *testing.T) {
	// provider:openai is absent from the store, which fails closed and
	// removes every openai model from the pool.
	store := flags.NewMemoryStore()
	store.SetFlag(enabledFlag(routing.FlagRoutingEnabled))
	store.SetFlag(enabledFlag(routing.ProviderFlag("anthropic")))

	ctx := context.Background()
	openai := &pipelineAdapter{name: "openai", generate: answers("Paris.", 12, 150)}
	anthropic := &pipelineAdapter{name: "anthropic", generate: answers("Paris.", 12, 150)}
	svc, book := newPipeline(t, store, openai, anthropic)
	require.NoError(t, book.CreditUser(ctx, "user-1", 1000))

	resp, err := svc.Route(ctx, pipelineRequest())
	require.NoError(t, err)

	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "brisk-lite", resp.Model)
	assert.Zero(t, openai.calls)
}

func TestServiceRoute_FailoverMetersBothAttempts(t *testing.T) {
	ctx := context.Background()
	openai := &pipelineAdapter{name: "openai", generate: func() (*types.Generation, error) {
		return nil, types.NewProviderError("openai", "swift-mini", types.KindUnavailable, errors.New("upstream 503"))
	}}
	anthropic := &pipelineAdapter{name: "anthropic", generate: answers("Paris.", 12, 150)}
	svc, book := newPipeline(t, allFlagsOn(), openai, anthropic)
	require.NoError(t, book.CreditUser(ctx, "user-1", 1000))

	resp, err := svc.Route(ctx, pipelineRequest())
	require.NoError(t, err)

	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, 2, resp.Attempts)
	assert.True(t, resp.Billed)
	assert.Equal(t, 1, openai.calls)

	// The failed attempt consumed no tokens, so only the anthropic charge
	// hits the balance.
	balance, err := book.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1000-resp.CreditsCharged, balance)

	// Its usage row still lands in the aggregates.
	day := time.Now().UTC().Format("2006-01-02")
	require.Eventually(t, func() bool {
		rollup, err := book.Rollup(ctx, day, "openai", "swift-mini")
		return err == nil && rollup.Requests == 1 && rollup.Successes == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServiceRoute_InsufficientCreditStillServes(t *testing.T) {
	ctx := context.Background()
	openai := &pipelineAdapter{name: "openai", generate: answers("Paris.", 12, 150)}
	anthropic := &pipelineAdapter{name: "anthropic", generate: answers("Paris.", 12, 150)}
	svc, book := newPipeline(t, allFlagsOn(), openai, anthropic)

	// No account was ever credited.
	resp, err := svc.Route(ctx, pipelineRequest())
	require.NoError(t, err)

	assert.Equal(t, "Paris.", resp.Content)
	assert.False(t, resp.Billed)

	balance, err := book.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, balance)
}
