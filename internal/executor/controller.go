// Package executor runs a routing decision against real providers. It walks
// the candidate chain in order, meters every attempt, and fails over until
// a candidate succeeds or the chain is exhausted.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/ledger"
	"github.com/tributary-ai/model-router/internal/metrics"
	"github.com/tributary-ai/model-router/internal/providers"
	"github.com/tributary-ai/model-router/internal/routing"
	"github.com/tributary-ai/model-router/internal/types"
)

// Per-attempt deadlines by model class. The model's operator tag picks the
// class; untagged models get the default.
const (
	timeoutFast    = 10 * time.Second
	timeoutDefault = 20 * time.Second
	timeoutLarge   = 30 * time.Second
)

// Biller meters attempts against the credit ledger. Satisfied by
// ledger.Ledger.
type Biller interface {
	MeterSuccess(ctx context.Context, userID, requestID string, model types.ModelDescriptor, gen *types.Generation, latencyMs int64) (ledger.Charge, error)
	MeterFailure(ctx context.Context, userID, requestID string, model types.ModelDescriptor, partial *types.Generation, errMsg string, latencyMs int64) error
}

// HealthMarker receives fast-path degradation signals. Satisfied by
// health.Monitor.
type HealthMarker interface {
	MarkOffline(provider, reason string)
}

// Controller executes routing decisions with failover.
type Controller struct {
	adapters map[string]providers.Adapter
	biller   Biller
	health   HealthMarker
	metrics  *metrics.Collector
	logger   *logrus.Logger
}

// New builds a controller over the given provider adapters.
func New(adapters map[string]providers.Adapter, biller Biller, health HealthMarker, collector *metrics.Collector, logger *logrus.Logger) *Controller {
	return &Controller{
		adapters: adapters,
		biller:   biller,
		health:   health,
		metrics:  collector,
		logger:   logger,
	}
}

// Execute tries each candidate in the decision's chain until one produces a
// generation. Every attempt, failed or not, is metered. Exhausting the
// chain yields AllProvidersFailedError, never an empty success.
//
// Caller cancellation aborts the current attempt and stops the chain; it
// does not undo debits committed for earlier attempts.
func (c *Controller) Execute(ctx context.Context, req *types.RouteRequest, decision *routing.Decision) (*types.RouteResponse, error) {
	chain := decision.Chain()
	turns := req.AllTurns()
	start := time.Now()

	var failures []types.AttemptFailure

	for i, candidate := range chain {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled after %d attempts: %w", i, ctx.Err())
		}
		if i > 0 {
			c.metrics.ObserveFailover()
		}

		model := candidate.Model
		adapter, ok := c.adapters[model.Provider]
		if !ok {
			// Catalog lists a provider nothing was configured for.
			c.logger.WithField("provider", model.Provider).Error("No adapter for provider, skipping candidate")
			failures = append(failures, types.AttemptFailure{
				Provider: model.Provider,
				Model:    model.ID,
				Kind:     types.KindUnavailable,
				Message:  "no adapter configured",
			})
			continue
		}

		gen, latencyMs, err := c.attempt(ctx, adapter, model, turns)
		if err == nil {
			// A caller that cancels the moment the generation completes must
			// still be billed for it, so metering detaches from the request
			// context just like the failure path.
			meterCtx, meterCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			charge, meterErr := c.biller.MeterSuccess(meterCtx, req.UserID, req.ID, model, gen, latencyMs)
			meterCancel()
			if meterErr != nil {
				// The generation exists; metering trouble must not discard it.
				c.logger.WithError(meterErr).WithField("request_id", req.ID).Error("Metering failed for successful attempt")
			}

			c.metrics.ObserveAttempt(model.Provider, "success")
			c.metrics.ObserveRequest(model.Provider, model.ID, "success", time.Since(start).Seconds())

			return &types.RouteResponse{
				RequestID:       req.ID,
				Content:         gen.Text,
				Provider:        model.Provider,
				Model:           model.ID,
				InputTokens:     gen.InputTokens,
				OutputTokens:    gen.OutputTokens,
				TotalTokens:     gen.InputTokens + gen.OutputTokens,
				CostUSD:         charge.CostUSD,
				CreditsCharged:  charge.Credits,
				Billed:          charge.Billed,
				LatencyMs:       latencyMs,
				ComplexityClass: string(decision.Complexity),
				Attempts:        i + 1,
				Reasoning:       decision.Reasoning,
			}, nil
		}

		failures = append(failures, c.recordFailure(ctx, req, model, err, latencyMs))

		// The caller went away; later candidates would waste provider spend.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled after %d attempts: %w", i+1, ctx.Err())
		}
	}

	c.metrics.ObserveRequest("none", "none", "exhausted", time.Since(start).Seconds())
	return nil, &types.AllProvidersFailedError{Attempts: failures}
}

// attempt runs one provider call under its class deadline.
func (c *Controller) attempt(ctx context.Context, adapter providers.Adapter, model types.ModelDescriptor, turns []types.Turn) (*types.Generation, int64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, deadlineFor(model))
	defer cancel()

	start := time.Now()
	gen, err := adapter.Generate(attemptCtx, model.ID, turns)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		return nil, latencyMs, err
	}
	return gen, latencyMs, nil
}

// recordFailure meters the failed attempt and translates it into a trace
// entry. Auth failures short-circuit the provider's health instead of
// waiting for the next probe cycle.
func (c *Controller) recordFailure(ctx context.Context, req *types.RouteRequest, model types.ModelDescriptor, err error, latencyMs int64) types.AttemptFailure {
	kind := types.KindUnavailable
	var partial *types.Generation

	var provErr *types.ProviderError
	if errors.As(err, &provErr) {
		kind = provErr.Kind
		partial = provErr.PartialUsage
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = types.KindTimeout
	}

	c.metrics.ObserveAttempt(model.Provider, string(kind))

	if kind == types.KindAuthFailed {
		c.health.MarkOffline(model.Provider, "credential rejected")
	}

	// Metering uses a context detached from the request so a cancelled
	// caller cannot lose the usage row.
	meterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if meterErr := c.biller.MeterFailure(meterCtx, req.UserID, req.ID, model, partial, err.Error(), latencyMs); meterErr != nil {
		c.logger.WithError(meterErr).WithField("request_id", req.ID).Error("Failed to record failed attempt")
	}

	c.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"provider":   model.Provider,
		"model":      model.ID,
		"kind":       kind,
		"latency_ms": latencyMs,
	}).Warn("Provider attempt failed, advancing chain")

	return types.AttemptFailure{
		Provider: model.Provider,
		Model:    model.ID,
		Kind:     kind,
		Message:  err.Error(),
	}
}

func deadlineFor(model types.ModelDescriptor) time.Duration {
	switch {
	case model.HasTag("fast"):
		return timeoutFast
	case model.HasTag("large"):
		return timeoutLarge
	default:
		return timeoutDefault
	}
}
