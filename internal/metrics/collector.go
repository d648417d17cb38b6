// Package metrics exposes prometheus instrumentation for the router core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tributary-ai/model-router/internal/types"
)

// Collector holds the router's prometheus metrics. Construct one per
// process and register it on a single registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attemptsTotal   *prometheus.CounterVec
	failoversTotal  prometheus.Counter
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	debitsTotal     *prometheus.CounterVec
	providerHealth  *prometheus.GaugeVec
	probeLatency    *prometheus.GaugeVec
}

// NewCollector builds and registers the router metrics on a fresh registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Routed requests by final provider, model and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration including failover",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"provider"},
	)

	c.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Individual provider attempts by result kind",
		},
		[]string{"provider", "result"},
	)

	c.failoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Requests that advanced past the primary candidate",
		},
	)

	c.tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider, model and direction",
		},
		[]string{"provider", "model", "direction"},
	)

	c.costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Accumulated USD cost by provider and model",
		},
		[]string{"provider", "model"},
	)

	c.debitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_debits_total",
			Help:      "Credit debit attempts by result",
		},
		[]string{"result"},
	)

	c.providerHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health",
			Help:      "Provider health state (1 healthy, 0.5 degraded, 0 offline)",
		},
		[]string{"provider"},
	)

	c.probeLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_probe_latency_ms",
			Help:      "Latency of the last health probe per provider",
		},
		[]string{"provider"},
	)

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.attemptsTotal,
		c.failoversTotal,
		c.tokensTotal,
		c.costTotal,
		c.debitsTotal,
		c.providerHealth,
		c.probeLatency,
	)

	return c
}

// Registry returns the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveRequest records a completed route call.
func (c *Collector) ObserveRequest(provider, model, outcome string, seconds float64) {
	c.requestsTotal.WithLabelValues(provider, model, outcome).Inc()
	c.requestDuration.WithLabelValues(provider).Observe(seconds)
}

// ObserveAttempt records one provider attempt; result is "success" or the
// error kind string.
func (c *Collector) ObserveAttempt(provider, result string) {
	c.attemptsTotal.WithLabelValues(provider, result).Inc()
}

// ObserveFailover counts a request advancing past its primary candidate.
func (c *Collector) ObserveFailover() {
	c.failoversTotal.Inc()
}

// ObserveUsage records billable token consumption and cost.
func (c *Collector) ObserveUsage(provider, model string, inputTokens, outputTokens int, costUSD float64) {
	c.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	c.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	c.costTotal.WithLabelValues(provider, model).Add(costUSD)
}

// ObserveDebit records a ledger debit outcome: "ok", "insufficient" or
// "error".
func (c *Collector) ObserveDebit(result string) {
	c.debitsTotal.WithLabelValues(result).Inc()
}

// SetProviderHealth publishes a probe result as gauges.
func (c *Collector) SetProviderHealth(provider string, status types.HealthState, latencyMs int64) {
	value := 0.0
	switch status {
	case types.HealthHealthy:
		value = 1.0
	case types.HealthDegraded, types.HealthUnknown:
		value = 0.5
	}
	c.providerHealth.WithLabelValues(provider).Set(value)
	c.probeLatency.WithLabelValues(provider).Set(float64(latencyMs))
}
