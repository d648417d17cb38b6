// Package health maintains per-provider availability snapshots through
// active probing, independent of user traffic. The hot path never issues a
// network call to determine health: routing reads a point-in-time snapshot
// that may be up to one probe interval stale.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tributary-ai/model-router/internal/metrics"
	"github.com/tributary-ai/model-router/internal/types"
)

// ErrPartial marks a probe that succeeded with reduced capability. The
// provider is classified degraded rather than offline.
var ErrPartial = errors.New("partial capability response")

// Prober issues a minimal capability probe for one provider. Provider
// adapters satisfy it.
type Prober interface {
	Name() string
	Probe(ctx context.Context) error
}

// ModelCounter supplies catalog model counts per provider for snapshot
// bookkeeping. The registry satisfies it.
type ModelCounter interface {
	ModelCount(provider string) int
}

// Config tunes the monitor loop.
type Config struct {
	Interval            time.Duration
	ProbeTimeout        time.Duration
	DegradedLatency     time.Duration
	MaxConcurrentProbes int64
}

// DefaultConfig returns production probe cadence.
func DefaultConfig() Config {
	return Config{
		Interval:            60 * time.Second,
		ProbeTimeout:        10 * time.Second,
		DegradedLatency:     3 * time.Second,
		MaxConcurrentProbes: 4,
	}
}

// Monitor runs the periodic probe loop and owns the snapshot map. It is the
// only writer; readers get copies.
type Monitor struct {
	cfg     Config
	catalog ModelCounter
	metrics *metrics.Collector
	logger  *logrus.Logger

	mu        sync.RWMutex
	probers   map[string]Prober
	snapshots map[string]types.ProviderHealth
}

// NewMonitor builds a monitor. metrics may be nil in tests.
func NewMonitor(cfg Config, catalog ModelCounter, collector *metrics.Collector, logger *logrus.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.DegradedLatency <= 0 {
		cfg.DegradedLatency = DefaultConfig().DegradedLatency
	}
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = DefaultConfig().MaxConcurrentProbes
	}

	return &Monitor{
		cfg:       cfg,
		catalog:   catalog,
		metrics:   collector,
		logger:    logger,
		probers:   make(map[string]Prober),
		snapshots: make(map[string]types.ProviderHealth),
	}
}

// Register adds a provider to the probe rotation.
func (m *Monitor) Register(p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probers[p.Name()] = p
	m.logger.WithField("provider", p.Name()).Info("Provider registered for health probing")
}

// Run probes immediately, then on every interval tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.ProbeAll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every registered provider concurrently through a bounded
// pool. One provider's probe failure never prevents siblings from being
// probed in the same cycle.
func (m *Monitor) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	probers := make([]Prober, 0, len(m.probers))
	for _, p := range m.probers {
		probers = append(probers, p)
	}
	m.mu.RUnlock()

	sem := semaphore.NewWeighted(m.cfg.MaxConcurrentProbes)
	var wg sync.WaitGroup

	for _, p := range probers {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(p Prober) {
			defer wg.Done()
			defer sem.Release(1)
			m.probeOne(ctx, p)
		}(p)
	}

	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, p Prober) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Probe(probeCtx)
	latency := time.Since(start)

	snapshot := types.ProviderHealth{
		Provider:    p.Name(),
		LatencyMs:   latency.Milliseconds(),
		LastChecked: time.Now(),
	}

	switch {
	case err == nil && latency < m.cfg.DegradedLatency:
		snapshot.Status = types.HealthHealthy
	case err == nil:
		snapshot.Status = types.HealthDegraded
		snapshot.ErrorMessage = "probe latency above threshold"
	case errors.Is(err, ErrPartial):
		snapshot.Status = types.HealthDegraded
		snapshot.ErrorMessage = err.Error()
	default:
		snapshot.Status = types.HealthOffline
		snapshot.ErrorMessage = err.Error()
	}

	m.finishSnapshot(&snapshot)
	m.store(snapshot)

	entry := m.logger.WithFields(logrus.Fields{
		"provider":   p.Name(),
		"status":     snapshot.Status,
		"latency_ms": snapshot.LatencyMs,
	})
	if err != nil {
		entry.WithError(err).Warn("Health probe finished")
	} else {
		entry.Debug("Health probe finished")
	}
}

// MarkOffline downgrades a provider immediately, without waiting for the
// next probe cycle. Used by the executor on credential failures.
func (m *Monitor) MarkOffline(provider, reason string) {
	snapshot := types.ProviderHealth{
		Provider:     provider,
		Status:       types.HealthOffline,
		LastChecked:  time.Now(),
		ErrorMessage: reason,
	}
	m.finishSnapshot(&snapshot)
	m.store(snapshot)

	m.logger.WithFields(logrus.Fields{
		"provider": provider,
		"reason":   reason,
	}).Warn("Provider marked offline")
}

func (m *Monitor) finishSnapshot(s *types.ProviderHealth) {
	total := m.catalog.ModelCount(s.Provider)
	if s.Status == types.HealthOffline {
		s.ModelsDisabled = total
	} else {
		s.ModelsAvailable = total
	}
}

func (m *Monitor) store(snapshot types.ProviderHealth) {
	m.mu.Lock()
	m.snapshots[snapshot.Provider] = snapshot
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetProviderHealth(snapshot.Provider, snapshot.Status, snapshot.LatencyMs)
	}
}

// Snapshot returns a copy of all provider snapshots. Entries older than
// three probe intervals are reported as unknown: usable but deprioritized,
// never unavailable.
func (m *Monitor) Snapshot() map[string]types.ProviderHealth {
	staleAfter := 3 * m.cfg.Interval
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]types.ProviderHealth, len(m.snapshots))
	for name, snapshot := range m.snapshots {
		if now.Sub(snapshot.LastChecked) > staleAfter {
			snapshot.Status = types.HealthUnknown
		}
		out[name] = snapshot
	}
	return out
}

// Report aggregates the current snapshots for the health endpoint.
func (m *Monitor) Report() types.HealthReport {
	snapshots := m.Snapshot()

	report := types.HealthReport{
		Providers:   snapshots,
		GeneratedAt: time.Now(),
	}

	for name, snapshot := range snapshots {
		switch snapshot.Status {
		case types.HealthHealthy:
			report.HealthyProviders = append(report.HealthyProviders, name)
		case types.HealthOffline:
			report.OfflineProviders = append(report.OfflineProviders, name)
		default:
			report.DegradedProviders = append(report.DegradedProviders, name)
		}
	}
	sort.Strings(report.HealthyProviders)
	sort.Strings(report.DegradedProviders)
	sort.Strings(report.OfflineProviders)

	switch {
	case len(snapshots) == 0:
		report.Overall = types.HealthUnknown
	case len(report.OfflineProviders) == len(snapshots):
		report.Overall = types.HealthOffline
	case len(report.HealthyProviders) == len(snapshots):
		report.Overall = types.HealthHealthy
	default:
		report.Overall = types.HealthDegraded
	}

	return report
}
