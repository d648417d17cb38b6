package types

import "time"

// HealthState classifies a provider's availability.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"

	// HealthUnknown is never written by a probe; readers see it when a
	// snapshot has gone stale. Unknown providers stay usable but are
	// deprioritized by the routing engine.
	HealthUnknown HealthState = "unknown"
)

// ProviderHealth is a point-in-time snapshot of one provider, written only
// by the health monitor.
type ProviderHealth struct {
	Provider        string      `json:"provider"`
	Status          HealthState `json:"status"`
	LatencyMs       int64       `json:"latency_ms"`
	ModelsAvailable int         `json:"models_available"`
	ModelsDisabled  int         `json:"models_disabled"`
	LastChecked     time.Time   `json:"last_checked"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

// HealthReport aggregates all provider snapshots for the health endpoint.
type HealthReport struct {
	Overall           HealthState               `json:"overall_status"`
	HealthyProviders  []string                  `json:"healthy_providers"`
	DegradedProviders []string                  `json:"degraded_providers"`
	OfflineProviders  []string                  `json:"offline_providers"`
	Providers         map[string]ProviderHealth `json:"providers"`
	GeneratedAt       time.Time                 `json:"generated_at"`
}
