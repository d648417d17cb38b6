package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the routing core.
var (
	ErrUnknownModel       = errors.New("unknown model")
	ErrFlagDenied         = errors.New("request denied by feature flag")
	ErrInsufficientCredit = errors.New("insufficient credit balance")
	ErrNoEligibleModels   = errors.New("no eligible models for request")
	ErrMissingCredential  = errors.New("credential not found")
)

// ErrorKind classifies a failed provider attempt. The kind decides failover
// behavior: every kind triggers advancement to the next candidate, and
// KindAuthFailed additionally downgrades the provider's health immediately.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "provider_timeout"
	KindRateLimited       ErrorKind = "provider_rate_limited"
	KindAuthFailed        ErrorKind = "provider_auth_failed"
	KindMalformedResponse ErrorKind = "provider_malformed_response"
	KindUnavailable       ErrorKind = "provider_unavailable"
)

// ProviderError wraps a single failed provider attempt.
type ProviderError struct {
	Provider string
	Model    string
	Kind     ErrorKind
	Err      error

	// PartialUsage carries tokens the provider reported as consumed before
	// the failure (e.g. a timeout after partial generation). Billable.
	PartialUsage *Generation
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s/%s: %v", e.Kind, e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a classified provider attempt failure.
func NewProviderError(provider, model string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Kind: kind, Err: err}
}

// AttemptFailure is one entry of an exhausted fallback chain's trace.
type AttemptFailure struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

// AllProvidersFailedError is terminal: every candidate in the chain was
// attempted and failed. It is the only provider-level error surfaced to
// callers.
type AllProvidersFailedError struct {
	Attempts []AttemptFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s (%s)", a.Provider, a.Model, a.Kind))
	}
	return fmt.Sprintf("all providers failed after %d attempts: %s",
		len(e.Attempts), strings.Join(parts, ", "))
}

// IsAllProvidersFailed reports whether err is a terminal chain exhaustion.
func IsAllProvidersFailed(err error) bool {
	var target *AllProvidersFailedError
	return errors.As(err, &target)
}
