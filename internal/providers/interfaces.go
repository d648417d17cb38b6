// Package providers defines the uniform adapter interface upstream vendors
// are driven through. Provider selection is dispatch over a closed set of
// adapters, never reflection.
package providers

import (
	"context"
	"net/http"

	"github.com/tributary-ai/model-router/internal/types"
)

// Adapter is implemented once per upstream vendor. Generate performs one
// generation call against a specific model; Probe issues the cheapest
// request that proves the credential and endpoint work.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, model string, turns []types.Turn) (*types.Generation, error)
	Probe(ctx context.Context) error
}

// KindForStatus maps an upstream HTTP status to the failover error taxonomy.
func KindForStatus(status int) types.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.KindAuthFailed
	case status == http.StatusTooManyRequests:
		return types.KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.KindTimeout
	case status >= 500:
		return types.KindUnavailable
	default:
		return types.KindMalformedResponse
	}
}
