package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/tributary-ai/model-router/internal/types"
)

// Credentials resolves the secret for a provider. Secrets are never logged
// and never returned to callers.
type Credentials interface {
	Get(provider string) (string, error)
}

// EnvCredentials reads secrets from the conventional <PROVIDER>_API_KEY
// environment variables.
type EnvCredentials struct{}

// Get implements Credentials.
func (EnvCredentials) Get(provider string) (string, error) {
	name := strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	secret := os.Getenv(name)
	if secret == "" {
		return "", fmt.Errorf("provider %s: %w", provider, types.ErrMissingCredential)
	}
	return secret, nil
}

// StaticCredentials is a fixed provider→secret map, used in tests and for
// config-file supplied keys.
type StaticCredentials map[string]string

// Get implements Credentials.
func (s StaticCredentials) Get(provider string) (string, error) {
	secret, ok := s[provider]
	if !ok || secret == "" {
		return "", fmt.Errorf("provider %s: %w", provider, types.ErrMissingCredential)
	}
	return secret, nil
}
