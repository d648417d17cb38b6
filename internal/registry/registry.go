// Package registry holds the model catalog: the static set of model
// descriptors routing decisions are made against. The catalog is loaded at
// startup, read-only between explicit reloads, and safe for unsynchronized
// concurrent reads.
package registry

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/types"
)

// Filter narrows a List call. Zero-value fields are ignored.
type Filter struct {
	Provider   string
	Category   types.Category
	Capability types.Capability
	Tag        string
}

// Registry serves lookups against the loaded catalog.
type Registry struct {
	path    string
	logger  *logrus.Logger
	catalog atomic.Pointer[Catalog]
}

// New loads the catalog at path and fails fast on any malformed entry.
func New(path string, logger *logrus.Logger) (*Registry, error) {
	r := &Registry{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the catalog atomically. Readers holding slices from a
// previous List keep seeing the old catalog, never a torn one.
func (r *Registry) Reload() error {
	catalog, err := LoadCatalog(r.path)
	if err != nil {
		return err
	}

	// Keep the stored order canonical so List is deterministic for
	// identical filters and catalog versions.
	sort.Slice(catalog.Models, func(i, j int) bool {
		a, b := catalog.Models[i], catalog.Models[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.ID < b.ID
	})

	r.catalog.Store(catalog)
	r.logger.WithFields(logrus.Fields{
		"version": catalog.Version,
		"models":  len(catalog.Models),
	}).Info("Model catalog loaded")
	return nil
}

// Version returns the loaded catalog version.
func (r *Registry) Version() string {
	return r.catalog.Load().Version
}

// List returns the models matching the filter, stably sorted by provider
// name then model id.
func (r *Registry) List(filter Filter) []types.ModelDescriptor {
	catalog := r.catalog.Load()

	matched := make([]types.ModelDescriptor, 0, len(catalog.Models))
	for _, m := range catalog.Models {
		if filter.Provider != "" && m.Provider != filter.Provider {
			continue
		}
		if filter.Category != "" && m.Category != filter.Category {
			continue
		}
		if filter.Capability != "" && !m.HasCapability(filter.Capability) {
			continue
		}
		if filter.Tag != "" && !m.HasTag(filter.Tag) {
			continue
		}
		matched = append(matched, m)
	}

	return matched
}

// Get returns the descriptor for a model id.
func (r *Registry) Get(id string) (types.ModelDescriptor, error) {
	catalog := r.catalog.Load()
	for _, m := range catalog.Models {
		if m.ID == id {
			return m, nil
		}
	}
	return types.ModelDescriptor{}, fmt.Errorf("model %q: %w", id, types.ErrUnknownModel)
}

// Providers returns the distinct provider names in the catalog, sorted.
func (r *Registry) Providers() []string {
	catalog := r.catalog.Load()

	seen := make(map[string]bool)
	var providers []string
	for _, m := range catalog.Models {
		if !seen[m.Provider] {
			seen[m.Provider] = true
			providers = append(providers, m.Provider)
		}
	}
	sort.Strings(providers)
	return providers
}

// ModelCount returns how many catalog models belong to a provider.
func (r *Registry) ModelCount(provider string) int {
	count := 0
	for _, m := range r.catalog.Load().Models {
		if m.Provider == provider {
			count++
		}
	}
	return count
}
