package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/model-router/internal/types"
)

// Catalog is the on-disk model catalog format. The version string identifies
// the catalog revision a routing decision was made against.
type Catalog struct {
	Version string                  `yaml:"version"`
	Models  []types.ModelDescriptor `yaml:"models"`
}

// LoadCatalog reads and validates a catalog file. Any malformed entry aborts
// the load; the process must fail fast rather than serve a partial catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	if err := catalog.validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	return &catalog, nil
}

// validate rejects malformed entries and duplicate model ids.
func (c *Catalog) validate() error {
	if c.Version == "" {
		return fmt.Errorf("catalog version is required")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("catalog must contain at least one model")
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model at index %d has no id", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true

		if m.Provider == "" {
			return fmt.Errorf("model %s has no provider", m.ID)
		}
		if m.Category == "" {
			return fmt.Errorf("model %s has no category", m.ID)
		}
		if m.ContextWindow <= 0 {
			return fmt.Errorf("model %s has non-positive context window %d", m.ID, m.ContextWindow)
		}
		if m.CostPerInputToken < 0 || m.CostPerOutputToken < 0 {
			return fmt.Errorf("model %s has negative token cost", m.ID)
		}
	}

	return nil
}
