// Package flags gates capabilities, providers, and models per user through
// feature flags with deterministic percentage rollouts.
package flags

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
)

// Flag is a feature flag definition.
type Flag struct {
	ID                string          `json:"id"`
	Enabled           bool            `json:"enabled"`
	RolloutPercentage int             `json:"rollout_percentage"`
	AllowedUsers      map[string]bool `json:"allowed_users,omitempty"`
	BlockedUsers      map[string]bool `json:"blocked_users,omitempty"`
}

// Gate evaluates flags against user identity.
type Gate struct {
	store  Store
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewGate builds a gate over a flag store.
func NewGate(store Store, logger *logrus.Logger) *Gate {
	return &Gate{
		store:  store,
		logger: logger,
		rand:   rand.New(rand.NewSource(rand.Int63())),
	}
}

// IsEnabled decides whether a flag applies to a user. Evaluation order:
// disabled globally, block list, allow list (overrides rollout), then the
// deterministic percentage rollout. Unknown flags fail closed.
func (g *Gate) IsEnabled(ctx context.Context, flagID, userID string) bool {
	flag, err := g.store.GetFlag(ctx, flagID)
	if err != nil {
		if !errors.Is(err, ErrFlagNotFound) {
			g.logger.WithError(err).WithField("flag", flagID).Warn("Flag lookup failed")
		}
		return false
	}
	return g.evaluate(flag, userID)
}

func (g *Gate) evaluate(flag *Flag, userID string) bool {
	if !flag.Enabled {
		return false
	}

	// Allow/block lists require identity; anonymous callers skip them.
	if userID != "" {
		if flag.BlockedUsers[userID] {
			return false
		}
		if flag.AllowedUsers[userID] {
			return true
		}
	}

	if flag.RolloutPercentage >= 100 {
		return true
	}
	if flag.RolloutPercentage <= 0 {
		return false
	}

	if userID == "" {
		// Anonymous callers get a random sample for percentage rollouts
		// only, never for allow/block membership.
		g.mu.Lock()
		sample := g.rand.Intn(100)
		g.mu.Unlock()
		return sample < flag.RolloutPercentage
	}

	return rolloutBucket(userID) < flag.RolloutPercentage
}

// rolloutBucket maps a user id to a stable bucket in [0, 100). Identical
// inputs always land in the same bucket, so a user's rollout membership is
// stable across repeated calls.
func rolloutBucket(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % 100)
}
