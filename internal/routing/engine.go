// Package routing turns a classified request plus the current catalog,
// health, and flag state into an ordered candidate chain. The engine is
// pure: given the same inputs it always produces the same decision, and it
// never performs I/O of its own.
package routing

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/types"
)

// Scoring weights. Cost dominates, latency second, the rest nudges ties.
const (
	weightCost       = 0.40
	weightLatency    = 0.30
	weightCapability = 0.15
	weightTag        = 0.15
)

// Expected completion sizes per band, used for cost estimation only.
const (
	outputTokensSimple   = 150
	outputTokensStandard = 500
	outputTokensComplex  = 1500
)

// maxFallbacks caps the chain at one primary plus three alternates.
const maxFallbacks = 3

// Flag identifiers the engine consults on every decision.
const (
	FlagRoutingEnabled = "routing:enabled"
	flagProviderPrefix = "provider:"
)

// GateFunc answers whether a flag is enabled for a user. Satisfied by
// flags.Gate.IsEnabled.
type GateFunc func(flagID, userID string) bool

// ProviderFlag names the kill-switch flag for a provider.
func ProviderFlag(provider string) string {
	return flagProviderPrefix + provider
}

// Candidate is one scored entry in a decision's chain.
type Candidate struct {
	Model            types.ModelDescriptor `json:"model"`
	Score            float64               `json:"score"`
	EstimatedCostUSD float64               `json:"estimated_cost_usd"`
	Offline          bool                  `json:"offline"`
	Reasoning        string                `json:"reasoning"`
}

// Decision is an ordered execution plan: try Primary, then Fallbacks in
// order.
type Decision struct {
	Complexity Complexity     `json:"complexity"`
	Category   types.Category `json:"category"`
	Primary    Candidate      `json:"primary"`
	Fallbacks  []Candidate    `json:"fallbacks"`
	Reasoning  []string       `json:"reasoning"`
}

// Chain returns the primary followed by the fallbacks.
func (d *Decision) Chain() []Candidate {
	chain := make([]Candidate, 0, 1+len(d.Fallbacks))
	chain = append(chain, d.Primary)
	chain = append(chain, d.Fallbacks...)
	return chain
}

// Engine scores eligible models and assembles failover chains.
type Engine struct {
	logger *logrus.Logger
}

// NewEngine builds a routing engine.
func NewEngine(logger *logrus.Logger) *Engine {
	return &Engine{logger: logger}
}

// Decide picks a primary model and up to three fallbacks for the request.
//
// Filtering happens in a fixed order: global and per-provider flags first,
// then category, capabilities, complexity fit, and explicit constraints.
// Offline providers are dropped from the pool unless doing so would empty
// it, in which case they are kept as a last resort and flagged as such.
func (e *Engine) Decide(models []types.ModelDescriptor, health map[string]types.ProviderHealth, gate GateFunc, req *types.RouteRequest, cls Classification) (*Decision, error) {
	if !gate(FlagRoutingEnabled, req.UserID) {
		return nil, fmt.Errorf("routing disabled: %w", types.ErrFlagDenied)
	}

	reasoning := []string{
		fmt.Sprintf("classified as %s/%s (%d prompt tokens)", cls.Category, cls.Complexity, cls.PromptTokens),
	}

	pool, flagDropped := e.filterFlags(models, gate, req.UserID)
	if len(pool) == 0 {
		if flagDropped > 0 {
			return nil, fmt.Errorf("all providers gated off: %w", types.ErrFlagDenied)
		}
		return nil, types.ErrNoEligibleModels
	}

	pool = filterCategory(pool, cls.Category)
	if len(pool) == 0 {
		return nil, fmt.Errorf("no models for category %q: %w", cls.Category, types.ErrNoEligibleModels)
	}

	if req.Constraints != nil {
		pool = filterCapabilities(pool, req.Constraints.RequiredCapabilities)
		if len(pool) == 0 {
			return nil, fmt.Errorf("no models with required capabilities: %w", types.ErrNoEligibleModels)
		}
	}

	pool = filterComplexity(pool, cls.Complexity)
	if len(pool) == 0 {
		return nil, fmt.Errorf("no models sized for %s requests: %w", cls.Complexity, types.ErrNoEligibleModels)
	}

	if req.Constraints != nil {
		var err error
		pool, err = filterConstraints(pool, health, req.Constraints, cls)
		if err != nil {
			return nil, err
		}
	}

	// Drop offline providers, but never route into an empty pool: a fully
	// offline fleet still gets a chain so the executor can try its luck.
	online := filterOffline(pool, health)
	lastResort := len(online) == 0
	if lastResort {
		reasoning = append(reasoning, "all eligible providers offline, keeping them as last resort")
	} else {
		pool = online
	}

	candidates := e.score(pool, health, cls, lastResort)
	sortCandidates(candidates)

	decision := &Decision{
		Complexity: cls.Complexity,
		Category:   cls.Category,
		Primary:    candidates[0],
		Fallbacks:  pickFallbacks(candidates, req.Mode),
		Reasoning:  append(reasoning, candidates[0].Reasoning),
	}

	e.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"primary":    decision.Primary.Model.ID,
		"provider":   decision.Primary.Model.Provider,
		"fallbacks":  len(decision.Fallbacks),
		"complexity": cls.Complexity,
	}).Info("Routing decision made")

	return decision, nil
}

// filterFlags removes models whose provider is gated off for this user and
// reports how many were dropped that way.
func (e *Engine) filterFlags(models []types.ModelDescriptor, gate GateFunc, userID string) ([]types.ModelDescriptor, int) {
	allowed := make(map[string]bool)
	kept := make([]types.ModelDescriptor, 0, len(models))
	dropped := 0

	for _, m := range models {
		ok, seen := allowed[m.Provider]
		if !seen {
			ok = gate(ProviderFlag(m.Provider), userID)
			allowed[m.Provider] = ok
		}
		if ok {
			kept = append(kept, m)
		} else {
			dropped++
		}
	}
	return kept, dropped
}

func filterCategory(models []types.ModelDescriptor, category types.Category) []types.ModelDescriptor {
	kept := models[:0:0]
	for _, m := range models {
		if m.Category == category {
			kept = append(kept, m)
		}
	}
	return kept
}

func filterCapabilities(models []types.ModelDescriptor, required []types.Capability) []types.ModelDescriptor {
	if len(required) == 0 {
		return models
	}
	kept := models[:0:0]
	for _, m := range models {
		all := true
		for _, c := range required {
			if !m.HasCapability(c) {
				all = false
				break
			}
		}
		if all {
			kept = append(kept, m)
		}
	}
	return kept
}

// filterComplexity narrows the pool for complex requests. When any model
// carries the "large" tag the pool collapses to those; otherwise a roomy
// context window is enough.
func filterComplexity(models []types.ModelDescriptor, c Complexity) []types.ModelDescriptor {
	if c != ComplexityComplex {
		return models
	}
	var large, roomy []types.ModelDescriptor
	for _, m := range models {
		switch {
		case m.HasTag("large"):
			large = append(large, m)
		case m.ContextWindow >= 32000:
			roomy = append(roomy, m)
		}
	}
	if len(large) > 0 {
		return large
	}
	return roomy
}

func filterConstraints(models []types.ModelDescriptor, health map[string]types.ProviderHealth, cons *types.Constraints, cls Classification) ([]types.ModelDescriptor, error) {
	kept := models[:0:0]
	for _, m := range models {
		if cons.MaxCostUSD != nil && estimateCost(m, cls) > *cons.MaxCostUSD {
			continue
		}
		if cons.MaxLatencyMs != nil {
			// Unknown latency passes; constraints reject only measured
			// violations.
			if h, ok := health[m.Provider]; ok && h.LatencyMs > 0 && h.LatencyMs > *cons.MaxLatencyMs {
				continue
			}
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("no models satisfy request constraints: %w", types.ErrNoEligibleModels)
	}
	return kept, nil
}

func filterOffline(models []types.ModelDescriptor, health map[string]types.ProviderHealth) []types.ModelDescriptor {
	kept := models[:0:0]
	for _, m := range models {
		if h, ok := health[m.Provider]; ok && h.Status == types.HealthOffline {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// score builds candidates with normalized cost and latency over the pool.
func (e *Engine) score(pool []types.ModelDescriptor, health map[string]types.ProviderHealth, cls Classification, lastResort bool) []Candidate {
	costs := make([]float64, len(pool))
	latencies := make([]float64, len(pool))

	minCost, maxCost := math.Inf(1), math.Inf(-1)
	maxLatency := float64(0)
	for i, m := range pool {
		costs[i] = estimateCost(m, cls)
		if costs[i] < minCost {
			minCost = costs[i]
		}
		if costs[i] > maxCost {
			maxCost = costs[i]
		}
		// A stale snapshot still carries its old latency; once the monitor
		// reports the provider unknown that measurement no longer counts.
		if h, ok := health[m.Provider]; ok && h.LatencyMs > 0 && h.Status != types.HealthUnknown {
			latencies[i] = float64(h.LatencyMs)
		} else {
			latencies[i] = -1 // unmeasured, resolved below
		}
		if latencies[i] > maxLatency {
			maxLatency = latencies[i]
		}
	}
	if maxLatency == 0 {
		maxLatency = 1
	}
	// Unknown latency scores as the worst observed, never as the best.
	for i := range latencies {
		if latencies[i] < 0 {
			latencies[i] = maxLatency
		}
	}

	candidates := make([]Candidate, len(pool))
	for i, m := range pool {
		normCost := 0.0
		if maxCost > minCost {
			normCost = (costs[i] - minCost) / (maxCost - minCost)
		}
		normLatency := latencies[i] / maxLatency

		score := weightCost*(1-normCost) +
			weightLatency*(1-normLatency) +
			weightCapability*capabilityBonus(m) +
			weightTag*tagBonus(m, cls.Complexity)

		offline := false
		if h, ok := health[m.Provider]; ok && h.Status == types.HealthOffline {
			offline = true
		}

		candidates[i] = Candidate{
			Model:            m,
			Score:            score,
			EstimatedCostUSD: costs[i],
			Offline:          offline && lastResort,
			Reasoning: fmt.Sprintf("%s scored %.3f (est $%.6f, %s latency %.0fms)",
				m.ID, score, costs[i], m.Provider, latencies[i]),
		}
	}
	return candidates
}

func capabilityBonus(m types.ModelDescriptor) float64 {
	bonus := float64(len(m.Capabilities)) / 4
	if bonus > 1 {
		bonus = 1
	}
	return bonus
}

// tagBonus rewards models whose operator tag matches the band: fast models
// for simple work, large models for complex work.
func tagBonus(m types.ModelDescriptor, c Complexity) float64 {
	switch c {
	case ComplexitySimple:
		if m.HasTag("fast") {
			return 1
		}
	case ComplexityComplex:
		if m.HasTag("large") {
			return 1
		}
	case ComplexityStandard:
		if m.HasTag("balanced") {
			return 1
		}
	}
	return 0
}

func estimateCost(m types.ModelDescriptor, cls Classification) float64 {
	return float64(cls.PromptTokens)*m.CostPerInputToken +
		float64(expectedOutputTokens(cls.Complexity))*m.CostPerOutputToken
}

func expectedOutputTokens(c Complexity) int {
	switch c {
	case ComplexitySimple:
		return outputTokensSimple
	case ComplexityComplex:
		return outputTokensComplex
	default:
		return outputTokensStandard
	}
}

// sortCandidates orders by score descending, breaking ties toward the
// cheaper model and then lexically by id so decisions stay deterministic.
func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].EstimatedCostUSD != candidates[j].EstimatedCostUSD {
			return candidates[i].EstimatedCostUSD < candidates[j].EstimatedCostUSD
		}
		return candidates[i].Model.ID < candidates[j].Model.ID
	})
}

// pickFallbacks takes up to maxFallbacks alternates after the primary. In
// multi mode every entry in the chain must come from a distinct provider.
func pickFallbacks(candidates []Candidate, mode types.Mode) []Candidate {
	if len(candidates) <= 1 {
		return nil
	}

	seen := map[string]bool{candidates[0].Model.Provider: true}
	var fallbacks []Candidate
	for _, c := range candidates[1:] {
		if len(fallbacks) == maxFallbacks {
			break
		}
		if mode == types.ModeMulti && seen[c.Model.Provider] {
			continue
		}
		seen[c.Model.Provider] = true
		fallbacks = append(fallbacks, c)
	}
	return fallbacks
}
