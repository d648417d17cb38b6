package types

import (
	"time"
)

// Mode selects between single-model execution and multi-provider
// collaboration, where the fallback chain is forced to span providers.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// Turn is one role/content pair of a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Constraints are optional per-request routing limits.
type Constraints struct {
	MaxCostUSD           *float64     `json:"max_cost_usd,omitempty"`
	MaxLatencyMs         *int64       `json:"max_latency_ms,omitempty"`
	RequiredCapabilities []Capability `json:"required_capabilities,omitempty"`
}

// RouteRequest is the normalized inbound generation request.
type RouteRequest struct {
	ID       string `json:"id,omitempty"`
	Prompt   string `json:"prompt"`
	History  []Turn `json:"history,omitempty"`
	Mode     Mode   `json:"mode,omitempty"`
	UserID   string `json:"user_id"`

	// Optional category override; when empty the classifier decides.
	Category Category `json:"category,omitempty"`

	Constraints *Constraints `json:"constraints,omitempty"`

	Timestamp time.Time `json:"-"`
}

// AllTurns returns the conversation history with the prompt appended as the
// final user turn.
func (r *RouteRequest) AllTurns() []Turn {
	turns := make([]Turn, 0, len(r.History)+1)
	turns = append(turns, r.History...)
	turns = append(turns, Turn{Role: "user", Content: r.Prompt})
	return turns
}
