package types

// Generation is the normalized output of a single provider call.
type Generation struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// RouteResponse is returned to the caller once a candidate has produced a
// generation and metering has run.
type RouteResponse struct {
	RequestID string `json:"request_id"`

	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`

	// CreditsCharged is zero and Billed false when the debit was rejected
	// for insufficient balance; the generation is still returned and the
	// usage record is flagged for reconciliation.
	CreditsCharged int64 `json:"credits_charged"`
	Billed         bool  `json:"billed"`

	LatencyMs       int64    `json:"latency_ms"`
	ComplexityClass string   `json:"complexity_class"`
	Attempts        int      `json:"attempts"`
	Reasoning       []string `json:"reasoning,omitempty"`
}
