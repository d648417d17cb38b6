package ledger

import "time"

// CreditAccount is a user's credit balance. Mutated only through Debit and
// CreditUser, never read-modify-written from application code.
type CreditAccount struct {
	UserID        string `gorm:"primaryKey;size:128" json:"user_id"`
	CreditBalance int64  `gorm:"not null;default:0" json:"credit_balance"`
	TotalSpent    int64  `gorm:"not null;default:0" json:"total_spent"`
	TotalEarned   int64  `gorm:"not null;default:0" json:"total_earned"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UsageRecord is one row per attempted provider call, successful or not.
// The table is append-only.
type UsageRecord struct {
	ID             string `gorm:"primaryKey;size:36" json:"id"`
	RequestID      string `gorm:"index;size:36" json:"request_id"`
	UserID         string `gorm:"index;size:128" json:"user_id"`
	Provider       string `gorm:"size:64" json:"provider"`
	Model          string `gorm:"size:128" json:"model"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	TotalTokens    int    `json:"total_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	CreditsCharged int64   `json:"credits_charged"`
	LatencyMs      int64   `json:"latency_ms"`
	Success        bool    `json:"success"`

	// Billed is false when the debit was skipped or refused; such rows are
	// the reconciliation backlog.
	Billed bool `json:"billed"`

	ErrorMessage string `gorm:"size:512" json:"error_message,omitempty"`
	CreatedAt    time.Time
}

// UsageRollup is the per-day, per-provider, per-model aggregate. Averages
// are maintained incrementally, never by rescanning UsageRecord.
type UsageRollup struct {
	Day      string `gorm:"primaryKey;size:10" json:"day"`
	Provider string `gorm:"primaryKey;size:64" json:"provider"`
	Model    string `gorm:"primaryKey;size:128" json:"model"`

	Requests     int64   `gorm:"not null;default:0" json:"requests"`
	Successes    int64   `gorm:"not null;default:0" json:"successes"`
	InputTokens  int64   `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens int64   `gorm:"not null;default:0" json:"output_tokens"`
	CostUSD      float64 `gorm:"not null;default:0" json:"cost_usd"`
	Credits      int64   `gorm:"not null;default:0" json:"credits"`
	AvgLatencyMs float64 `gorm:"not null;default:0" json:"avg_latency_ms"`

	UpdatedAt time.Time
}
