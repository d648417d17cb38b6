// Package tokens estimates token counts for classification and cost
// pre-checks. Estimates are advisory: billing always uses the token counts
// the provider reports.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/types"
)

const encodingName = "cl100k_base"

// Estimator counts tokens with a tiktoken encoding, falling back to a
// chars/4 heuristic when the encoding is unavailable (e.g. offline start
// with no cached BPE data).
type Estimator struct {
	encoding *tiktoken.Tiktoken
	logger   *logrus.Logger
}

// NewEstimator builds an estimator. Encoding load failure is not fatal.
func NewEstimator(logger *logrus.Logger) *Estimator {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		logger.WithError(err).WithField("encoding", encodingName).
			Warn("Token encoding unavailable, using character heuristic")
		encoding = nil
	}
	return &Estimator{encoding: encoding, logger: logger}
}

// Estimate returns the approximate token count of a text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e.encoding != nil {
		return len(e.encoding.Encode(text, nil, nil))
	}
	// Rough heuristic: ~4 characters per token for mixed prose.
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateTurns returns the approximate token count of a conversation,
// including a small per-turn framing overhead.
func (e *Estimator) EstimateTurns(turns []types.Turn) int {
	total := 0
	for _, turn := range turns {
		total += e.Estimate(turn.Content) + 4
	}
	return total
}
