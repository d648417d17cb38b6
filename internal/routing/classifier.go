package routing

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/types"
)

// Complexity buckets a request by how much model capacity it likely needs.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

const (
	simpleTokenCeiling   = 300
	standardTokenCeiling = 2000
)

// complexKeywords escalate a prompt one band regardless of its length.
var complexKeywords = []string{
	"step by step",
	"chain of thought",
	"refactor",
	"architecture",
	"prove",
	"formal",
	"analyze in depth",
}

// codeKeywords flag a prompt as code work when no explicit category is set.
var codeKeywords = []string{
	"func ",
	"def ",
	"class ",
	"import ",
	"compile",
	"stack trace",
	"unit test",
	"debug",
}

var translationKeywords = []string{
	"translate",
	"translation",
	"in french",
	"in spanish",
	"in german",
	"in japanese",
}

// Classification is the classifier's read of a single request.
type Classification struct {
	Complexity   Complexity
	Category     types.Category
	PromptTokens int
}

// TokenEstimator counts tokens for a conversation. Satisfied by
// tokens.Estimator.
type TokenEstimator interface {
	EstimateTurns(turns []types.Turn) int
}

// Classifier buckets requests into complexity bands and infers a category
// when the caller did not pin one.
type Classifier struct {
	estimator TokenEstimator
	logger    *logrus.Logger
}

// NewClassifier builds a classifier over the given token estimator.
func NewClassifier(estimator TokenEstimator, logger *logrus.Logger) *Classifier {
	return &Classifier{estimator: estimator, logger: logger}
}

// Classify is deterministic: the same request always yields the same result.
func (c *Classifier) Classify(req *types.RouteRequest) Classification {
	turns := req.AllTurns()
	promptTokens := c.estimator.EstimateTurns(turns)

	lowered := strings.ToLower(collectText(turns))

	complexity := bandForTokens(promptTokens)
	if complexity != ComplexityComplex && shouldEscalate(lowered) {
		complexity = escalate(complexity)
	}

	category := req.Category
	if category == "" {
		category = inferCategory(lowered)
	}

	result := Classification{
		Complexity:   complexity,
		Category:     category,
		PromptTokens: promptTokens,
	}

	c.logger.WithFields(logrus.Fields{
		"request_id":    req.ID,
		"complexity":    result.Complexity,
		"category":      result.Category,
		"prompt_tokens": result.PromptTokens,
	}).Debug("Request classified")

	return result
}

func bandForTokens(tokens int) Complexity {
	switch {
	case tokens <= simpleTokenCeiling:
		return ComplexitySimple
	case tokens <= standardTokenCeiling:
		return ComplexityStandard
	default:
		return ComplexityComplex
	}
}

// shouldEscalate bumps the band when the prompt carries code fences or
// reasoning-heavy keywords.
func shouldEscalate(lowered string) bool {
	if strings.Contains(lowered, "```") {
		return true
	}
	for _, kw := range complexKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func escalate(c Complexity) Complexity {
	if c == ComplexitySimple {
		return ComplexityStandard
	}
	return ComplexityComplex
}

func inferCategory(lowered string) types.Category {
	if strings.Contains(lowered, "```") {
		return types.CategoryCode
	}
	for _, kw := range codeKeywords {
		if strings.Contains(lowered, kw) {
			return types.CategoryCode
		}
	}
	for _, kw := range translationKeywords {
		if strings.Contains(lowered, kw) {
			return types.CategoryTranslation
		}
	}
	return types.CategoryChat
}

func collectText(turns []types.Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return b.String()
}
