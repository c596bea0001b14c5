// Package insight defines the language-model collaborator used by the
// analysis pipeline. The service receives anonymized policy text and
// returns structured policy features; it also produces short free-text
// explanations used by the scoring layer. Implementations must never be
// handed raw (non-anonymized) document content.
package insight

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PolicyFeatures is the structured output of the analyze stage.
type PolicyFeatures struct {
	CoverageType     string          `json:"coverage_type"`
	AnnualPremium    decimal.Decimal `json:"annual_premium"`
	Deductible       decimal.Decimal `json:"deductible"`
	CoverageLimit    decimal.Decimal `json:"coverage_limit"`
	PolicyTermMonths int             `json:"policy_term_months"`
	Benefits         []string        `json:"benefits"`
	Exclusions       []string        `json:"exclusions"`
	Jurisdiction     string          `json:"jurisdiction"`
	Confidence       float64         `json:"confidence"`
}

// Service is the narrow contract the pipeline holds toward the model.
type Service interface {
	// ExtractFeatures derives policy features from anonymized text.
	ExtractFeatures(ctx context.Context, anonymizedText, jurisdiction string) (*PolicyFeatures, error)

	// Explain produces a short comparison rationale for a candidate
	// policy against the user's features. Failures here degrade to a
	// generated rationale and never fail the pipeline.
	Explain(ctx context.Context, features *PolicyFeatures, candidateName string, score float64) (string, error)
}

// Kind classifies service failures for retry decisions.
type Kind string

const (
	KindRateLimited  Kind = "rate-limited"
	KindUnavailable  Kind = "unavailable"
	KindInvalidInput Kind = "invalid-input"
)

// Error is a typed failure from the model service.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("insight service %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the pipeline may retry the failed call.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnavailable
}
