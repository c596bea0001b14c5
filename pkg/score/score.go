// Package score ranks catalog policies against extracted user policy
// features. Scoring is a pure function of its inputs; the pipeline
// persists its output verbatim.
package score

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coverlens/coverlens/pkg/insight"
)

// CandidatePolicy is one provider policy from the catalog.
type CandidatePolicy struct {
	ID            string          `json:"id"`
	Provider      string          `json:"provider"`
	Name          string          `json:"name"`
	CoverageType  string          `json:"coverage_type"`
	AnnualPremium decimal.Decimal `json:"annual_premium"`
	Deductible    decimal.Decimal `json:"deductible"`
	CoverageLimit decimal.Decimal `json:"coverage_limit"`
	Benefits      []string        `json:"benefits"`
	Exclusions    []string        `json:"exclusions"`
}

// ComparisonResult is one ranked candidate.
type ComparisonResult struct {
	PolicyID     string          `json:"policy_id"`
	Provider     string          `json:"provider"`
	Name         string          `json:"name"`
	Score        float64         `json:"score"`
	PremiumDelta decimal.Decimal `json:"premium_delta"`
	Reasoning    string          `json:"reasoning"`
}

// AnalysisResults is the terminal artifact of a completed session.
type AnalysisResults struct {
	UserPolicyFeatures  *insight.PolicyFeatures `json:"userPolicyFeatures"`
	Comparisons         []ComparisonResult      `json:"comparisons"`
	PIIDetected         bool                    `json:"pii_detected"`
	DetectionConfidence float64                 `json:"detection_confidence"`
	PrivacyToken        string                  `json:"privacy_token,omitempty"`
	GeneratedAt         time.Time               `json:"generated_at"`
}

// Weighting constants. Premium proximity dominates; benefit overlap and
// deductible proximity refine the ordering.
const (
	premiumWeight    = 0.45
	benefitWeight    = 0.30
	deductibleWeight = 0.15
	coverageWeight   = 0.10
)

// Score rates a single candidate against the user's features, in [0, 1].
func Score(features *insight.PolicyFeatures, candidate CandidatePolicy) ComparisonResult {
	s := premiumWeight*proximity(features.AnnualPremium, candidate.AnnualPremium) +
		benefitWeight*overlap(features.Benefits, candidate.Benefits) +
		deductibleWeight*proximity(features.Deductible, candidate.Deductible) +
		coverageWeight*coverageMatch(features.CoverageType, candidate.CoverageType)

	delta := candidate.AnnualPremium.Sub(features.AnnualPremium)
	return ComparisonResult{
		PolicyID:     candidate.ID,
		Provider:     candidate.Provider,
		Name:         candidate.Name,
		Score:        s,
		PremiumDelta: delta,
		Reasoning:    defaultReasoning(candidate, delta, s),
	}
}

// Rank scores every candidate and returns them ordered best-first.
func Rank(features *insight.PolicyFeatures, candidates []CandidatePolicy) []ComparisonResult {
	results := make([]ComparisonResult, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, Score(features, c))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// proximity maps two amounts to [0,1]: identical amounts score 1,
// a 100% relative difference scores 0.
func proximity(a, b decimal.Decimal) float64 {
	if a.IsZero() && b.IsZero() {
		return 1
	}
	base := decimal.Max(a.Abs(), b.Abs())
	if base.IsZero() {
		return 1
	}
	diff, _ := a.Sub(b).Abs().Div(base).Float64()
	if diff > 1 {
		return 0
	}
	return 1 - diff
}

// overlap is the fraction of the user's benefits a candidate also carries.
func overlap(want, have []string) float64 {
	if len(want) == 0 {
		return 1
	}
	set := make(map[string]bool, len(have))
	for _, b := range have {
		set[b] = true
	}
	matched := 0
	for _, b := range want {
		if set[b] {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}

func coverageMatch(want, have string) float64 {
	if want == "" || want == have {
		return 1
	}
	return 0
}

func defaultReasoning(c CandidatePolicy, premiumDelta decimal.Decimal, s float64) string {
	direction := "higher"
	if premiumDelta.IsNegative() {
		direction = "lower"
	}
	return fmt.Sprintf("%s %s scores %.2f: annual premium is %s %s than your current policy with %d listed benefits.",
		c.Provider, c.Name, s, premiumDelta.Abs().StringFixed(2), direction, len(c.Benefits))
}
