package score

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Catalog holds provider policies keyed by jurisdiction (ISO country code).
type Catalog struct {
	policies map[string][]CandidatePolicy
}

// candidateYAML is the on-disk shape of one policy. Monetary amounts are
// strings in the file and converted to decimals on load.
type candidateYAML struct {
	ID            string   `yaml:"id"`
	Provider      string   `yaml:"provider"`
	Name          string   `yaml:"name"`
	CoverageType  string   `yaml:"coverage_type"`
	AnnualPremium string   `yaml:"annual_premium"`
	Deductible    string   `yaml:"deductible"`
	CoverageLimit string   `yaml:"coverage_limit"`
	Benefits      []string `yaml:"benefits"`
	Exclusions    []string `yaml:"exclusions"`
}

type catalogFile struct {
	Jurisdictions map[string][]candidateYAML `yaml:"jurisdictions"`
}

// LoadCatalog reads a jurisdiction-keyed policy catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from service config
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if len(file.Jurisdictions) == 0 {
		return nil, fmt.Errorf("catalog defines no jurisdictions")
	}

	policies := make(map[string][]CandidatePolicy, len(file.Jurisdictions))
	for jurisdiction, entries := range file.Jurisdictions {
		converted := make([]CandidatePolicy, 0, len(entries))
		for _, e := range entries {
			candidate, err := e.toPolicy()
			if err != nil {
				return nil, fmt.Errorf("catalog policy %q (%s): %w", e.ID, jurisdiction, err)
			}
			converted = append(converted, candidate)
		}
		policies[jurisdiction] = converted
	}
	return &Catalog{policies: policies}, nil
}

func (e candidateYAML) toPolicy() (CandidatePolicy, error) {
	premium, err := parseAmount(e.AnnualPremium)
	if err != nil {
		return CandidatePolicy{}, fmt.Errorf("annual_premium: %w", err)
	}
	deductible, err := parseAmount(e.Deductible)
	if err != nil {
		return CandidatePolicy{}, fmt.Errorf("deductible: %w", err)
	}
	limit, err := parseAmount(e.CoverageLimit)
	if err != nil {
		return CandidatePolicy{}, fmt.Errorf("coverage_limit: %w", err)
	}
	return CandidatePolicy{
		ID:            e.ID,
		Provider:      e.Provider,
		Name:          e.Name,
		CoverageType:  e.CoverageType,
		AnnualPremium: premium,
		Deductible:    deductible,
		CoverageLimit: limit,
		Benefits:      e.Benefits,
		Exclusions:    e.Exclusions,
	}, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// NewCatalog builds a catalog from an in-memory map. Used by tests and
// by callers that source the catalog elsewhere.
func NewCatalog(policies map[string][]CandidatePolicy) *Catalog {
	return &Catalog{policies: policies}
}

// Lookup returns the candidate policies for a jurisdiction. Unknown
// jurisdictions return ok=false; the pipeline treats that as terminal.
func (c *Catalog) Lookup(jurisdiction string) ([]CandidatePolicy, bool) {
	policies, ok := c.policies[jurisdiction]
	return policies, ok
}

// Jurisdictions lists the jurisdictions the catalog covers.
func (c *Catalog) Jurisdictions() []string {
	out := make([]string, 0, len(c.policies))
	for j := range c.policies {
		out = append(out, j)
	}
	return out
}
