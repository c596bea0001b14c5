// Package report builds the privacy transparency report: what PII was
// detected for a session, under what consent, and how long the data is
// kept. It reads the vault through the caller-presented capability key
// and never exposes raw values unless consent authorizes the category.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/coverlens/coverlens/pkg/consent"
	"github.com/coverlens/coverlens/pkg/privacy"
	"github.com/coverlens/coverlens/pkg/vault"
)

// ErrUnavailable is returned when the vault has nothing for the session
// or the presented key does not open it.
var ErrUnavailable = errors.New("privacy report unavailable")

// CategoryEntry summarizes detections in one PII category.
type CategoryEntry struct {
	Category string   `json:"category"`
	Count    int      `json:"count"`
	// Values carries originals only for categories the session's
	// consent explicitly authorizes; otherwise it is empty.
	Values []string `json:"values,omitempty"`
}

// Report is the transparency report for one session.
type Report struct {
	SessionID        string          `json:"sessionId"`
	GeneratedAt      time.Time       `json:"generatedAt"`
	Detected         []CategoryEntry `json:"detected"`
	Consent          consent.Choices `json:"consent"`
	ConsentRecorded  *time.Time      `json:"consentRecordedAt,omitempty"`
	RetentionHours   int             `json:"retentionHours"`
	RetentionMessage string          `json:"retentionMessage"`
}

// Builder assembles transparency reports.
type Builder struct {
	vault  *vault.Vault
	ledger consent.Ledger
	logger *slog.Logger
}

// NewBuilder creates a report builder.
func NewBuilder(v *vault.Vault, ledger consent.Ledger, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{vault: v, ledger: ledger, logger: logger}
}

// Build produces the report for a session. vaultKey is the capability
// key material recovered from the caller's privacy token; without a
// valid key the report cannot be built.
func (b *Builder) Build(ctx context.Context, sessionID, vaultKey string) (*Report, error) {
	tokenMap, err := b.vault.Reveal(ctx, sessionID, vaultKey)
	if err != nil {
		if errors.Is(err, vault.ErrMiss) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("revealing vault entry: %w", err)
	}

	record, err := b.ledger.Current(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading consent: %w", err)
	}

	report := &Report{
		SessionID:      sessionID,
		GeneratedAt:    time.Now().UTC(),
		Detected:       categorize(tokenMap, record.Choices),
		Consent:        record.Choices,
		RetentionHours: record.Choices.RetentionHours,
		RetentionMessage: fmt.Sprintf(
			"Original values are deleted automatically %d hours after submission, or immediately on request.",
			record.Choices.RetentionHours),
	}
	if !record.RecordedAt.IsZero() {
		recorded := record.RecordedAt
		report.ConsentRecorded = &recorded
	}
	return report, nil
}

// categorize folds the token map into per-category entries. Original
// values appear only where consent authorizes the category.
func categorize(tokenMap map[string]string, choices consent.Choices) []CategoryEntry {
	inventory := privacy.InventoryFromTokenMap(tokenMap)

	values := make(map[privacy.Category][]string)
	for _, category := range authorizedCategories(choices) {
		prefix := "[" + string(category) + "_"
		for token, value := range tokenMap {
			if strings.HasPrefix(token, prefix) {
				values[category] = append(values[category], value)
			}
		}
		sort.Strings(values[category])
	}

	// Stable order: domain categories first, fallback last.
	order := []privacy.Category{
		privacy.CategoryName, privacy.CategoryEmail, privacy.CategoryPhone,
		privacy.CategoryAddress, privacy.CategoryDOB, privacy.CategoryPremium,
		privacy.CategoryPolicy, privacy.CategoryMedical, privacy.CategoryDocument,
	}

	entries := make([]CategoryEntry, 0, len(inventory))
	for _, category := range order {
		count, ok := inventory[category]
		if !ok {
			continue
		}
		entries = append(entries, CategoryEntry{
			Category: string(category),
			Count:    count,
			Values:   values[category],
		})
	}
	return entries
}

// authorizedCategories maps consent toggles to the categories whose
// original values the report may include.
func authorizedCategories(choices consent.Choices) []privacy.Category {
	var categories []privacy.Category
	if choices.IncludeName {
		categories = append(categories, privacy.CategoryName)
	}
	if choices.IncludePremiumFigures {
		categories = append(categories, privacy.CategoryPremium)
	}
	return categories
}
