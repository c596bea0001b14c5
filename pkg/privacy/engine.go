// Package privacy implements the anonymization engine: PII spans are
// detected in raw text and replaced with stable placeholder tokens
// before any downstream model call. The original values travel only
// into the encrypted vault, reversible solely by the holder of the
// per-session key.
package privacy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coverlens/coverlens/pkg/vault"
)

// AnonymizedDocument is the privacy-transformed version of a submission.
type AnonymizedDocument struct {
	SessionID           string
	AnonymizedContent   string
	PIIDetected         bool
	DetectionConfidence float64

	// VaultKey is the per-session key material, returned exactly once.
	// It is capability-bearing and must never be persisted or logged.
	VaultKey string

	// Degraded marks the conservative whole-document fallback taken
	// when the detector itself failed.
	Degraded bool

	// Inventory counts detections per category. It contains no raw
	// values and is safe to surface in transparency reports.
	Inventory map[Category]int
}

// Engine detects and isolates PII.
type Engine struct {
	detector Detector
	vault    *vault.Vault
	logger   *slog.Logger
}

// NewEngine creates an anonymization engine.
func NewEngine(detector Detector, v *vault.Vault, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{detector: detector, vault: v, logger: logger}
}

// DetectAndIsolate anonymizes rawText for a session. When PII is found
// the token map is stored in the vault until expiresAt and the key is
// returned on the document.
//
// Detector failure never passes raw text onward: the whole document is
// replaced with a single opaque token and, when possible, vaulted so
// the session holder can still reveal it.
func (e *Engine) DetectAndIsolate(ctx context.Context, rawText, sessionID string, expiresAt time.Time) (*AnonymizedDocument, error) {
	detections, err := e.detector.Detect(ctx, rawText)
	if err != nil {
		e.logger.Warn("pii detection degraded to full redaction",
			"session_id", sessionID, "error", err)
		return e.redactWholeDocument(ctx, rawText, sessionID, expiresAt)
	}

	if len(detections) == 0 {
		return &AnonymizedDocument{
			SessionID:           sessionID,
			AnonymizedContent:   rawText,
			PIIDetected:         false,
			DetectionConfidence: 1.0,
			Inventory:           map[Category]int{},
		}, nil
	}

	content, tokenMap, inventory := tokenize(rawText, detections)

	key, err := e.vault.Store(ctx, sessionID, tokenMap, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("storing pii vault entry: %w", err)
	}

	var confidenceSum float64
	for _, d := range detections {
		confidenceSum += d.Confidence
	}

	e.logger.Info("pii isolated",
		"session_id", sessionID,
		"detections", len(detections),
		"categories", len(inventory))

	return &AnonymizedDocument{
		SessionID:           sessionID,
		AnonymizedContent:   content,
		PIIDetected:         true,
		DetectionConfidence: confidenceSum / float64(len(detections)),
		VaultKey:            key,
		Inventory:           inventory,
	}, nil
}

// redactWholeDocument is the conservative fallback: one opaque token,
// zero confidence, reversible only if the vault write still succeeds.
func (e *Engine) redactWholeDocument(ctx context.Context, rawText, sessionID string, expiresAt time.Time) (*AnonymizedDocument, error) {
	const token = "[DOCUMENT_1]"

	doc := &AnonymizedDocument{
		SessionID:           sessionID,
		AnonymizedContent:   token,
		PIIDetected:         true,
		DetectionConfidence: 0.0,
		Degraded:            true,
		Inventory:           map[Category]int{CategoryDocument: 1},
	}

	key, err := e.vault.Store(ctx, sessionID, map[string]string{token: rawText}, expiresAt)
	if err != nil {
		// Reversal is lost but no raw PII leaks; the pipeline continues.
		e.logger.Error("vault write failed during degraded redaction; document is irreversible",
			"session_id", sessionID, "error", err)
		return doc, nil
	}
	doc.VaultKey = key
	return doc, nil
}

// tokenize replaces detected spans with [CATEGORY_N] tokens. Repeated
// occurrences of the same value share one token so downstream structure
// stays coherent.
func tokenize(text string, detections []Detection) (string, map[string]string, map[Category]int) {
	tokenMap := make(map[string]string, len(detections))
	inventory := make(map[Category]int)
	byValue := make(map[string]string, len(detections))
	counters := make(map[Category]int)

	var b strings.Builder
	b.Grow(len(text))
	last := 0

	for _, d := range detections {
		if d.Start < last {
			continue
		}
		valueKey := string(d.Category) + "\x00" + d.Value
		token, ok := byValue[valueKey]
		if !ok {
			counters[d.Category]++
			token = fmt.Sprintf("[%s_%d]", d.Category, counters[d.Category])
			byValue[valueKey] = token
			tokenMap[token] = d.Value
			inventory[d.Category]++
		}
		b.WriteString(text[last:d.Start])
		b.WriteString(token)
		last = d.End
	}
	b.WriteString(text[last:])

	return b.String(), tokenMap, inventory
}

// InventoryFromTokenMap rebuilds the per-category counts from a revealed
// token map; used by transparency reports, which must reflect what was
// actually captured.
func InventoryFromTokenMap(tokenMap map[string]string) map[Category]int {
	inventory := make(map[Category]int)
	for token := range tokenMap {
		trimmed := strings.TrimSuffix(strings.TrimPrefix(token, "["), "]")
		idx := strings.LastIndex(trimmed, "_")
		if idx <= 0 {
			continue
		}
		inventory[Category(trimmed[:idx])]++
	}
	return inventory
}
