// Package consent provides the append-only consent ledger. Every change
// creates a new record version; nothing is overwritten or deleted by
// normal operation, so the full history of what a user authorized, when
// and from where stays auditable — including deletion requests, which
// are themselves recorded as consent resets.
package consent

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// ReasonDataDeletion marks a consent record written because the user
// requested deletion of their data.
const ReasonDataDeletion = "data-deletion"

// defaultRetentionHours is the most conservative retention window.
const defaultRetentionHours = 24

// Choices is the set of named toggles a user can authorize.
type Choices struct {
	IncludeName           bool `json:"include_name"`
	IncludePremiumFigures bool `json:"include_premium_figures"`
	RetentionHours        int  `json:"data_retention_window_hours"`
}

// Retention returns the retention window as a duration.
func (c Choices) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Record is one consent snapshot for a session.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Choices    Choices   `json:"choices"`
	RecordedAt time.Time `json:"recorded_at"`
	SourceIP   string    `json:"source_ip"`
	UserAgent  string    `json:"user_agent"`
	Reason     string    `json:"reason,omitempty"`
}

// Ledger defines the append-only consent store.
type Ledger interface {
	// Record appends a new consent version. The record's ID and
	// RecordedAt are assigned by the caller via NewRecord.
	Record(ctx context.Context, r *Record) error

	// Current returns the most recent consent for a session, or the
	// conservative default when none was ever recorded.
	Current(ctx context.Context, sessionID string) (*Record, error)

	// History returns all consent versions for a session, newest first.
	History(ctx context.Context, sessionID string) ([]*Record, error)
}

// DefaultChoices is the most conservative consent: no optional data
// included, shortest retention.
func DefaultChoices() Choices {
	return Choices{
		IncludeName:           false,
		IncludePremiumFigures: false,
		RetentionHours:        defaultRetentionHours,
	}
}

// DefaultRecord builds the synthetic record returned when a session has
// no recorded consent.
func DefaultRecord(sessionID string) *Record {
	return &Record{
		SessionID: sessionID,
		Choices:   DefaultChoices(),
	}
}

// NewRecord builds a consent record ready to append.
func NewRecord(sessionID string, choices Choices, sourceIP, userAgent, reason string) *Record {
	if choices.RetentionHours <= 0 || choices.RetentionHours > 7*24 {
		choices.RetentionHours = defaultRetentionHours
	}
	return &Record{
		ID:         generateRecordID(),
		SessionID:  sessionID,
		Choices:    choices,
		RecordedAt: time.Now().UTC(),
		SourceIP:   sourceIP,
		UserAgent:  userAgent,
		Reason:     reason,
	}
}

func generateRecordID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}
