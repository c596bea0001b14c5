// Package session provides the session lifecycle for policy analysis
// requests. It defines the Store interface for session persistence and
// the state machine created -> processing -> {completed, failed}, with
// expiry derived lazily at read time.
//
// A session is written only by its own orchestrator task; all other
// components read through GetProgress/GetResults. Stores enforce the
// transition rules so a mis-sequenced write surfaces as an error instead
// of corrupting observable state.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/coverlens/coverlens/pkg/score"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	// StatusExpired is derived at read time from ExpiresAt and never
	// stored; reads of an expired session report ErrNotFound.
	StatusExpired Status = "expired"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyExists     = errors.New("session already exists")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNotComplete       = errors.New("session results not yet available")
)

// ErrorDetail records why a session failed. Message is sanitized before
// storage and safe to surface to the caller.
type ErrorDetail struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Session represents one end-to-end analysis request.
type Session struct {
	ID              string
	Status          Status
	Stage           string
	ProgressPercent int
	ETASeconds      int
	Jurisdiction    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	Results         *score.AnalysisResults
	ErrorDetail     *ErrorDetail
}

// Expired reports whether the session is past its retention window.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Snapshot is the read model served to progress queries.
type Snapshot struct {
	ID              string       `json:"sessionId"`
	Status          Status       `json:"status"`
	Stage           string       `json:"stage"`
	ProgressPercent int          `json:"progressPercent"`
	ETASeconds      int          `json:"estimatedTimeRemainingSeconds"`
	IsComplete      bool         `json:"isComplete"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	ExpiresAt       time.Time    `json:"expiresAt"`
	Error           *ErrorDetail `json:"error,omitempty"`
}

// Store defines the interface for session persistence.
//
// Implementations must guarantee read-after-write visibility: a
// GetProgress issued after UpdateProgress returns must observe that
// update. Writes against a session past ExpiresAt are accepted (the
// in-flight orchestrator finishes harmlessly) but reads of an expired
// session return ErrNotFound.
type Store interface {
	// Create persists a new session in the created state.
	// Returns ErrAlreadyExists if the id is taken; id uniqueness is
	// the caller's responsibility.
	Create(ctx context.Context, s *Session) error

	// StartProcessing flips created -> processing. Returns
	// ErrInvalidTransition unless the session is in created.
	StartProcessing(ctx context.Context, id string) error

	// UpdateProgress records stage entry. Percent never regresses:
	// a lower value than the stored one is clamped to the stored one.
	// Valid only while processing.
	UpdateProgress(ctx context.Context, id, stage string, percent, etaSeconds int) error

	// CompleteWithResults atomically sets results, percent 100 and
	// status completed. Valid only while processing.
	CompleteWithResults(ctx context.Context, id string, results *score.AnalysisResults) error

	// FailWith atomically sets the error detail and status failed.
	// Valid only while processing.
	FailWith(ctx context.Context, id string, detail *ErrorDetail) error

	// GetProgress returns the current snapshot, or ErrNotFound for
	// unknown or expired sessions.
	GetProgress(ctx context.Context, id string) (*Snapshot, error)

	// GetResults returns stored results, ErrNotComplete while the
	// session is still running, or ErrNotFound for unknown, expired
	// or failed sessions.
	GetResults(ctx context.Context, id string) (*score.AnalysisResults, error)

	// Delete removes the session record. Deleting an absent session
	// is not an error.
	Delete(ctx context.Context, id string) error

	// Cleanup removes expired sessions. Correctness never depends on
	// it; it reclaims storage opportunistically.
	Cleanup(ctx context.Context) error

	// Close stops background routines and releases resources.
	Close() error
}

// NewSession builds a session in the created state with the given
// retention window.
func NewSession(id, jurisdiction string, retention time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		Status:       StatusCreated,
		Stage:        "created",
		Jurisdiction: jurisdiction,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(retention),
	}
}

// snapshotOf derives the read model from a session.
func snapshotOf(s *Session) *Snapshot {
	return &Snapshot{
		ID:              s.ID,
		Status:          s.Status,
		Stage:           s.Stage,
		ProgressPercent: s.ProgressPercent,
		ETASeconds:      s.ETASeconds,
		IsComplete:      s.Status == StatusCompleted,
		UpdatedAt:       s.UpdatedAt,
		ExpiresAt:       s.ExpiresAt,
		Error:           s.ErrorDetail,
	}
}
