// Package postgres provides PostgreSQL storage for analysis sessions.
//
// Transition guards are expressed as conditional UPDATEs so a single
// statement both checks and applies each state change; the status flip
// and its payload (results or error detail) land in one atomic write.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/coverlens/coverlens/pkg/score"
	"github.com/coverlens/coverlens/pkg/session"
)

const uniqueViolation = "23505"

// Store implements session.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new session in the created state.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	query := `
		INSERT INTO sessions (id, status, stage, progress_percent, eta_seconds, jurisdiction, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Status, sess.Stage, sess.ProgressPercent, sess.ETASeconds,
		sess.Jurisdiction, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return session.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// StartProcessing flips created -> processing.
func (s *Store) StartProcessing(ctx context.Context, id string) error {
	query := `
		UPDATE sessions
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'created'
	`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	return s.checkGuard(ctx, res, id)
}

// UpdateProgress records stage entry. GREATEST keeps percent monotone
// even if a write arrives out of order.
func (s *Store) UpdateProgress(ctx context.Context, id, stage string, percent, etaSeconds int) error {
	query := `
		UPDATE sessions
		SET stage = $2, progress_percent = GREATEST(progress_percent, $3), eta_seconds = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	res, err := s.db.ExecContext(ctx, query, id, stage, percent, etaSeconds)
	if err != nil {
		return fmt.Errorf("updating session progress: %w", err)
	}
	return s.checkGuard(ctx, res, id)
}

// CompleteWithResults atomically sets results and status completed.
func (s *Store) CompleteWithResults(ctx context.Context, id string, results *score.AnalysisResults) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}

	query := `
		UPDATE sessions
		SET status = 'completed', stage = 'finalize', progress_percent = 100, eta_seconds = 0, results = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	res, err := s.db.ExecContext(ctx, query, id, payload)
	if err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	return s.checkGuard(ctx, res, id)
}

// FailWith atomically sets the error detail and status failed.
func (s *Store) FailWith(ctx context.Context, id string, detail *session.ErrorDetail) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshaling error detail: %w", err)
	}

	query := `
		UPDATE sessions
		SET status = 'failed', error_detail = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	res, err := s.db.ExecContext(ctx, query, id, payload)
	if err != nil {
		return fmt.Errorf("failing session: %w", err)
	}
	return s.checkGuard(ctx, res, id)
}

// GetProgress returns the current snapshot. Expiry is enforced in the
// query, never in application code, so a stale snapshot cannot leak.
func (s *Store) GetProgress(ctx context.Context, id string) (*session.Snapshot, error) {
	query := `
		SELECT id, status, stage, progress_percent, eta_seconds, updated_at, expires_at, error_detail
		FROM sessions
		WHERE id = $1 AND expires_at > NOW()
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var snap session.Snapshot
	var errorJSON []byte
	err := row.Scan(&snap.ID, &snap.Status, &snap.Stage, &snap.ProgressPercent, &snap.ETASeconds, &snap.UpdatedAt, &snap.ExpiresAt, &errorJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if len(errorJSON) > 0 {
		var detail session.ErrorDetail
		if err := json.Unmarshal(errorJSON, &detail); err == nil {
			snap.Error = &detail
		}
	}
	snap.IsComplete = snap.Status == session.StatusCompleted
	return &snap, nil
}

// GetResults returns stored results once the session has completed.
func (s *Store) GetResults(ctx context.Context, id string) (*score.AnalysisResults, error) {
	query := `
		SELECT status, results
		FROM sessions
		WHERE id = $1 AND expires_at > NOW()
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var status session.Status
	var resultsJSON []byte
	err := row.Scan(&status, &resultsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session results: %w", err)
	}

	switch status {
	case session.StatusCompleted:
		var results score.AnalysisResults
		if err := json.Unmarshal(resultsJSON, &results); err != nil {
			return nil, fmt.Errorf("unmarshaling results: %w", err)
		}
		return &results, nil
	case session.StatusCreated, session.StatusProcessing:
		return nil, session.ErrNotComplete
	default:
		return nil, session.ErrNotFound
	}
}

// Delete removes the session record.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Cleanup removes expired sessions.
func (s *Store) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return fmt.Errorf("cleaning up sessions: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes expired sessions. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// checkGuard distinguishes a missing session from a rejected transition
// after a guarded UPDATE matched no rows.
func (s *Store) checkGuard(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking session existence: %w", err)
	}
	if !exists {
		return session.ErrNotFound
	}
	return session.ErrInvalidTransition
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
