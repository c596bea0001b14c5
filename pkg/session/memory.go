package session

import (
	"context"
	"sync"
	"time"

	"github.com/coverlens/coverlens/pkg/score"
)

// MemoryStore implements Store using an in-memory map. It is the
// fallback when durable storage is unavailable, selected explicitly at
// startup; it never silently replaces the durable store at runtime.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Create persists a new session in the created state.
func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// StartProcessing flips created -> processing.
func (s *MemoryStore) StartProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != StatusCreated {
		return ErrInvalidTransition
	}
	sess.Status = StatusProcessing
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateProgress records stage entry. Percent never regresses.
func (s *MemoryStore) UpdateProgress(_ context.Context, id, stage string, percent, etaSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	if percent > sess.ProgressPercent {
		sess.ProgressPercent = percent
	}
	sess.Stage = stage
	sess.ETASeconds = etaSeconds
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteWithResults atomically sets results and status completed.
func (s *MemoryStore) CompleteWithResults(_ context.Context, id string, results *score.AnalysisResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	sess.Status = StatusCompleted
	sess.Stage = "finalize"
	sess.ProgressPercent = 100
	sess.ETASeconds = 0
	sess.Results = results
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// FailWith atomically sets the error detail and status failed.
func (s *MemoryStore) FailWith(_ context.Context, id string, detail *ErrorDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	sess.Status = StatusFailed
	sess.ErrorDetail = detail
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// GetProgress returns the current snapshot, or ErrNotFound for unknown
// or expired sessions.
func (s *MemoryStore) GetProgress(_ context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return snapshotOf(sess), nil
}

// GetResults returns stored results once the session has completed.
func (s *MemoryStore) GetResults(_ context.Context, id string) (*score.AnalysisResults, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	switch sess.Status {
	case StatusCompleted:
		return sess.Results, nil
	case StatusCreated, StatusProcessing:
		return nil, ErrNotComplete
	default:
		return nil, ErrNotFound
	}
}

// Delete removes the session record.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// Cleanup removes expired sessions.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
		}
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes expired sessions. The goroutine is stopped when Close is called.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration) {
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
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
