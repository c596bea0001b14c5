// Package progress serves session progress to clients, either as a
// one-shot snapshot or as a watched event stream backed by a
// per-connection poll loop over the session store.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coverlens/coverlens/pkg/score"
	"github.com/coverlens/coverlens/pkg/session"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventConnected opens every stream with the current snapshot.
	EventConnected EventType = "connected"
	// EventProgress reports a state change while processing.
	EventProgress EventType = "progress"
	// EventResults carries the final results and ends the stream.
	EventResults EventType = "results"
	// EventError reports failure or loss of the session and ends the
	// stream.
	EventError EventType = "error"
)

// Event is one entry on a watch stream. Snapshot is set on connected and
// progress events; Results only on results; Error only on error.
type Event struct {
	Type     EventType              `json:"type"`
	Snapshot *session.Snapshot      `json:"snapshot,omitempty"`
	Results  *score.AnalysisResults `json:"results,omitempty"`
	Error    *session.ErrorDetail   `json:"error,omitempty"`
}

// defaultInterval is the poll cadence for watch streams.
const defaultInterval = time.Second

// Publisher reads session state for clients.
type Publisher struct {
	store    session.Store
	interval time.Duration
	logger   *slog.Logger
}

// NewPublisher creates a publisher polling at the given interval; zero
// means the default.
func NewPublisher(store session.Store, interval time.Duration, logger *slog.Logger) *Publisher {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, interval: interval, logger: logger}
}

// Snapshot returns the current progress snapshot.
func (p *Publisher) Snapshot(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	return p.store.GetProgress(ctx, sessionID)
}

// Watch streams events for a session until it reaches a terminal state,
// disappears, or ctx is canceled. The returned channel is always closed
// when the stream ends; each connection runs its own poll loop and a
// reconnect simply starts a fresh one on current state.
//
// Unknown or expired sessions fail fast with ErrNotFound instead of an
// error event.
func (p *Publisher) Watch(ctx context.Context, sessionID string) (<-chan Event, error) {
	snap, err := p.store.GetProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 1)
	go p.watch(ctx, sessionID, snap, ch)
	return ch, nil
}

func (p *Publisher) watch(ctx context.Context, sessionID string, last *session.Snapshot, ch chan<- Event) {
	defer close(ch)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if !p.send(ctx, ch, Event{Type: EventConnected, Snapshot: last}) {
		return
	}
	if p.finishIfTerminal(ctx, sessionID, last, ch) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := p.store.GetProgress(ctx, sessionID)
		if err != nil {
			// Deleted or expired mid-stream.
			if !errors.Is(err, session.ErrNotFound) {
				p.logger.Warn("progress poll failed", "session_id", sessionID, "error", err)
			}
			p.send(ctx, ch, Event{Type: EventError, Error: &session.ErrorDetail{
				Message: "session no longer available",
			}})
			return
		}

		if changed(last, snap) {
			if !p.send(ctx, ch, Event{Type: EventProgress, Snapshot: snap}) {
				return
			}
		}
		last = snap

		if p.finishIfTerminal(ctx, sessionID, snap, ch) {
			return
		}
	}
}

// finishIfTerminal emits the closing results or error event when the
// session has reached a terminal state.
func (p *Publisher) finishIfTerminal(ctx context.Context, sessionID string, snap *session.Snapshot, ch chan<- Event) bool {
	switch snap.Status {
	case session.StatusCompleted:
		results, err := p.store.GetResults(ctx, sessionID)
		if err != nil {
			p.logger.Warn("completed session lost its results", "session_id", sessionID, "error", err)
			p.send(ctx, ch, Event{Type: EventError, Error: &session.ErrorDetail{
				Message: "session no longer available",
			}})
			return true
		}
		p.send(ctx, ch, Event{Type: EventResults, Snapshot: snap, Results: results})
		return true
	case session.StatusFailed:
		detail := snap.Error
		if detail == nil {
			detail = &session.ErrorDetail{Message: "processing failed"}
		}
		p.send(ctx, ch, Event{Type: EventError, Snapshot: snap, Error: detail})
		return true
	default:
		return false
	}
}

func (p *Publisher) send(ctx context.Context, ch chan<- Event, e Event) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- e:
		return true
	}
}

// changed reports whether two snapshots differ in anything a client
// observes.
func changed(a, b *session.Snapshot) bool {
	return a.Status != b.Status ||
		a.Stage != b.Stage ||
		a.ProgressPercent != b.ProgressPercent ||
		a.ETASeconds != b.ETASeconds
}
