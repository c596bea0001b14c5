package consent

import (
	"context"
	"sort"
	"sync"
)

// MemoryLedger implements Ledger in memory. It is the explicit fallback
// when durable storage is unavailable.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string][]*Record
}

// NewMemoryLedger creates an in-memory consent ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string][]*Record)}
}

// Record appends a new consent version.
func (m *MemoryLedger) Record(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.records[r.SessionID] = append(m.records[r.SessionID], &cp)
	return nil
}

// Current returns the most recent consent, or the default when none.
func (m *MemoryLedger) Current(_ context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.records[sessionID]
	if len(versions) == 0 {
		return DefaultRecord(sessionID), nil
	}

	latest := versions[0]
	for _, r := range versions[1:] {
		if r.RecordedAt.After(latest.RecordedAt) {
			latest = r
		}
	}
	cp := *latest
	return &cp, nil
}

// History returns all consent versions, newest first.
func (m *MemoryLedger) History(_ context.Context, sessionID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.records[sessionID]
	out := make([]*Record, 0, len(versions))
	for _, r := range versions {
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	return out, nil
}

// Verify interface compliance.
var _ Ledger = (*MemoryLedger)(nil)
