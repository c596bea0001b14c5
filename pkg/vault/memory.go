package vault

import (
	"context"
	"sync"
	"time"
)

// MemoryEntries implements EntryStore in memory. It is the explicit
// fallback when durable storage is unavailable.
type MemoryEntries struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryEntries creates an in-memory entry store.
func NewMemoryEntries() *MemoryEntries {
	return &MemoryEntries{entries: make(map[string]*Entry)}
}

// Put stores or replaces the entry for its session.
func (m *MemoryEntries) Put(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries[e.SessionID] = &cp
	return nil
}

// Get returns the entry for a session, or nil, nil when absent.
func (m *MemoryEntries) Get(_ context.Context, sessionID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[sessionID]
	if !ok {
		return nil, nil //nolint:nilnil // EntryStore specifies nil,nil for absent
	}
	cp := *e
	return &cp, nil
}

// Delete removes the entry.
func (m *MemoryEntries) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, sessionID)
	return nil
}

// DeleteExpired removes entries past their expiry.
func (m *MemoryEntries) DeleteExpired(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			delete(m.entries, id)
		}
	}
	return nil
}

// Verify interface compliance.
var _ EntryStore = (*MemoryEntries)(nil)
