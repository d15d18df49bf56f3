package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var _ SessionStore = (*MemStore)(nil)

// MemStore is an in-process SessionStore. It is the default backend when no
// database is configured; entries live until the process exits.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string][]TranscriptEntry
	now     func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string][]TranscriptEntry), now: time.Now}
}

// WriteEntry implements SessionStore.
func (m *MemStore) WriteEntry(_ context.Context, sessionID string, entry TranscriptEntry) error {
	if sessionID == "" {
		return errors.New("memory: session id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = append(m.entries[sessionID], entry)
	return nil
}

// GetRecent implements SessionStore.
func (m *MemStore) GetRecent(_ context.Context, sessionID string, duration time.Duration) ([]TranscriptEntry, error) {
	cutoff := m.now().Add(-duration)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []TranscriptEntry{}
	for _, e := range m.entries[sessionID] {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Search implements SessionStore with a case-insensitive substring match. When
// SessionID is empty, sessions are visited in no particular order.
func (m *MemStore) Search(_ context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error) {
	q := strings.ToLower(query)
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []TranscriptEntry{}
	for id, entries := range m.entries {
		if opts.SessionID != "" && id != opts.SessionID {
			continue
		}
		for _, e := range entries {
			if !matches(e, q, opts) {
				continue
			}
			out = append(out, e)
			if opts.Limit > 0 && len(out) == opts.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Sessions returns the number of sessions with at least one entry.
func (m *MemStore) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func matches(e TranscriptEntry, q string, opts SearchOpts) bool {
	if opts.Role != "" && e.Role != opts.Role {
		return false
	}
	if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
		return false
	}
	if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
		return false
	}
	return strings.Contains(strings.ToLower(e.Text), q)
}
