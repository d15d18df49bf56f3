// Package mock provides a test double for [memory.SessionStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.SessionStore{}
//	// inject store into the system under test …
//	if got := store.CallCount("WriteEntry"); got != 2 {
//	    t.Errorf("WriteEntry calls: got %d, want 2", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/speechquery/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// SessionStore is a configurable test double for [memory.SessionStore].
type SessionStore struct {
	mu    sync.Mutex
	calls []Call

	// WriteEntryErr is returned by WriteEntry when non-nil.
	WriteEntryErr error

	// GetRecentResult is returned by GetRecent. When nil, an empty non-nil slice is returned.
	GetRecentResult []memory.TranscriptEntry

	// GetRecentErr is returned by GetRecent when non-nil.
	GetRecentErr error

	// SearchResult is returned by Search. When nil, an empty non-nil slice is returned.
	SearchResult []memory.TranscriptEntry

	// SearchErr is returned by Search when non-nil.
	SearchErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Entries returns the entries passed to WriteEntry, in order.
func (m *SessionStore) Entries() []memory.TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.TranscriptEntry
	for _, c := range m.calls {
		if c.Method == "WriteEntry" {
			out = append(out, c.Args[1].(memory.TranscriptEntry))
		}
	}
	return out
}

// WriteEntry implements [memory.SessionStore].
func (m *SessionStore) WriteEntry(_ context.Context, sessionID string, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{sessionID, entry}})
	return m.WriteEntryErr
}

// GetRecent implements [memory.SessionStore].
func (m *SessionStore) GetRecent(_ context.Context, sessionID string, duration time.Duration) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetRecent", Args: []any{sessionID, duration}})
	out := make([]memory.TranscriptEntry, len(m.GetRecentResult))
	copy(out, m.GetRecentResult)
	return out, m.GetRecentErr
}

// Search implements [memory.SessionStore].
func (m *SessionStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	out := make([]memory.TranscriptEntry, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

var _ memory.SessionStore = (*SessionStore)(nil)
