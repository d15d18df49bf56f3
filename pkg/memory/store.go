// Package memory defines the conversation log written by the speech-query
// gateway: one [TranscriptEntry] per user turn and per assistant reply, keyed
// by the WebSocket connection that produced it.
//
// The log is write-mostly. The gateway appends entries as turns complete;
// operators read them back with [SessionStore.GetRecent] or [SessionStore.Search].
// Backends live in sub-packages (postgres) or in this package ([MemStore]).
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// TranscriptEntry is one turn of a conversation.
type TranscriptEntry struct {
	// Role is "user" for recognised speech and "assistant" for model replies.
	Role string

	// Text is the utterance or reply text.
	Text string

	// Timestamp is when the turn completed.
	Timestamp time.Time

	// Duration is how long the turn took: speech capture for user turns,
	// request to last chunk for assistant turns.
	Duration time.Duration
}

// SearchOpts configures a keyword search over stored entries.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single connection.
	SessionID string

	// Role restricts results to one role.
	Role string

	// After filters entries recorded after this instant (exclusive).
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	Before time.Time

	// Limit caps the number of results. 0 lets the implementation decide.
	Limit int
}

// SessionStore is a time-ordered, append-only log of [TranscriptEntry]
// records for one or more connections.
type SessionStore interface {
	// WriteEntry appends entry under sessionID, which must be non-empty.
	WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error

	// GetRecent returns the entries of sessionID recorded within the last
	// duration, oldest first. Returns an empty (non-nil) slice when nothing matches.
	GetRecent(ctx context.Context, sessionID string, duration time.Duration) ([]TranscriptEntry, error)

	// Search returns entries whose text matches query, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)
}
