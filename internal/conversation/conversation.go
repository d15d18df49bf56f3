// Package conversation holds the per-connection state of the speech-query
// server: the text of the turn being spoken and the chat history sent to the
// LLM, compacted by summarisation when it outgrows the context window.
//
// A [Conversation] lives exactly as long as its WebSocket connection.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/speechquery/pkg/memory"
	"github.com/MrWong99/speechquery/pkg/provider/llm"
	"github.com/MrWong99/speechquery/pkg/types"
)

// Settings are the request parameters applied to every turn.
type Settings struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// SettingsStore shares [Settings] between all open conversations and lets a
// config reload replace them. The zero value holds zero Settings.
type SettingsStore struct {
	v atomic.Pointer[Settings]
}

// NewSettingsStore returns a store holding s.
func NewSettingsStore(s Settings) *SettingsStore {
	st := &SettingsStore{}
	st.Store(s)
	return st
}

// Load returns the current settings.
func (st *SettingsStore) Load() Settings {
	if p := st.v.Load(); p != nil {
		return *p
	}
	return Settings{}
}

// Store replaces the settings.
func (st *SettingsStore) Store(s Settings) {
	st.v.Store(&s)
}

// SetSystemPrompt replaces only the system prompt.
func (st *SettingsStore) SetSystemPrompt(prompt string) {
	for {
		old := st.v.Load()
		next := Settings{SystemPrompt: prompt}
		if old != nil {
			next = *old
			next.SystemPrompt = prompt
		}
		if st.v.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Conversation is the state of one connection.
type Conversation struct {
	id       string
	history  *ContextManager
	settings *SettingsStore
	store    memory.SessionStore
	now      func() time.Time

	mu         sync.Mutex
	transcript strings.Builder
	turnStart  time.Time
	requested  time.Time
}

// Option configures a [Conversation].
type Option func(*Conversation)

// WithStore persists committed turns to s.
func WithStore(s memory.SessionStore) Option {
	return func(c *Conversation) { c.store = s }
}

// WithSettings sets the shared settings. Without it the conversation uses
// zero Settings.
func WithSettings(s *SettingsStore) Option {
	return func(c *Conversation) { c.settings = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Conversation) { c.now = now }
}

// New creates a conversation identified by id with the given history manager.
func New(id string, history *ContextManager, opts ...Option) *Conversation {
	c := &Conversation{
		id:       id,
		history:  history,
		settings: &SettingsStore{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ID returns the connection id.
func (c *Conversation) ID() string { return c.id }

// Append adds text verbatim to the current turn.
func (c *Conversation) Append(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transcript.Len() == 0 {
		c.turnStart = c.now()
	}
	c.transcript.WriteString(text)
}

// Transcript returns the text accumulated for the current turn.
func (c *Conversation) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.String()
}

// Empty reports whether the current turn holds only whitespace.
func (c *Conversation) Empty() bool {
	return strings.TrimSpace(c.Transcript()) == ""
}

// Reset discards the current turn.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript.Reset()
	c.turnStart = time.Time{}
	c.requested = time.Time{}
}

// Messages returns the committed chat history.
func (c *Conversation) Messages() []types.Message {
	return c.history.Messages()
}

// Request builds the completion request for the current turn: history
// followed by the turn text as a user message.
func (c *Conversation) Request() llm.CompletionRequest {
	s := c.settings.Load()

	c.mu.Lock()
	c.requested = c.now()
	user := c.transcript.String()
	c.mu.Unlock()

	msgs := append(c.history.Messages(), types.Message{Role: types.RoleUser, Content: user})
	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: s.SystemPrompt,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	}
}

// Commit records the current turn and reply in the history, persists both
// and clears the turn. An empty reply adds only the user message. The turn is
// cleared even when an error is returned.
func (c *Conversation) Commit(ctx context.Context, reply string) error {
	c.mu.Lock()
	user := c.transcript.String()
	turnStart, requested, done := c.turnStart, c.requested, c.now()
	c.transcript.Reset()
	c.turnStart = time.Time{}
	c.requested = time.Time{}
	c.mu.Unlock()

	if requested.IsZero() {
		requested = done
	}
	if turnStart.IsZero() {
		turnStart = requested
	}

	msgs := []types.Message{{Role: types.RoleUser, Content: user}}
	entries := []memory.TranscriptEntry{{
		Role:      types.RoleUser,
		Text:      user,
		Timestamp: requested,
		Duration:  requested.Sub(turnStart),
	}}
	if reply != "" {
		msgs = append(msgs, types.Message{Role: types.RoleAssistant, Content: reply})
		entries = append(entries, memory.TranscriptEntry{
			Role:      types.RoleAssistant,
			Text:      reply,
			Timestamp: done,
			Duration:  done.Sub(requested),
		})
	}

	var errs []error
	if err := c.history.AddMessages(ctx, msgs...); err != nil {
		errs = append(errs, err)
	}
	if c.store != nil {
		for _, e := range entries {
			if err := c.store.WriteEntry(ctx, c.id, e); err != nil {
				errs = append(errs, fmt.Errorf("conversation: persist %s turn: %w", e.Role, err))
			}
		}
	}
	return errors.Join(errs...)
}
