package conversation_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/speechquery/internal/conversation"
	"github.com/MrWong99/speechquery/pkg/memory"
	"github.com/MrWong99/speechquery/pkg/types"
)

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

// failingStore rejects every write.
type failingStore struct{ memory.MemStore }

func (*failingStore) WriteEntry(context.Context, string, memory.TranscriptEntry) error {
	return errors.New("disk full")
}

func newConversation(opts ...conversation.Option) *conversation.Conversation {
	cm := conversation.NewContextManager(conversation.ContextManagerConfig{MaxTokens: 4096})
	return conversation.New("conn-1", cm, opts...)
}

func TestConversation_AppendIsVerbatim(t *testing.T) {
	t.Parallel()
	c := newConversation()
	c.Append("Hel")
	c.Append("lo")
	c.Append(" wor")
	c.Append("ld")

	if got := c.Transcript(); got != "Hello world" {
		t.Errorf("Transcript() = %q, want %q", got, "Hello world")
	}
	if c.Empty() {
		t.Error("Empty() = true, want false")
	}

	c.Reset()
	if got := c.Transcript(); got != "" {
		t.Errorf("after Reset: Transcript() = %q, want empty", got)
	}
}

func TestConversation_EmptyIgnoresWhitespace(t *testing.T) {
	t.Parallel()
	c := newConversation()
	c.Append("  \n ")
	if !c.Empty() {
		t.Error("whitespace-only turn should be empty")
	}
}

func TestConversation_RequestIncludesHistoryAndSettings(t *testing.T) {
	t.Parallel()
	settings := conversation.NewSettingsStore(conversation.Settings{
		SystemPrompt: "Be brief.",
		Temperature:  0.4,
		MaxTokens:    256,
	})
	c := newConversation(conversation.WithSettings(settings))

	c.Append("What is Go?")
	if err := c.Commit(context.Background(), "A programming language."); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	c.Append("Who made it?")
	req := c.Request()

	if req.SystemPrompt != "Be brief." || req.Temperature != 0.4 || req.MaxTokens != 256 {
		t.Errorf("request settings = %+v", req)
	}
	want := []types.Message{
		{Role: types.RoleUser, Content: "What is Go?"},
		{Role: types.RoleAssistant, Content: "A programming language."},
		{Role: types.RoleUser, Content: "Who made it?"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %+v, want %d", req.Messages, len(want))
	}
	for i := range want {
		if req.Messages[i] != want[i] {
			t.Errorf("messages[%d] = %+v, want %+v", i, req.Messages[i], want[i])
		}
	}

	settings.SetSystemPrompt("Be thorough.")
	if got := c.Request(); got.SystemPrompt != "Be thorough." || got.MaxTokens != 256 {
		t.Errorf("after SetSystemPrompt: %+v", got)
	}
}

func TestConversation_CommitPersistsAndClears(t *testing.T) {
	t.Parallel()
	store := memory.NewMemStore()
	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), step: time.Second}
	c := newConversation(conversation.WithStore(store), conversation.WithClock(clock.Now))

	c.Append("Hello")                            // t0: turn start
	c.Append(" there")                           // no clock read
	_ = c.Request()                              // t0+1s: requested
	err := c.Commit(context.Background(), "Hi!") // t0+2s: done
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got := c.Transcript(); got != "" {
		t.Errorf("transcript not cleared: %q", got)
	}
	if msgs := c.Messages(); len(msgs) != 2 {
		t.Fatalf("history = %+v, want 2 messages", msgs)
	}

	entries, err := store.Search(context.Background(), "", memory.SearchOpts{SessionID: "conn-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("stored %d entries, want 2", len(entries))
	}
	if entries[0].Role != types.RoleUser || entries[0].Text != "Hello there" || entries[0].Duration != time.Second {
		t.Errorf("user entry = %+v", entries[0])
	}
	if entries[1].Role != types.RoleAssistant || entries[1].Text != "Hi!" || entries[1].Duration != time.Second {
		t.Errorf("assistant entry = %+v", entries[1])
	}
}

func TestConversation_CommitEmptyReplyAddsOnlyUser(t *testing.T) {
	t.Parallel()
	store := memory.NewMemStore()
	c := newConversation(conversation.WithStore(store))
	c.Append("Anyone there?")
	if err := c.Commit(context.Background(), ""); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser {
		t.Errorf("history = %+v, want single user message", msgs)
	}
}

func TestConversation_CommitStoreErrorStillClears(t *testing.T) {
	t.Parallel()
	c := newConversation(conversation.WithStore(&failingStore{}))
	c.Append("Hello")
	err := c.Commit(context.Background(), "Hi")
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want persist error", err)
	}
	if c.Transcript() != "" {
		t.Error("transcript should be cleared after a failed persist")
	}
	if len(c.Messages()) != 2 {
		t.Error("history should still record the turn")
	}
}

func TestSettingsStore_ZeroValue(t *testing.T) {
	t.Parallel()
	var st conversation.SettingsStore
	if got := st.Load(); got != (conversation.Settings{}) {
		t.Errorf("zero Load() = %+v", got)
	}
	st.SetSystemPrompt("hi")
	if got := st.Load().SystemPrompt; got != "hi" {
		t.Errorf("SystemPrompt = %q, want hi", got)
	}
}
