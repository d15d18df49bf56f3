package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/speechquery/pkg/memory"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SPEECHQUERY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SPEECHQUERY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SPEECHQUERY_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS conversation_entries"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestBuildSearch(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := buildSearch("weather", memory.SearchOpts{SessionID: "s1", Role: "user", After: after, Limit: 5})

	for _, want := range []string{"session_id = $2", "role = $3", "timestamp > $4", "LIMIT $5"} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}
	if len(args) != 5 {
		t.Fatalf("args: got %d, want 5", len(args))
	}
	if args[0] != "weather" || args[4] != 5 {
		t.Errorf("args: got %v", args)
	}
}

func TestBuildSearch_NoFilters(t *testing.T) {
	q, args := buildSearch("x", memory.SearchOpts{})
	if strings.Contains(q, "LIMIT") || len(args) != 1 {
		t.Errorf("unexpected query %q with args %v", q, args)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	now := time.Now()
	_ = store.WriteEntry(ctx, "conn-1", memory.TranscriptEntry{Role: "user", Text: "what is the weather", Timestamp: now})
	_ = store.WriteEntry(ctx, "conn-1", memory.TranscriptEntry{Role: "assistant", Text: "sunny all day", Timestamp: now, Duration: time.Second})

	recent, err := store.GetRecent(ctx, "conn-1", time.Hour)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 2 || recent[1].Duration != time.Second {
		t.Errorf("recent: got %+v", recent)
	}

	found, err := store.Search(ctx, "weather", memory.SearchOpts{SessionID: "conn-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 1 || found[0].Role != "user" {
		t.Errorf("search: got %+v", found)
	}

	if err := store.WriteEntry(ctx, "", memory.TranscriptEntry{Text: "x"}); err == nil {
		t.Error("expected error for empty session id")
	}
}
