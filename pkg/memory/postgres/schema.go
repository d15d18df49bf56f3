package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversationEntries = `
CREATE TABLE IF NOT EXISTS conversation_entries (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    role         TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_session_timestamp
    ON conversation_entries (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_fts
    ON conversation_entries USING GIN (to_tsvector('english', text));
`

// Migrate creates the conversation log table and its indexes. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
