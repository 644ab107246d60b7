// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] and [store.ChangeSource].
//
// Chunk transcriptions, summaries and conversations share a single
// [pgxpool.Pool]. A row-level trigger on chunk_transcriptions publishes every
// insert and update through pg_notify, which [Listener] consumes with LISTEN.
// Because notifications are delivered only after commit, a listener that sees
// a change can immediately read it back from the pool.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	inserted, err := s.UpsertChunk(ctx, chunk)
//	chunks, err := s.ListChunks(ctx, userID, conversationID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN/NOTIFY channel that carries chunk changes.
const NotifyChannel = "chunk_transcriptions_changes"

// ─────────────────────────────────────────────────────────────────────────────
// Chunk transcriptions
// ─────────────────────────────────────────────────────────────────────────────

const ddlChunkTranscriptions = `
CREATE TABLE IF NOT EXISTS chunk_transcriptions (
    user_id          TEXT         NOT NULL,
    conversation_id  TEXT         NOT NULL,
    chunk_id         INTEGER      NOT NULL CHECK (chunk_id >= 0),
    content          JSONB        NOT NULL,
    is_last_chunk    BOOLEAN      NOT NULL DEFAULT false,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, conversation_id, chunk_id)
);
`

// ddlChunkNotify installs the change trigger. The payload carries identity
// and flags only so it stays well below the 8000 byte NOTIFY limit.
const ddlChunkNotify = `
CREATE OR REPLACE FUNCTION notify_chunk_transcription_change() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
        'op',             TG_OP,
        'userId',         NEW.user_id,
        'conversationId', NEW.conversation_id,
        'chunkId',        NEW.chunk_id,
        'isLastChunk',    NEW.is_last_chunk
    )::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS chunk_transcriptions_notify ON chunk_transcriptions;

CREATE TRIGGER chunk_transcriptions_notify
    AFTER INSERT OR UPDATE ON chunk_transcriptions
    FOR EACH ROW EXECUTE FUNCTION notify_chunk_transcription_change();
`

// ─────────────────────────────────────────────────────────────────────────────
// Conversations and summaries
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    client      JSONB,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_id
    ON conversations (user_id);

CREATE TABLE IF NOT EXISTS summarizations (
    id               TEXT         PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    conversation_id  TEXT         NOT NULL,
    content          JSONB        NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_summarizations_conversation
    ON summarizations (user_id, conversation_id, created_at DESC);
`

// Migrate creates or ensures all required tables, functions and triggers
// exist. It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlChunkTranscriptions,
		ddlChunkNotify,
		ddlConversations,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
