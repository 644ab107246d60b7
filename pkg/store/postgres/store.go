package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/anamnese/pkg/store"
	"github.com/MrWong99/anamnese/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of [store.Store].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, pings it and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool, e.g. for a [Listener].
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity. It satisfies the health checker shape.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// TranscriptStore
// ─────────────────────────────────────────────────────────────────────────────

// UpsertChunk implements [store.TranscriptStore]. The xmax system column is
// zero only for freshly inserted tuples, which tells inserts from conflict
// updates apart in a single round trip.
func (s *Store) UpsertChunk(ctx context.Context, c types.ChunkTranscription) (bool, error) {
	const q = `
		INSERT INTO chunk_transcriptions
		    (user_id, conversation_id, chunk_id, content, is_last_chunk, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, conversation_id, chunk_id) DO UPDATE
		    SET content       = EXCLUDED.content,
		        is_last_chunk = EXCLUDED.is_last_chunk
		RETURNING (xmax = 0) AS inserted`

	content, err := json.Marshal(c.Content)
	if err != nil {
		return false, fmt.Errorf("transcript store: encode content: %w", err)
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var inserted bool
	err = s.pool.QueryRow(ctx, q,
		c.UserID,
		c.ConversationID,
		c.Sequence,
		content,
		c.IsLastChunk,
		createdAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("transcript store: upsert chunk: %w", err)
	}
	return inserted, nil
}

// GetChunk implements [store.TranscriptStore].
func (s *Store) GetChunk(ctx context.Context, userID, conversationID string, seq int) (*types.ChunkTranscription, error) {
	const q = `
		SELECT user_id, conversation_id, chunk_id, content, is_last_chunk, created_at
		FROM   chunk_transcriptions
		WHERE  user_id = $1 AND conversation_id = $2 AND chunk_id = $3`

	rows, err := s.pool.Query(ctx, q, userID, conversationID, seq)
	if err != nil {
		return nil, fmt.Errorf("transcript store: get chunk: %w", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanChunk)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transcript store: get chunk: %w", err)
	}
	return &c, nil
}

// ListChunks implements [store.TranscriptStore].
func (s *Store) ListChunks(ctx context.Context, userID, conversationID string) ([]types.ChunkTranscription, error) {
	const q = `
		SELECT user_id, conversation_id, chunk_id, content, is_last_chunk, created_at
		FROM   chunk_transcriptions
		WHERE  user_id = $1 AND conversation_id = $2
		ORDER  BY chunk_id`

	rows, err := s.pool.Query(ctx, q, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list chunks: %w", err)
	}
	return chunks, nil
}

func scanChunk(row pgx.CollectableRow) (types.ChunkTranscription, error) {
	var (
		c       types.ChunkTranscription
		content []byte
	)
	if err := row.Scan(&c.UserID, &c.ConversationID, &c.Sequence, &content, &c.IsLastChunk, &c.CreatedAt); err != nil {
		return c, err
	}
	if err := json.Unmarshal(content, &c.Content); err != nil {
		return c, fmt.Errorf("decode content: %w", err)
	}
	return c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SummaryStore
// ─────────────────────────────────────────────────────────────────────────────

// CreateSummarization implements [store.SummaryStore].
func (s *Store) CreateSummarization(ctx context.Context, sum types.Summarization) error {
	const q = `
		INSERT INTO summarizations (id, user_id, conversation_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	content, err := json.Marshal(sum.Content)
	if err != nil {
		return fmt.Errorf("summary store: encode content: %w", err)
	}
	createdAt := sum.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, q, sum.ID, sum.UserID, sum.ConversationID, content, createdAt); err != nil {
		return fmt.Errorf("summary store: create summarization: %w", err)
	}
	return nil
}

// ListSummarizations implements [store.SummaryStore].
func (s *Store) ListSummarizations(ctx context.Context, userID, conversationID string) ([]types.Summarization, error) {
	const q = `
		SELECT id, user_id, conversation_id, content, created_at
		FROM   summarizations
		WHERE  user_id = $1 AND conversation_id = $2
		ORDER  BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, q, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("summary store: list summarizations: %w", err)
	}
	sums, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Summarization, error) {
		var (
			sum     types.Summarization
			content []byte
		)
		if err := row.Scan(&sum.ID, &sum.UserID, &sum.ConversationID, &content, &sum.CreatedAt); err != nil {
			return sum, err
		}
		if err := json.Unmarshal(content, &sum.Content); err != nil {
			return sum, fmt.Errorf("decode content: %w", err)
		}
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("summary store: list summarizations: %w", err)
	}
	return sums, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ConversationStore
// ─────────────────────────────────────────────────────────────────────────────

// CreateConversation implements [store.ConversationStore].
func (s *Store) CreateConversation(ctx context.Context, c types.Conversation) error {
	const q = `
		INSERT INTO conversations (id, user_id, client, created_at)
		VALUES ($1, $2, $3, $4)`

	var client []byte
	if c.Client != nil {
		b, err := json.Marshal(c.Client)
		if err != nil {
			return fmt.Errorf("conversation store: encode client: %w", err)
		}
		client = b
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, q, c.ID, c.UserID, client, createdAt); err != nil {
		return fmt.Errorf("conversation store: create conversation: %w", err)
	}
	return nil
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, userID, conversationID string) (*types.Conversation, error) {
	const q = `
		SELECT id, user_id, client, created_at
		FROM   conversations
		WHERE  id = $1 AND user_id = $2`

	var (
		c      types.Conversation
		client []byte
	)
	err := s.pool.QueryRow(ctx, q, conversationID, userID).Scan(&c.ID, &c.UserID, &client, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation store: get conversation: %w", err)
	}
	if len(client) > 0 {
		c.Client = &types.Client{}
		if err := json.Unmarshal(client, c.Client); err != nil {
			return nil, fmt.Errorf("conversation store: decode client: %w", err)
		}
	}
	return &c, nil
}
