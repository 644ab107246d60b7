// Package store defines the persistence interfaces of the anamnese pipeline.
//
// Three stores are modelled:
//
//   - [TranscriptStore]: one ChunkTranscription per (user, conversation, chunk
//     sequence), written by the ingestion worker and read back in sequence
//     order by the completion worker.
//   - [SummaryStore]: Summarization records attached to a conversation.
//   - [ConversationStore]: the conversation container and its read model.
//
// Stores that can publish row-level changes additionally implement
// [ChangeSource]; the completion trigger is driven from that stream.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"

	"github.com/MrWong99/anamnese/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// TranscriptStore persists per-chunk transcription results.
type TranscriptStore interface {
	// UpsertChunk writes c keyed by (UserID, ConversationID, Sequence). Writing
	// the same key twice overwrites the first record instead of duplicating
	// it. inserted reports whether the row was new.
	UpsertChunk(ctx context.Context, c types.ChunkTranscription) (inserted bool, err error)

	// GetChunk returns a single chunk or ErrNotFound.
	GetChunk(ctx context.Context, userID, conversationID string, seq int) (*types.ChunkTranscription, error)

	// ListChunks returns all chunks of a conversation ordered by ascending
	// sequence. An unknown conversation yields an empty slice.
	ListChunks(ctx context.Context, userID, conversationID string) ([]types.ChunkTranscription, error)
}

// SummaryStore persists generated summaries.
type SummaryStore interface {
	// CreateSummarization stores s. s.ID must be unique.
	CreateSummarization(ctx context.Context, s types.Summarization) error

	// ListSummarizations returns the summaries of a conversation, newest first.
	ListSummarizations(ctx context.Context, userID, conversationID string) ([]types.Summarization, error)
}

// ConversationStore persists conversation containers.
type ConversationStore interface {
	// CreateConversation stores c. c.ID must be unique.
	CreateConversation(ctx context.Context, c types.Conversation) error

	// GetConversation returns the conversation owned by userID or ErrNotFound.
	GetConversation(ctx context.Context, userID, conversationID string) (*types.Conversation, error)
}

// Store bundles all three stores. Both the PostgreSQL and the in-memory
// implementations satisfy it.
type Store interface {
	TranscriptStore
	SummaryStore
	ConversationStore
}

// GetConversationWithSummaries assembles the read model returned by the API
// and pushed to live clients. Chunks may be uploaded for conversations that
// were never explicitly created; such conversations are synthesised from the
// ids so that their summaries remain reachable.
func GetConversationWithSummaries(ctx context.Context, s Store, userID, conversationID string) (*types.ConversationWithSummaries, error) {
	conv, err := s.GetConversation(ctx, userID, conversationID)
	switch {
	case errors.Is(err, ErrNotFound):
		conv = &types.Conversation{ID: conversationID, UserID: userID}
	case err != nil:
		return nil, err
	}

	sums, err := s.ListSummarizations(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if sums == nil {
		sums = []types.Summarization{}
	}
	return &types.ConversationWithSummaries{Conversation: *conv, Summarizations: sums}, nil
}
