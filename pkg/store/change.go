package store

import (
	"context"
	"errors"
)

// Change operations reported by a ChangeSource.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
)

// ErrSourceClosed is returned by ChangeSource.Next after the source has been
// closed.
var ErrSourceClosed = errors.New("store: change source closed")

// ErrMalformedChange is returned by ChangeSource.Next for a change payload
// that could not be decoded. The source stays usable.
var ErrMalformedChange = errors.New("store: malformed change payload")

// ChunkChange describes a row-level change on the chunk transcription table.
// It carries identity and flags only; consumers read the content back from
// the TranscriptStore.
type ChunkChange struct {
	Op             string `json:"op"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Sequence       int    `json:"chunkId"`
	IsLastChunk    bool   `json:"isLastChunk"`
}

// IsLastChunkInsert reports whether the change is a newly inserted chunk that
// is flagged as the conversation's last. Only such changes trigger completion.
func (c ChunkChange) IsLastChunkInsert() bool {
	return c.Op == OpInsert && c.IsLastChunk
}

// ChangeSource is a stream of chunk changes in commit order.
type ChangeSource interface {
	// Next blocks until the next change is available or ctx is done.
	Next(ctx context.Context) (ChunkChange, error)

	// Close releases the underlying subscription.
	Close() error
}
