// Package mock provides an in-memory implementation of [store.Store] and
// [store.ChangeSource] for tests and single-process development runs.
//
// Store keeps every record in maps guarded by a mutex and publishes a
// [store.ChunkChange] to every subscriber after each UpsertChunk, mirroring
// the PostgreSQL trigger. Exported *Err fields inject failures:
//
//	s := mock.New()
//	s.ListChunksErr = errors.New("db down")
//
//	src := s.Subscribe()
//	defer src.Close()
package mock

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/anamnese/pkg/store"
	"github.com/MrWong99/anamnese/pkg/types"
)

var (
	_ store.Store        = (*Store)(nil)
	_ store.ChangeSource = (*Source)(nil)
)

type chunkID struct {
	userID, conversationID string
	seq                    int
}

// Store is a thread-safe in-memory [store.Store].
type Store struct {
	mu sync.Mutex

	chunks        map[chunkID]types.ChunkTranscription
	summaries     []types.Summarization
	conversations map[string]types.Conversation
	subscribers   map[*Source]struct{}
	calls         map[string]int

	// UpsertChunkErr is returned by [Store.UpsertChunk] when non-nil.
	UpsertChunkErr error

	// GetChunkErr is returned by [Store.GetChunk] when non-nil.
	GetChunkErr error

	// ListChunksErr is returned by [Store.ListChunks] when non-nil.
	ListChunksErr error

	// CreateSummarizationErr is returned by [Store.CreateSummarization] when non-nil.
	CreateSummarizationErr error
}

// New returns an empty [Store].
func New() *Store {
	return &Store{
		chunks:        make(map[chunkID]types.ChunkTranscription),
		conversations: make(map[string]types.Conversation),
		subscribers:   make(map[*Source]struct{}),
		calls:         make(map[string]int),
	}
}

// CallCount returns how many times the named method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// UpsertChunk implements [store.TranscriptStore].
func (s *Store) UpsertChunk(_ context.Context, c types.ChunkTranscription) (bool, error) {
	s.mu.Lock()
	s.calls["UpsertChunk"]++
	if s.UpsertChunkErr != nil {
		err := s.UpsertChunkErr
		s.mu.Unlock()
		return false, err
	}

	id := chunkID{c.UserID, c.ConversationID, c.Sequence}
	prev, exists := s.chunks[id]
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if exists {
		c.CreatedAt = prev.CreatedAt
	}
	c.Content.Segments = slices.Clone(c.Content.Segments)
	s.chunks[id] = c

	op := store.OpInsert
	if exists {
		op = store.OpUpdate
	}
	change := store.ChunkChange{
		Op:             op,
		UserID:         c.UserID,
		ConversationID: c.ConversationID,
		Sequence:       c.Sequence,
		IsLastChunk:    c.IsLastChunk,
	}
	subs := make([]*Source, 0, len(s.subscribers))
	for src := range s.subscribers {
		subs = append(subs, src)
	}
	s.mu.Unlock()

	for _, src := range subs {
		src.publish(change)
	}
	return !exists, nil
}

// GetChunk implements [store.TranscriptStore].
func (s *Store) GetChunk(_ context.Context, userID, conversationID string, seq int) (*types.ChunkTranscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetChunk"]++
	if s.GetChunkErr != nil {
		return nil, s.GetChunkErr
	}
	c, ok := s.chunks[chunkID{userID, conversationID, seq}]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.Content.Segments = slices.Clone(c.Content.Segments)
	return &c, nil
}

// ListChunks implements [store.TranscriptStore].
func (s *Store) ListChunks(_ context.Context, userID, conversationID string) ([]types.ChunkTranscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["ListChunks"]++
	if s.ListChunksErr != nil {
		return nil, s.ListChunksErr
	}
	out := []types.ChunkTranscription{}
	for id, c := range s.chunks {
		if id.userID == userID && id.conversationID == conversationID {
			c.Content.Segments = slices.Clone(c.Content.Segments)
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b types.ChunkTranscription) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return out, nil
}

// CreateSummarization implements [store.SummaryStore].
func (s *Store) CreateSummarization(_ context.Context, sum types.Summarization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["CreateSummarization"]++
	if s.CreateSummarizationErr != nil {
		return s.CreateSummarizationErr
	}
	for _, existing := range s.summaries {
		if existing.ID == sum.ID {
			return fmt.Errorf("summary store: duplicate id %q", sum.ID)
		}
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	sum.Content = slices.Clone(sum.Content)
	s.summaries = append(s.summaries, sum)
	return nil
}

// ListSummarizations implements [store.SummaryStore].
func (s *Store) ListSummarizations(_ context.Context, userID, conversationID string) ([]types.Summarization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["ListSummarizations"]++
	out := []types.Summarization{}
	for _, sum := range s.summaries {
		if sum.UserID == userID && sum.ConversationID == conversationID {
			out = append(out, sum)
		}
	}
	slices.SortStableFunc(out, func(a, b types.Summarization) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// CreateConversation implements [store.ConversationStore].
func (s *Store) CreateConversation(_ context.Context, c types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["CreateConversation"]++
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("conversation store: duplicate id %q", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.conversations[c.ID] = c
	return nil
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(_ context.Context, userID, conversationID string) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetConversation"]++
	c, ok := s.conversations[conversationID]
	if !ok || c.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Change stream
// ─────────────────────────────────────────────────────────────────────────────

// Subscribe returns a [store.ChangeSource] that receives every change made
// after the call. Changes are buffered without bound.
func (s *Store) Subscribe() *Source {
	src := &Source{
		parent: s,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.subscribers[src] = struct{}{}
	s.mu.Unlock()
	return src
}

// Source is an in-memory [store.ChangeSource] created by [Store.Subscribe].
type Source struct {
	parent *Store

	mu      sync.Mutex
	pending []store.ChunkChange
	notify  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (src *Source) publish(c store.ChunkChange) {
	src.mu.Lock()
	src.pending = append(src.pending, c)
	src.mu.Unlock()
	select {
	case src.notify <- struct{}{}:
	default:
	}
}

// Next implements [store.ChangeSource].
func (src *Source) Next(ctx context.Context) (store.ChunkChange, error) {
	for {
		src.mu.Lock()
		if len(src.pending) > 0 {
			c := src.pending[0]
			src.pending = src.pending[1:]
			src.mu.Unlock()
			return c, nil
		}
		src.mu.Unlock()

		select {
		case <-src.notify:
		case <-src.done:
			return store.ChunkChange{}, store.ErrSourceClosed
		case <-ctx.Done():
			return store.ChunkChange{}, ctx.Err()
		}
	}
}

// Close implements [store.ChangeSource].
func (src *Source) Close() error {
	src.closeOnce.Do(func() {
		src.parent.mu.Lock()
		delete(src.parent.subscribers, src)
		src.parent.mu.Unlock()
		close(src.done)
	})
	return nil
}
