// Package api serves the client-facing HTTP API:
//
//   - POST /v1/conversations starts a conversation.
//   - PUT  /v1/conversations/{conversationId}/chunks/{chunkId} uploads one
//     audio chunk and enqueues it for ingestion.
//   - GET  /v1/conversations/{conversationId} returns the conversation with
//     its summaries, newest first.
//
// Every route requires an identity token; the authenticated user id scopes
// all reads and writes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/anamnese/internal/auth"
	"github.com/MrWong99/anamnese/internal/queue"
	"github.com/MrWong99/anamnese/pkg/blob"
	"github.com/MrWong99/anamnese/pkg/chunkkey"
	"github.com/MrWong99/anamnese/pkg/store"
	"github.com/MrWong99/anamnese/pkg/types"
)

// DefaultMaxChunkBytes caps the size of one uploaded chunk.
const DefaultMaxChunkBytes = 64 << 20

// DefaultExt is the chunk file extension used when the upload names none.
const DefaultExt = "webm"

// Publisher enqueues object-created notifications. *queue.Queue implements it.
type Publisher interface {
	Publish(ctx context.Context, n queue.Notification) error
}

// Option configures an [API].
type Option func(*API)

// WithBucket sets the bucket name reported in queued notifications.
func WithBucket(name string) Option {
	return func(a *API) { a.bucket = name }
}

// WithMaxChunkBytes overrides [DefaultMaxChunkBytes].
func WithMaxChunkBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxChunkBytes = n
		}
	}
}

// API holds the HTTP handlers.
type API struct {
	store store.Store
	blobs blob.Store
	queue Publisher

	bucket        string
	maxChunkBytes int64
}

// New creates an [API].
func New(s store.Store, blobs blob.Store, q Publisher, opts ...Option) *API {
	a := &API{
		store:         s,
		blobs:         blobs,
		queue:         q,
		bucket:        "chunks",
		maxChunkBytes: DefaultMaxChunkBytes,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register adds the API routes to mux, guarded by v.
func (a *API) Register(mux *http.ServeMux, v auth.Verifier) {
	guard := auth.Middleware(v)
	mux.Handle("POST /v1/conversations", guard(http.HandlerFunc(a.StartConversation)))
	mux.Handle("PUT /v1/conversations/{conversationId}/chunks/{chunkId}", guard(http.HandlerFunc(a.UploadChunk)))
	mux.Handle("GET /v1/conversations/{conversationId}", guard(http.HandlerFunc(a.GetConversation)))
}

type startRequest struct {
	Client *struct {
		Name string `json:"name"`
	} `json:"client"`
}

type startResponse struct {
	ConversationID string `json:"conversationId"`
}

// StartConversation creates a conversation for the authenticated user. The
// body is optional.
func (a *API) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	conv := types.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Client:    &types.Client{ID: uuid.NewString()},
		CreatedAt: time.Now().UTC(),
	}
	if req.Client != nil {
		conv.Client.Name = req.Client.Name
	}
	if err := a.store.CreateConversation(r.Context(), conv); err != nil {
		slog.ErrorContext(r.Context(), "api: create conversation", "err", err)
		writeError(w, http.StatusInternalServerError, "could not start conversation")
		return
	}
	slog.InfoContext(r.Context(), "api: conversation started", "user_id", userID, "conversation_id", conv.ID)
	writeJSON(w, http.StatusCreated, startResponse{ConversationID: conv.ID})
}

type uploadResponse struct {
	Key string `json:"key"`
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// UploadChunk stores the request body under the chunk's object key and
// enqueues the object-created notification. Query parameters: isLastChunk
// (bool, default false) and ext (default [DefaultExt]).
func (a *API) UploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserID(ctx)

	seq, err := strconv.Atoi(r.PathValue("chunkId"))
	if err != nil || seq < 0 || seq > chunkkey.MaxSequence {
		writeError(w, http.StatusBadRequest, "chunkId must be an integer from 0 to "+strconv.Itoa(chunkkey.MaxSequence))
		return
	}
	last := false
	if v := r.URL.Query().Get("isLastChunk"); v != "" {
		if last, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "isLastChunk must be true or false")
			return
		}
	}
	ext := r.URL.Query().Get("ext")
	if ext == "" {
		ext = DefaultExt
	}
	key := chunkkey.Key{
		UserID:         userID,
		ConversationID: r.PathValue("conversationId"),
		Sequence:       seq,
		IsLastChunk:    last,
		Ext:            ext,
	}
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/" + ext
	}
	body := &countingReader{r: http.MaxBytesReader(w, r.Body, a.maxChunkBytes)}
	objectKey := key.String()
	if err := a.blobs.Put(ctx, objectKey, contentType, body); err != nil {
		if maxErr := (*http.MaxBytesError)(nil); errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "chunk too large")
			return
		}
		slog.ErrorContext(ctx, "api: store chunk", "key", objectKey, "err", err)
		writeError(w, http.StatusInternalServerError, "could not store chunk")
		return
	}
	if body.n == 0 {
		_ = a.blobs.Delete(ctx, objectKey)
		writeError(w, http.StatusBadRequest, "empty chunk")
		return
	}
	if err := a.queue.Publish(ctx, queue.NewNotification(a.bucket, objectKey, body.n)); err != nil {
		slog.ErrorContext(ctx, "api: enqueue chunk", "key", objectKey, "err", err)
		writeError(w, http.StatusServiceUnavailable, "could not enqueue chunk")
		return
	}
	slog.InfoContext(ctx, "api: chunk uploaded", "key", objectKey, "bytes", body.n)
	writeJSON(w, http.StatusAccepted, uploadResponse{Key: objectKey})
}

type conversationResponse struct {
	Conversation *types.ConversationWithSummaries `json:"conversation"`
}

// GetConversation returns the conversation with its summaries.
func (a *API) GetConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserID(ctx)
	conversationID := r.PathValue("conversationId")

	conv, err := store.GetConversationWithSummaries(ctx, a.store, userID, conversationID)
	if err != nil {
		slog.ErrorContext(ctx, "api: get conversation", "conversation_id", conversationID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return
	}
	// Conversations that were never created are served while they have
	// summaries; otherwise there is nothing to show.
	if len(conv.Summarizations) == 0 {
		if _, err := a.store.GetConversation(ctx, userID, conversationID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "conversation not found")
				return
			}
			slog.ErrorContext(ctx, "api: get conversation", "conversation_id", conversationID, "err", err)
			writeError(w, http.StatusInternalServerError, "could not load conversation")
			return
		}
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: write response", "err", err)
	}
}
