// Package ingest implements the chunk ingestion worker: for every uploaded
// audio chunk it downloads the blob, transcribes it with the tail of the
// previous chunk as context, and upserts the result into the transcript
// store.
//
// Chunks of one conversation may be ingested in any order. A missing previous
// chunk only degrades the transcription context; it never blocks or fails the
// current chunk.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/anamnese/internal/observe"
	"github.com/MrWong99/anamnese/internal/queue"
	"github.com/MrWong99/anamnese/pkg/blob"
	"github.com/MrWong99/anamnese/pkg/chunkkey"
	"github.com/MrWong99/anamnese/pkg/provider/stt"
	"github.com/MrWong99/anamnese/pkg/store"
	"github.com/MrWong99/anamnese/pkg/types"
)

// DefaultContextSegments is how many trailing segments of the previous chunk
// are passed as transcription context.
const DefaultContextSegments = 10

// DefaultConcurrency bounds how many records of one batch are processed at
// the same time.
const DefaultConcurrency = 4

var _ queue.Handler = (*Worker)(nil)

// Option configures a [Worker].
type Option func(*Worker)

// WithConcurrency sets the per-batch concurrency limit.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithContextSegments sets how many segments of the previous chunk form the
// transcription context.
func WithContextSegments(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.contextSegments = n
		}
	}
}

// WithLanguage sets the language hint sent to the transcription provider.
func WithLanguage(lang string) Option {
	return func(w *Worker) { w.language = lang }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(w *Worker) { w.providerName = name }
}

// Worker ingests audio chunks. It is safe for concurrent use.
type Worker struct {
	blobs  blob.Store
	stt    stt.Provider
	chunks store.TranscriptStore

	concurrency     int
	contextSegments int
	language        string
	providerName    string
	metrics         *observe.Metrics
}

// New creates a [Worker].
func New(blobs blob.Store, sttProvider stt.Provider, chunks store.TranscriptStore, opts ...Option) *Worker {
	w := &Worker{
		blobs:           blobs,
		stt:             sttProvider,
		chunks:          chunks,
		concurrency:     DefaultConcurrency,
		contextSegments: DefaultContextSegments,
		language:        stt.DefaultLanguage,
		providerName:    "stt",
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// HandleBatch implements [queue.Handler]. Every record is processed
// concurrently and resolved on its own; all records are awaited before the
// failed ones are returned.
func (w *Worker) HandleBatch(ctx context.Context, batch []queue.Message) []queue.Failure {
	var (
		mu       sync.Mutex
		failures []queue.Failure
	)
	g := new(errgroup.Group)
	g.SetLimit(w.concurrency)
	for _, msg := range batch {
		g.Go(func() error {
			if err := w.HandleMessage(ctx, msg); err != nil {
				mu.Lock()
				failures = append(failures, queue.Failure{ID: msg.ID, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// HandleMessage processes every object record of one queue message. The
// message fails if any of its records fails.
func (w *Worker) HandleMessage(ctx context.Context, msg queue.Message) error {
	n, err := queue.DecodeNotification(msg.Body)
	if err != nil {
		slog.WarnContext(ctx, "ingest: undecodable message", "id", msg.ID, "err", err)
		return err
	}

	var errs []error
	permanent := true
	for _, rec := range n.Records {
		key, err := rec.ObjectKey()
		if err == nil {
			err = w.Ingest(ctx, key)
		} else {
			err = queue.Permanent(err)
		}
		if err != nil {
			errs = append(errs, err)
			permanent = permanent && queue.IsPermanent(err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	err = errors.Join(errs...)
	if permanent {
		return queue.Permanent(err)
	}
	return err
}

// Ingest transcribes and stores the chunk uploaded under objectKey.
// Malformed keys and missing blobs are returned as [queue.Permanent] errors.
func (w *Worker) Ingest(ctx context.Context, objectKey string) (err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "ingest.chunk",
		trace.WithAttributes(attribute.String("object.key", objectKey)),
	)
	defer observe.EndSpan(span, &err)
	log := observe.Logger(ctx).With("key", objectKey)

	defer func() {
		status := observe.StatusOK
		if err != nil {
			status = observe.StatusError
		}
		w.metrics.RecordChunk(ctx, status, time.Since(start))
	}()

	key, err := chunkkey.Parse(objectKey)
	if err != nil {
		log.WarnContext(ctx, "ingest: rejected malformed key", "err", err)
		return queue.Permanent(err)
	}
	span.SetAttributes(
		attribute.String("conversation.id", key.ConversationID),
		attribute.Int("chunk.sequence", key.Sequence),
		attribute.Bool("chunk.last", key.IsLastChunk),
	)

	audio, err := w.blobs.Get(ctx, objectKey)
	if errors.Is(err, blob.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("ingest: download: %w", err))
	}
	if err != nil {
		return fmt.Errorf("ingest: download: %w", err)
	}

	prev := w.previousContext(ctx, key)

	sttStart := time.Now()
	tr, err := w.stt.Transcribe(ctx, stt.Request{
		Audio:           audio,
		FileName:        key.FileName(),
		PreviousContext: prev,
		Language:        w.language,
	})
	w.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	if err != nil {
		w.metrics.RecordProviderRequest(ctx, w.providerName, "stt", observe.StatusError)
		w.metrics.RecordProviderError(ctx, w.providerName, "stt")
		log.ErrorContext(ctx, "ingest: transcription failed", "err", err)
		return fmt.Errorf("ingest: transcribe: %w", err)
	}
	w.metrics.RecordProviderRequest(ctx, w.providerName, "stt", observe.StatusOK)

	inserted, err := w.chunks.UpsertChunk(ctx, types.ChunkTranscription{
		UserID:         key.UserID,
		ConversationID: key.ConversationID,
		Sequence:       key.Sequence,
		Content:        *tr,
		IsLastChunk:    key.IsLastChunk,
	})
	if err != nil {
		return fmt.Errorf("ingest: store: %w", err)
	}

	log.InfoContext(ctx, "ingest: chunk stored",
		"user_id", key.UserID,
		"conversation_id", key.ConversationID,
		"sequence", key.Sequence,
		"last", key.IsLastChunk,
		"segments", len(tr.Segments),
		"inserted", inserted,
		"with_context", prev != "",
	)
	return nil
}

// previousContext returns the tail text of chunk key.Sequence-1, or "" when
// it is not (yet) available.
func (w *Worker) previousContext(ctx context.Context, key chunkkey.Key) string {
	if key.Sequence == 0 {
		return ""
	}
	prev, err := w.chunks.GetChunk(ctx, key.UserID, key.ConversationID, key.Sequence-1)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.DebugContext(ctx, "ingest: previous chunk not stored yet", "sequence", key.Sequence-1)
		return ""
	case err != nil:
		slog.WarnContext(ctx, "ingest: previous chunk lookup failed, continuing without context", "err", err)
		return ""
	}
	return TailContext(prev.Content.Segments, w.contextSegments)
}

// TailContext joins the text of the last n segments. The very first segment
// of a chunk is never included because it tends to repeat boilerplate from
// the recording start.
func TailContext(segments []types.Segment, n int) string {
	if len(segments) <= 1 || n <= 0 {
		return ""
	}
	tail := segments[1:]
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	parts := make([]string, 0, len(tail))
	for _, s := range tail {
		if text := strings.TrimSpace(s.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
