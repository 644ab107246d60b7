// Package completion implements the completion trigger: once the last chunk
// of a conversation is stored, it aggregates every chunk transcript in
// sequence order, summarizes it, persists the summary and pushes the result to
// the conversation's live connections.
//
// A summary is persisted only when the summarizer succeeds. Refusals and
// summarizer failures are delivered to the client as an error payload.
// Every registered connection is closed and removed after the delivery
// attempt, whatever its outcome. Unexpected failures are reported to the
// alerter together with the log lines emitted while handling the trigger,
// and never propagate to the change feed.
package completion

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/anamnese/internal/alert"
	"github.com/MrWong99/anamnese/internal/changefeed"
	"github.com/MrWong99/anamnese/internal/connreg"
	"github.com/MrWong99/anamnese/internal/delivery"
	"github.com/MrWong99/anamnese/internal/observe"
	"github.com/MrWong99/anamnese/pkg/provider/summary"
	"github.com/MrWong99/anamnese/pkg/store"
	"github.com/MrWong99/anamnese/pkg/types"
)

// GenericErrorMessage is delivered when summarization fails for any reason
// other than a refusal. Provider and infrastructure errors never reach
// clients.
const GenericErrorMessage = "Não foi possível gerar o resumo da anamnese. Tente novamente mais tarde."

// Defaults for the completeness check run before aggregation.
const (
	DefaultSettleAttempts = 5
	DefaultSettleBackoff  = 500 * time.Millisecond
	DefaultConcurrency    = 4
)

var _ changefeed.Handler = (*Worker)(nil)

// Option configures a [Worker].
type Option func(*Worker)

// WithSettle sets how often the chunk list is re-read while chunks are
// missing, and the initial delay between reads. The delay doubles after
// each attempt.
func WithSettle(attempts int, backoff time.Duration) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.settleAttempts = attempts
		}
		if backoff > 0 {
			w.settleBackoff = backoff
		}
	}
}

// WithConcurrency bounds how many triggers of one batch run at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithAlerter sets where unexpected failures are reported. Defaults to
// [alert.Nop].
func WithAlerter(a alert.Alerter) Option {
	return func(w *Worker) { w.alerter = a }
}

// WithMaxLogLines bounds the log history attached to an alert.
func WithMaxLogLines(n int) Option {
	return func(w *Worker) { w.maxLogLines = n }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(w *Worker) { w.providerName = name }
}

// Worker handles completion triggers. It is safe for concurrent use.
type Worker struct {
	store      store.Store
	summarizer summary.Provider
	registry   connreg.Registry
	pusher     delivery.Pusher

	alerter        alert.Alerter
	settleAttempts int
	settleBackoff  time.Duration
	concurrency    int
	maxLogLines    int
	providerName   string
	metrics        *observe.Metrics
	newID          func() string
}

// New creates a [Worker].
func New(s store.Store, summarizer summary.Provider, registry connreg.Registry, pusher delivery.Pusher, opts ...Option) *Worker {
	w := &Worker{
		store:          s,
		summarizer:     summarizer,
		registry:       registry,
		pusher:         pusher,
		alerter:        alert.Nop{},
		settleAttempts: DefaultSettleAttempts,
		settleBackoff:  DefaultSettleBackoff,
		concurrency:    DefaultConcurrency,
		maxLogLines:    alert.DefaultMaxEntries,
		providerName:   "summary",
		newID:          uuid.NewString,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// HandleChanges implements [changefeed.Handler]. Triggers are handled
// concurrently and independently; the call returns once all of them are
// done.
func (w *Worker) HandleChanges(ctx context.Context, changes []store.ChunkChange) {
	g := new(errgroup.Group)
	g.SetLimit(w.concurrency)
	for _, c := range changes {
		g.Go(func() error {
			w.Handle(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

// Handle processes one completion trigger. It never fails: unexpected errors
// and panics are logged and reported to the alerter.
func (w *Worker) Handle(ctx context.Context, c store.ChunkChange) {
	ctx, _ = alert.WithCollector(ctx, w.maxLogLines)
	defer func() {
		if r := recover(); r != nil {
			alert.Report(ctx, w.alerter, "completion: panic while summarizing conversation",
				fmt.Errorf("%v\n%s", r, debug.Stack()))
		}
	}()
	if err := w.complete(ctx, c); err != nil {
		alert.Report(ctx, w.alerter, "completion: failed to summarize conversation", err)
	}
}

func (w *Worker) complete(ctx context.Context, c store.ChunkChange) (err error) {
	ctx, span := observe.StartSpan(ctx, "completion.conversation",
		observe.ConversationAttrs(c.UserID, c.ConversationID),
		trace.WithAttributes(attribute.Int("anamnese.last_sequence", c.Sequence)),
	)
	defer observe.EndSpan(span, &err)
	log := observe.Logger(ctx).With("user_id", c.UserID, "conversation_id", c.ConversationID)
	log.InfoContext(ctx, "completion: last chunk stored", "last_sequence", c.Sequence)

	conns, lerr := w.registry.Lookup(ctx, c.UserID, c.ConversationID)
	if lerr != nil {
		log.WarnContext(ctx, "completion: connection lookup failed, summarizing anyway", "err", lerr)
	}
	if len(conns) == 0 {
		log.InfoContext(ctx, "completion: no live connection, the summary will only be stored")
	}

	// Connections are released even if summarizing panics.
	payload := delivery.Failure(GenericErrorMessage)
	defer func() { w.deliver(ctx, c, conns, payload) }()

	payload, err = w.summarize(ctx, c)
	return err
}

// summarize produces the delivery payload. A non-nil error is an unexpected
// failure; the returned payload then carries the generic message.
func (w *Worker) summarize(ctx context.Context, c store.ChunkChange) (delivery.Payload, error) {
	chunks, complete, err := w.awaitChunks(ctx, c)
	if err != nil {
		w.metrics.RecordSummary(ctx, observe.StatusError)
		return delivery.Failure(GenericErrorMessage), fmt.Errorf("completion: list chunks: %w", err)
	}
	segments := Aggregate(chunks)

	start := time.Now()
	sections, err := w.summarizer.Summarize(ctx, segments)
	w.metrics.SummaryDuration.Record(ctx, time.Since(start).Seconds())
	if re, ok := summary.IsRefusal(err); ok {
		w.metrics.RecordProviderRequest(ctx, w.providerName, "summary", observe.StatusRefused)
		w.metrics.RecordSummary(ctx, observe.StatusRefused)
		observe.Logger(ctx).InfoContext(ctx, "completion: summarizer refused", "reason", re.Message)
		msg := re.Message
		if msg == "" {
			msg = summary.DefaultRefusalMessage
		}
		return delivery.Failure(msg), nil
	}
	if err != nil {
		w.metrics.RecordProviderRequest(ctx, w.providerName, "summary", observe.StatusError)
		w.metrics.RecordProviderError(ctx, w.providerName, "summary")
		w.metrics.RecordSummary(ctx, observe.StatusError)
		observe.Logger(ctx).ErrorContext(ctx, "completion: summarizer failed", "err", err)
		return delivery.Failure(GenericErrorMessage), nil
	}
	w.metrics.RecordProviderRequest(ctx, w.providerName, "summary", observe.StatusOK)

	sum := types.Summarization{
		ID:             w.newID(),
		UserID:         c.UserID,
		ConversationID: c.ConversationID,
		Content:        summary.FilterEmpty(sections),
		CreatedAt:      time.Now().UTC(),
	}
	if err := w.store.CreateSummarization(ctx, sum); err != nil {
		w.metrics.RecordSummary(ctx, observe.StatusError)
		return delivery.Failure(GenericErrorMessage), fmt.Errorf("completion: store summary: %w", err)
	}
	data, err := store.GetConversationWithSummaries(ctx, w.store, c.UserID, c.ConversationID)
	if err != nil {
		w.metrics.RecordSummary(ctx, observe.StatusError)
		return delivery.Failure(GenericErrorMessage), fmt.Errorf("completion: load conversation: %w", err)
	}

	status := observe.StatusOK
	if !complete {
		status = observe.StatusIncomplete
	}
	w.metrics.RecordSummary(ctx, status)
	observe.Logger(ctx).InfoContext(ctx, "completion: summary stored",
		"summarization_id", sum.ID,
		"chunks", len(chunks),
		"segments", len(segments),
		"sections", len(sum.Content),
		"complete", complete,
	)
	return delivery.Success(data), nil
}

// awaitChunks lists the conversation's chunks until sequences 0..last are all
// present or the settle attempts are used up. complete reports which of the
// two happened.
func (w *Worker) awaitChunks(ctx context.Context, c store.ChunkChange) (chunks []types.ChunkTranscription, complete bool, err error) {
	backoff := w.settleBackoff
	for attempt := 1; ; attempt++ {
		chunks, err = w.store.ListChunks(ctx, c.UserID, c.ConversationID)
		if err != nil {
			return nil, false, err
		}
		missing, count := Gaps(chunks, c.Sequence, missingLogLimit)
		if count == 0 {
			return chunks, true, nil
		}
		if attempt >= w.settleAttempts {
			observe.Logger(ctx).WarnContext(ctx, "completion: chunks still missing, summarizing what is stored",
				"missing_count", count, "missing", missing, "attempts", attempt)
			return chunks, false, nil
		}
		observe.Logger(ctx).DebugContext(ctx, "completion: waiting for chunks",
			"missing_count", count, "missing", missing, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		backoff *= 2
	}
}

// deliver pushes payload to every connection and then closes and removes
// each of them. Failures are logged only.
func (w *Worker) deliver(ctx context.Context, c store.ChunkChange, conns []string, payload delivery.Payload) {
	log := observe.Logger(ctx).With("user_id", c.UserID, "conversation_id", c.ConversationID)
	var wg sync.WaitGroup
	for _, id := range conns {
		wg.Go(func() {
			err := w.pusher.Push(ctx, id, payload)
			switch {
			case errors.Is(err, delivery.ErrGone):
				w.metrics.RecordDelivery(ctx, observe.StatusGone)
				log.InfoContext(ctx, "completion: connection already gone", "connection_id", id)
			case err != nil:
				w.metrics.RecordDelivery(ctx, observe.StatusError)
				log.WarnContext(ctx, "completion: push failed", "connection_id", id, "err", err)
			default:
				w.metrics.RecordDelivery(ctx, observe.StatusOK)
				log.InfoContext(ctx, "completion: result delivered", "connection_id", id, "success", payload.Success)
			}

			if err := w.pusher.Close(ctx, id); err != nil {
				log.WarnContext(ctx, "completion: close connection", "connection_id", id, "err", err)
			}
			if err := w.registry.Remove(context.WithoutCancel(ctx), c.UserID, c.ConversationID, id); err != nil {
				log.WarnContext(ctx, "completion: remove connection", "connection_id", id, "err", err)
			}
		})
	}
	wg.Wait()
}

// Aggregate concatenates the segments of chunks in ascending sequence order.
func Aggregate(chunks []types.ChunkTranscription) []types.Segment {
	sorted := slices.Clone(chunks)
	slices.SortStableFunc(sorted, func(a, b types.ChunkTranscription) int {
		return a.Sequence - b.Sequence
	})
	var n int
	for _, c := range sorted {
		n += len(c.Content.Segments)
	}
	out := make([]types.Segment, 0, n)
	for _, c := range sorted {
		out = append(out, c.Content.Segments...)
	}
	return out
}

// missingLogLimit caps the sequence ids logged while waiting for chunks.
const missingLogLimit = 10

// Gaps counts the sequences in 0..last that are absent from chunks and
// returns at most limit of them in ascending order. Its cost depends on
// len(chunks) and limit, not on last.
func Gaps(chunks []types.ChunkTranscription, last, limit int) (first []int, count int) {
	if last < 0 {
		return nil, 0
	}
	present := make([]int, 0, len(chunks))
	for _, c := range chunks {
		if c.Sequence >= 0 && c.Sequence <= last {
			present = append(present, c.Sequence)
		}
	}
	slices.Sort(present)
	present = slices.Compact(present)
	count = last + 1 - len(present)
	if count == 0 || limit <= 0 {
		return nil, count
	}

	first = make([]int, 0, min(limit, count))
	next := 0
	for _, seq := range present {
		for ; next < seq && len(first) < limit; next++ {
			first = append(first, next)
		}
		if len(first) == limit {
			return first, count
		}
		next = seq + 1
	}
	for ; next <= last && len(first) < limit; next++ {
		first = append(first, next)
	}
	return first, count
}
