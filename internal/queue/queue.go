// Package queue implements the chunk-ingestion work queue on NATS JetStream.
//
// Each uploaded audio chunk produces one [Notification] on the work subject.
// A durable pull consumer hands records to a [Handler] in batches. The
// handler resolves each record independently and reports only the failed
// ones; the queue then settles every record of the batch:
//
//   - success: Ack
//   - [Permanent] failure: published to the dead-letter subject, then Term
//   - transient failure on the final allowed delivery: dead-lettered, then Term
//   - other transient failures: Nak with exponential delay for redelivery
//
// The consumer allows one delivery beyond [Config.MaxDeliver]. It is never
// handed to the handler; it only retries a dead-letter publish that failed
// on the previous delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MrWong99/anamnese/internal/observe"
)

// Dead-letter headers attached to records published on the DLQ subject.
const (
	HeaderReason          = "Anamnese-DLQ-Reason"
	HeaderError           = "Anamnese-DLQ-Error"
	HeaderOriginalSubject = "Anamnese-DLQ-Subject"
	HeaderDeliveries      = "Anamnese-DLQ-Deliveries"
)

// Dead-letter reasons.
const (
	ReasonPermanent  = "permanent"
	ReasonMaxDeliver = "max_deliver"
)

// maxRetryDelay caps the redelivery backoff.
const maxRetryDelay = time.Minute

// deadLetterAttempts is how many times one delivery tries to publish to the
// dead-letter subject before giving up.
const deadLetterAttempts = 3

// errDeadLetterPending is recorded on records that reached the reserved
// extra delivery because dead-lettering failed earlier.
var errDeadLetterPending = errors.New("queue: dead-letter publish failed on an earlier delivery")

// Config configures the stream, consumer and batching behaviour.
type Config struct {
	Stream     string
	Subject    string
	DLQSubject string
	Consumer   string

	// MaxDeliver bounds how many times a record is handed to the handler
	// before it is dead-lettered.
	MaxDeliver int

	BatchSize  int
	FetchWait  time.Duration
	AckWait    time.Duration
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "CHUNKS"
	}
	if c.Subject == "" {
		c.Subject = "chunks.uploaded"
	}
	if c.DLQSubject == "" {
		c.DLQSubject = "chunks.dlq"
	}
	if c.Consumer == "" {
		c.Consumer = "ingest"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Message is one delivered work-queue record.
type Message struct {
	// ID is the stream sequence of the record; it is stable across
	// redeliveries. Records without metadata get a batch-local "batch-<n>"
	// id instead.
	ID      string
	Subject string
	Body    []byte

	// Delivery is the 1-based delivery attempt.
	Delivery int

	raw ackable
}

// ackable is the subset of [jetstream.Msg] used to settle a record.
type ackable interface {
	Ack() error
	NakWithDelay(delay time.Duration) error
	TermWithReason(reason string) error
}

// Failure reports that the record with the given ID could not be processed.
type Failure struct {
	ID  string
	Err error
}

// Handler processes one batch. It must resolve every record independently
// and return failures for the failed records only.
type Handler interface {
	HandleBatch(ctx context.Context, batch []Message) []Failure
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, batch []Message) []Failure

// HandleBatch implements [Handler].
func (f HandlerFunc) HandleBatch(ctx context.Context, batch []Message) []Failure {
	return f(ctx, batch)
}

// publisher is the subset of [jetstream.JetStream] used for publishing.
type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Option configures a [Queue].
type Option func(*Queue)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is the JetStream-backed work queue.
type Queue struct {
	pub      publisher
	consumer jetstream.Consumer
	cfg      Config
	metrics  *observe.Metrics
}

// New ensures the work stream, the dead-letter stream and the durable
// consumer exist and returns a [Queue] bound to them.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, opts ...Option) (*Queue, error) {
	cfg = cfg.withDefaults()

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "audio chunk upload notifications",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
	}); err != nil {
		return nil, fmt.Errorf("queue: create stream %q: %w", cfg.Stream, err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream + "_DLQ",
		Description: "dead-lettered chunk notifications",
		Subjects:    []string{cfg.DLQSubject},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      14 * 24 * time.Hour,
	}); err != nil {
		return nil, fmt.Errorf("queue: create dead-letter stream: %w", err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver + 1,
		FilterSubject: cfg.Subject,
		MaxAckPending: cfg.BatchSize * 4,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create consumer %q: %w", cfg.Consumer, err)
	}

	q := &Queue{pub: js, consumer: consumer, cfg: cfg}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	return q, nil
}

// Publish enqueues one notification.
func (q *Queue) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("queue: encode notification: %w", err)
	}
	if _, err := q.pub.Publish(ctx, q.cfg.Subject, body); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Run fetches batches and dispatches them to h until ctx is cancelled. Fetch
// errors are logged and retried; Run returns nil on cancellation.
func (q *Queue) Run(ctx context.Context, h Handler) error {
	for ctx.Err() == nil {
		batch, err := q.consumer.Fetch(q.cfg.BatchSize, jetstream.FetchMaxWait(q.cfg.FetchWait))
		if err != nil {
			slog.Warn("queue: fetch failed", "err", err)
			if !sleep(ctx, q.cfg.RetryDelay) {
				break
			}
			continue
		}

		var msgs []Message
		for raw := range batch.Messages() {
			msgs = append(msgs, toMessage(raw, len(msgs)))
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			slog.Warn("queue: batch ended with error", "err", err, "received", len(msgs))
		}
		if len(msgs) == 0 {
			continue
		}

		q.dispatch(ctx, h, msgs)
	}
	return nil
}

// dispatch dead-letters records past [Config.MaxDeliver] and hands the rest
// to h.
func (q *Queue) dispatch(ctx context.Context, h Handler, msgs []Message) {
	fresh := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Delivery > q.cfg.MaxDeliver {
			q.deadLetter(ctx, m, ReasonMaxDeliver, errDeadLetterPending)
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return
	}
	q.settle(ctx, fresh, h.HandleBatch(ctx, fresh))
}

// toMessage converts raw, the index-th record of its batch.
func toMessage(raw jetstream.Msg, index int) Message {
	m := Message{
		ID:       "batch-" + strconv.Itoa(index),
		Subject:  raw.Subject(),
		Body:     raw.Data(),
		Delivery: 1,
		raw:      raw,
	}
	if md, err := raw.Metadata(); err == nil {
		m.ID = strconv.FormatUint(md.Sequence.Stream, 10)
		m.Delivery = int(md.NumDelivered)
	}
	return m
}

// settle acknowledges, redelivers or dead-letters every record of a batch.
func (q *Queue) settle(ctx context.Context, msgs []Message, failures []Failure) {
	failed := make(map[string]error, len(failures))
	for _, f := range failures {
		failed[f.ID] = f.Err
	}

	for _, m := range msgs {
		cause, isFailed := failed[m.ID]
		switch {
		case !isFailed:
			if err := m.raw.Ack(); err != nil {
				slog.Warn("queue: ack failed", "id", m.ID, "err", err)
			}
		case IsPermanent(cause):
			q.deadLetter(ctx, m, ReasonPermanent, cause)
		case m.Delivery >= q.cfg.MaxDeliver:
			q.deadLetter(ctx, m, ReasonMaxDeliver, cause)
		default:
			delay := q.backoff(m.Delivery)
			slog.Info("queue: record will be redelivered", "id", m.ID, "delivery", m.Delivery, "delay", delay, "err", cause)
			if err := m.raw.NakWithDelay(delay); err != nil {
				slog.Warn("queue: nak failed", "id", m.ID, "err", err)
			}
		}
	}
}

func (q *Queue) deadLetter(ctx context.Context, m Message, reason string, cause error) {
	msg := nats.NewMsg(q.cfg.DLQSubject)
	msg.Data = m.Body
	msg.Header.Set(HeaderReason, reason)
	msg.Header.Set(HeaderOriginalSubject, m.Subject)
	msg.Header.Set(HeaderDeliveries, strconv.Itoa(m.Delivery))
	if cause != nil {
		msg.Header.Set(HeaderError, cause.Error())
	}

	if err := q.publishDeadLetter(ctx, msg); err != nil {
		if m.Delivery > q.cfg.MaxDeliver {
			// No delivery is left; the record stays unacknowledged in the
			// work stream until an operator moves it.
			slog.Error("queue: dead-letter publish failed on the last delivery, record stranded",
				"id", m.ID, "subject", m.Subject, "delivery", m.Delivery, "err", err)
			return
		}
		slog.Error("queue: dead-letter publish failed, will retry on redelivery", "id", m.ID, "err", err)
		if nerr := m.raw.NakWithDelay(q.backoff(m.Delivery)); nerr != nil {
			slog.Warn("queue: nak failed", "id", m.ID, "err", nerr)
		}
		return
	}

	slog.Warn("queue: record dead-lettered", "id", m.ID, "reason", reason, "delivery", m.Delivery, "err", cause)
	q.metrics.RecordDeadLettered(ctx, reason)
	if err := m.raw.TermWithReason(reason); err != nil {
		slog.Warn("queue: term failed", "id", m.ID, "err", err)
	}
}

// publishDeadLetter publishes msg, retrying up to [deadLetterAttempts] times
// with backoff while ctx allows.
func (q *Queue) publishDeadLetter(ctx context.Context, msg *nats.Msg) error {
	var err error
	for attempt := 1; attempt <= deadLetterAttempts; attempt++ {
		if _, err = q.pub.PublishMsg(ctx, msg); err == nil {
			return nil
		}
		if attempt == deadLetterAttempts || !sleep(ctx, q.backoff(attempt)) {
			break
		}
	}
	return fmt.Errorf("queue: publish dead letter: %w", err)
}

// backoff returns RetryDelay doubled for every previous delivery, capped at
// one minute.
func (q *Queue) backoff(delivery int) time.Duration {
	d := q.cfg.RetryDelay
	for i := 1; i < delivery && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
