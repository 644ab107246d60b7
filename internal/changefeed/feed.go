// Package changefeed turns the chunk transcription change stream into batches
// of completion triggers.
//
// Only inserts of chunks flagged as last are passed on. Triggers are grouped
// until either BatchSize triggers are pending or FlushInterval has passed
// since the first one, then handed to the [Handler] in one call. A failing
// source is closed and reopened after ReconnectDelay.
package changefeed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/anamnese/pkg/store"
)

// Handler processes one batch of completion triggers. It must not fail the
// batch as a whole; per-trigger failures are its own concern.
type Handler interface {
	HandleChanges(ctx context.Context, changes []store.ChunkChange)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, changes []store.ChunkChange)

// HandleChanges implements [Handler].
func (f HandlerFunc) HandleChanges(ctx context.Context, changes []store.ChunkChange) {
	f(ctx, changes)
}

// OpenFunc opens a fresh change source. It is called once at start and again
// after every source failure.
type OpenFunc func(ctx context.Context) (store.ChangeSource, error)

// Config tunes batching and reconnects. Zero fields take defaults.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	return c
}

// Feed reads changes from a source and dispatches trigger batches.
type Feed struct {
	open OpenFunc
	h    Handler
	cfg  Config
}

// New returns a [Feed]. Nothing happens until [Feed.Run] is called.
func New(open OpenFunc, h Handler, cfg Config) *Feed {
	return &Feed{open: open, h: h, cfg: cfg.withDefaults()}
}

// Run consumes the change stream until ctx is cancelled. Triggers that are
// pending at cancellation are still handled before Run returns. Run returns
// nil on cancellation.
func (f *Feed) Run(ctx context.Context) error {
	triggers := make(chan store.ChunkChange)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.read(gctx, triggers) })
	g.Go(func() error { return f.dispatch(gctx, triggers) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// read forwards last-chunk inserts to out, reopening the source on errors.
func (f *Feed) read(ctx context.Context, out chan<- store.ChunkChange) error {
	for {
		src, err := f.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.WarnContext(ctx, "changefeed: open source", "err", err, "retry_in", f.cfg.ReconnectDelay)
			if err := sleep(ctx, f.cfg.ReconnectDelay); err != nil {
				return err
			}
			continue
		}
		err = f.drain(ctx, src, out)
		_ = src.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.WarnContext(ctx, "changefeed: source failed, reconnecting", "err", err, "retry_in", f.cfg.ReconnectDelay)
		if err := sleep(ctx, f.cfg.ReconnectDelay); err != nil {
			return err
		}
	}
}

func (f *Feed) drain(ctx context.Context, src store.ChangeSource, out chan<- store.ChunkChange) error {
	for {
		c, err := src.Next(ctx)
		if errors.Is(err, store.ErrMalformedChange) {
			slog.WarnContext(ctx, "changefeed: skipping malformed change", "err", err)
			continue
		}
		if err != nil {
			return err
		}
		if !c.IsLastChunkInsert() {
			continue
		}
		slog.DebugContext(ctx, "changefeed: completion trigger",
			"user_id", c.UserID, "conversation_id", c.ConversationID, "chunk", c.Sequence)
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Feed) dispatch(ctx context.Context, in <-chan store.ChunkChange) error {
	var (
		batch []store.ChunkChange
		timer <-chan time.Time
	)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		f.h.HandleChanges(ctx, batch)
		batch, timer = nil, nil
	}
	for {
		select {
		case c := <-in:
			batch = append(batch, c)
			if len(batch) == 1 {
				timer = time.After(f.cfg.FlushInterval)
			}
			if len(batch) >= f.cfg.BatchSize {
				flush(ctx)
			}
		case <-timer:
			flush(ctx)
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
