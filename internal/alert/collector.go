// Package alert reports unhandled errors to an external channel together with
// the log history of the invocation in which they occurred.
//
// Each invocation (one queue record, one completion event) gets its own
// [Collector], carried in the context. [Handler] wraps the process-wide slog
// handler and copies every record logged with such a context into the
// collector, so concurrent invocations never share buffered history:
//
//	ctx, col := alert.WithCollector(ctx, 50)
//	observe.Logger(ctx).InfoContext(ctx, "summarizing")
//	…
//	alert.Report(ctx, alerter, "completion failed", err)
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxEntries is the collector capacity used when a non-positive limit
// is requested.
const DefaultMaxEntries = 50

// Entry is one captured log record.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string

	// Attrs holds the record attributes rendered as key=value pairs.
	Attrs string
}

// Collector buffers the most recent log entries of a single invocation.
// It is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	dropped int
}

// NewCollector returns a collector that keeps at most max entries, dropping
// the oldest once full.
func NewCollector(max int) *Collector {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Collector{max: max}
}

// Add appends e, evicting the oldest entry when the collector is full.
func (c *Collector) Add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.entries = append(c.entries[:0], c.entries[1:]...)
		c.dropped++
	}
	c.entries = append(c.entries, e)
}

// Entries returns a copy of the buffered entries, oldest first.
func (c *Collector) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Dropped returns how many entries were evicted.
func (c *Collector) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

type collectorKey struct{}

// WithCollector returns a child context carrying a fresh collector.
func WithCollector(ctx context.Context, max int) (context.Context, *Collector) {
	c := NewCollector(max)
	return context.WithValue(ctx, collectorKey{}, c), c
}

// FromContext returns the collector carried by ctx, or nil.
func FromContext(ctx context.Context) *Collector {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(collectorKey{}).(*Collector)
	return c
}
