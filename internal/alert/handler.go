package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

var _ slog.Handler = (*Handler)(nil)

// Handler is a [slog.Handler] that forwards to next and additionally records
// each handled record into the [Collector] found in the record's context.
// Records logged without a context collector are only forwarded.
type Handler struct {
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

// NewHandler wraps next.
func NewHandler(next slog.Handler) *Handler {
	return &Handler{next: next}
}

// Enabled implements [slog.Handler].
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements [slog.Handler].
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if c := FromContext(ctx); c != nil {
		c.Add(Entry{
			Time:    r.Time,
			Level:   r.Level,
			Message: r.Message,
			Attrs:   h.render(r),
		})
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs implements [slog.Handler].
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefixed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		prefixed[i] = slog.Attr{Key: h.prefix() + a.Key, Value: a.Value}
	}
	return &Handler{
		next:   h.next.WithAttrs(attrs),
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], prefixed...),
		groups: h.groups,
	}
}

// WithGroup implements [slog.Handler].
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}

func (h *Handler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func (h *Handler) render(r slog.Record) string {
	var b strings.Builder
	write := func(key string, v slog.Value) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", key, v.Resolve())
	}
	for _, a := range h.attrs {
		write(a.Key, a.Value)
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		write(prefix+a.Key, a.Value)
		return true
	})
	return b.String()
}
