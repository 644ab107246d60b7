package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Call] when no member of a [FallbackGroup]
// produced a result. The individual member errors are joined into the
// returned error.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker created for each member of a
// [FallbackGroup]. Breaker.Name is overwritten with the member name.
type FallbackConfig struct {
	Breaker BreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup holds a primary provider and its fallbacks in preference
// order, each behind its own [Breaker]. Members must be added before the group
// is shared between goroutines.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first member is primary.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(name, primary)
	return g
}

// AddFallback appends a member tried after every member added before it.
func (g *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewBreaker(bc)})
}

// Primary returns the first member.
func (g *FallbackGroup[T]) Primary() T {
	return g.members[0].value
}

// Names returns the member names in preference order.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}
	return names
}

// Call invokes fn on each member in order until one succeeds. Members whose
// breaker is open are skipped. Once ctx is done no further member is tried
// and the current error is returned as is.
func Call[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.members {
		m := &g.members[i]
		var out R
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.InfoContext(ctx, "resilience: served by fallback", "provider", m.name)
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.DebugContext(ctx, "resilience: skipping provider with open circuit", "provider", m.name)
			continue
		}
		slog.WarnContext(ctx, "resilience: provider failed", "provider", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
