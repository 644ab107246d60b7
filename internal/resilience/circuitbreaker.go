// Package resilience guards provider calls with per-provider circuit
// breakers and fails over between a primary provider and its fallbacks.
//
// A [Breaker] opens after a run of consecutive failures, rejects calls with
// [ErrCircuitOpen] for a cooldown, then lets a limited number of probe calls
// through before closing again. Errors caused by the caller's context ending
// are never counted against a provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the cooldown has elapsed.
	StateOpen

	// StateHalfOpen forwards a limited number of probe calls. A probe failure
	// re-opens the breaker; enough probe successes close it.
	StateHalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values select the defaults.
type BreakerConfig struct {
	// Name identifies the guarded provider in logs and callbacks.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// Probes is both the number of concurrent probe calls admitted in the
	// half-open state and the number of probe successes needed to close.
	// Default: 2.
	Probes int

	// OnStateChange, when set, is called after every transition. It runs
	// outside the breaker's lock and may block the calling request briefly.
	OnStateChange func(name string, from, to State)

	// now is replaced in tests.
	now func() time.Time
}

// Breaker is a three-state circuit breaker guarding one provider.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   int
	successes int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// classify decides whether err counts against the provider.
func classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return outcomeIgnored
	default:
		return outcomeFailure
	}
}

type transition struct {
	from, to State
}

// Do runs fn if the breaker admits the call and records its outcome. It
// returns ctx.Err() without calling fn when ctx is already done, and
// [ErrCircuitOpen] when the call is rejected.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, classify(ctx, err))
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	var changes []transition
	defer func() { b.notify(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		changes = append(changes, b.setState(StateHalfOpen))
	}
	if b.state == StateHalfOpen {
		if b.probing >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.probing++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, o outcome) {
	var changes []transition
	defer func() { b.notify(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing--
		if b.state != StateHalfOpen {
			return
		}
		switch o {
		case outcomeFailure:
			changes = append(changes, b.trip())
		case outcomeSuccess:
			b.successes++
			if b.successes >= b.cfg.Probes {
				changes = append(changes, b.setState(StateClosed))
			}
		}
		return
	}

	if b.state != StateClosed {
		return
	}
	switch o {
	case outcomeFailure:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			changes = append(changes, b.trip())
		}
	case outcomeSuccess:
		b.failures = 0
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() transition {
	b.openedAt = b.cfg.now()
	return b.setState(StateOpen)
}

// setState moves to s and resets the per-state counters. Probes still in
// flight keep counting until they return. b.mu must be held.
func (b *Breaker) setState(s State) transition {
	t := transition{from: b.state, to: s}
	b.state = s
	b.failures = 0
	b.successes = 0
	return t
}

func (b *Breaker) notify(changes []transition) {
	for _, t := range changes {
		level := slog.LevelInfo
		if t.to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "resilience: circuit breaker state changed",
			"provider", b.cfg.Name, "from", t.from.String(), "to", t.to.String())
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
		}
	}
}

// State reports the breaker's current state. An open breaker whose cooldown
// has elapsed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setState(StateClosed)
	b.mu.Unlock()
	if t.from != t.to {
		b.notify([]transition{t})
	}
}
