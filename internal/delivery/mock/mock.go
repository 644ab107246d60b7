// Package mock provides a recording [delivery.Pusher] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/anamnese/internal/delivery"
)

var _ delivery.Pusher = (*Pusher)(nil)

// Push records one [Pusher.Push] call.
type Push struct {
	ConnectionID string
	Payload      delivery.Payload
}

// Pusher records pushes and closes. Connections listed in Gone make Push
// return [delivery.ErrGone].
type Pusher struct {
	mu     sync.Mutex
	pushes []Push
	closed []string

	// Gone holds connection ids that are treated as already closed.
	Gone map[string]bool

	// PushErr is returned by Push when non-nil.
	PushErr error

	// CloseErr is returned by Close when non-nil.
	CloseErr error
}

// Push implements [delivery.Pusher].
func (p *Pusher) Push(_ context.Context, connectionID string, payload delivery.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, Push{ConnectionID: connectionID, Payload: payload})
	if p.Gone[connectionID] {
		return delivery.ErrGone
	}
	return p.PushErr
}

// Close implements [delivery.Pusher].
func (p *Pusher) Close(_ context.Context, connectionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, connectionID)
	return p.CloseErr
}

// Pushes returns a copy of all recorded pushes.
func (p *Pusher) Pushes() []Push {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Push, len(p.pushes))
	copy(out, p.pushes)
	return out
}

// Closed returns the ids passed to Close, in call order.
func (p *Pusher) Closed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.closed))
	copy(out, p.closed)
	return out
}
