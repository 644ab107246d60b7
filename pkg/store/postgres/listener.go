package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/anamnese/pkg/store"
)

var _ store.ChangeSource = (*Listener)(nil)

// Listener is a [store.ChangeSource] backed by LISTEN on [NotifyChannel].
// It holds one dedicated pool connection for its whole lifetime. Next must
// not be called concurrently.
type Listener struct {
	conn *pgxpool.Conn

	closeOnce sync.Once
}

// Listen acquires a connection from pool and subscribes to chunk changes.
func Listen(ctx context.Context, pool *pgxpool.Pool) (*Listener, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres listener: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres listener: listen: %w", err)
	}
	return &Listener{conn: conn}, nil
}

// Next implements [store.ChangeSource]. Payloads that cannot be decoded are
// returned as errors; the listener stays usable afterwards.
func (l *Listener) Next(ctx context.Context) (store.ChunkChange, error) {
	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return store.ChunkChange{}, fmt.Errorf("postgres listener: wait: %w", err)
	}
	var c store.ChunkChange
	if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
		return store.ChunkChange{}, fmt.Errorf("postgres listener: %w: %q: %v", store.ErrMalformedChange, n.Payload, err)
	}
	return c, nil
}

// Close implements [store.ChangeSource]. The connection is destroyed rather
// than returned to the pool so that its LISTEN registration cannot leak into
// other users of the pool.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		conn := l.conn.Hijack()
		_ = conn.Close(context.Background())
	})
	return nil
}
