// Package gateway serves the WebSocket delivery channel.
//
// A client opens /ws?conversationId=<id>&token=<token>. The [Hub] assigns the
// connection an id, registers it in the connection registry and keeps it open
// until either the client disconnects or the completion worker pushes the
// summarization result and closes it. Messages sent by the client are read and
// discarded.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/anamnese/internal/auth"
	"github.com/MrWong99/anamnese/internal/connreg"
	"github.com/MrWong99/anamnese/internal/delivery"
	"github.com/MrWong99/anamnese/internal/observe"
)

// DefaultWriteTimeout bounds a single push to a client.
const DefaultWriteTimeout = 10 * time.Second

var _ delivery.Pusher = (*Hub)(nil)

// AttachFunc makes a connection reachable from other processes. The returned
// function undoes it. [delivery.Relay.Attach] satisfies it.
type AttachFunc func(connectionID string) (detach func(), err error)

// Option configures a [Hub].
type Option func(*Hub)

// WithAttach registers every accepted connection with attach, typically a
// [delivery.Relay].
func WithAttach(attach AttachFunc) Option {
	return func(h *Hub) { h.attach = attach }
}

// WithOriginPatterns sets the host patterns allowed to open cross-origin
// connections. See [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.originPatterns = patterns }
}

// WithWriteTimeout overrides [DefaultWriteTimeout].
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithMetrics sets the metrics used for the open-connection gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

type client struct {
	id             string
	userID         string
	conversationID string
	conn           *websocket.Conn
	detach         func()
}

// Hub owns the WebSocket connections accepted by this process. It is an
// [http.Handler] for the upgrade endpoint and a [delivery.Pusher] for the
// connections it holds.
type Hub struct {
	registry connreg.Registry
	verifier auth.Verifier

	attach         AttachFunc
	originPatterns []string
	writeTimeout   time.Duration
	metrics        *observe.Metrics

	mu      sync.Mutex
	clients map[string]*client
}

// NewHub returns a [Hub] that records connections in registry and resolves
// client tokens with verifier.
func NewHub(registry connreg.Registry, verifier auth.Verifier, opts ...Option) *Hub {
	h := &Hub{
		registry:     registry,
		verifier:     verifier,
		writeTimeout: DefaultWriteTimeout,
		metrics:      observe.DefaultMetrics(),
		clients:      make(map[string]*client),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Len returns the number of connections currently held.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		http.Error(w, connreg.ErrMissingConversation.Error(), http.StatusBadRequest)
		return
	}
	userID, err := h.verifier.Verify(ctx, auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		// Accept has already written the error response.
		slog.WarnContext(ctx, "gateway: accept failed", "err", err)
		return
	}

	c := &client{
		id:             uuid.NewString(),
		userID:         userID,
		conversationID: conversationID,
		conn:           conn,
	}
	log := slog.With("connection_id", c.id, "user_id", userID, "conversation_id", conversationID)

	if err := h.open(ctx, c); err != nil {
		log.ErrorContext(ctx, "gateway: register connection", "err", err)
		conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	h.metrics.ActiveConnections.Add(ctx, 1)
	log.InfoContext(ctx, "gateway: connection opened")

	err = h.readLoop(ctx, conn)
	h.release(context.WithoutCancel(ctx), c)
	h.metrics.ActiveConnections.Add(ctx, -1)
	conn.CloseNow()

	log.InfoContext(ctx, "gateway: connection closed", "close_status", int(websocket.CloseStatus(err)))
}

// readLoop discards client frames until the connection fails or closes.
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

func (h *Hub) open(ctx context.Context, c *client) error {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	if h.attach != nil {
		detach, err := h.attach(c.id)
		if err != nil {
			h.forget(c.id)
			return err
		}
		c.detach = detach
	}
	if err := h.registry.Register(ctx, c.userID, c.conversationID, c.id); err != nil {
		h.forget(c.id)
		if c.detach != nil {
			c.detach()
		}
		return err
	}
	return nil
}

// release undoes open. Removing a registry entry that the completion worker
// already removed is harmless.
func (h *Hub) release(ctx context.Context, c *client) {
	h.forget(c.id)
	if c.detach != nil {
		c.detach()
	}
	if err := h.registry.Remove(ctx, c.userID, c.conversationID, c.id); err != nil {
		slog.WarnContext(ctx, "gateway: remove connection", "connection_id", c.id, "err", err)
	}
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *Hub) get(id string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[id]
}

// Push implements [delivery.Pusher]. The payload is sent as one text message.
func (h *Hub) Push(ctx context.Context, connectionID string, p delivery.Payload) error {
	c := h.get(connectionID)
	if c == nil {
		return fmt.Errorf("gateway: push %s: %w", connectionID, delivery.ErrGone)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("gateway: encode payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gateway: push %s: %w: %v", connectionID, delivery.ErrGone, err)
	}
	return nil
}

// Close implements [delivery.Pusher]. It performs the close handshake; the
// connection's read loop then releases it.
func (h *Hub) Close(ctx context.Context, connectionID string) error {
	c := h.get(connectionID)
	if c == nil {
		return nil
	}
	if err := c.conn.Close(websocket.StatusNormalClosure, "delivered"); err != nil && !isClosed(err) {
		slog.DebugContext(ctx, "gateway: close handshake", "connection_id", connectionID, "err", err)
	}
	return nil
}

// Shutdown closes every held connection with StatusGoingAway.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Go(func() {
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		})
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, c := range clients {
			c.conn.CloseNow()
		}
	}
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}
