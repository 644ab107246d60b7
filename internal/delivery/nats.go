package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultSubjectPrefix is the subject namespace used for relayed deliveries.
const DefaultSubjectPrefix = "anamnese.delivery"

const (
	opPush  = "push"
	opClose = "close"

	replyOK    = "ok"
	replyGone  = "gone"
	replyError = "error"
)

type envelope struct {
	Op      string   `json:"op"`
	Payload *Payload `json:"payload,omitempty"`
}

type reply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func subject(prefix, connectionID string) string {
	return prefix + "." + connectionID
}

// ─────────────────────────────────────────────────────────────────────────────
// Requesting side
// ─────────────────────────────────────────────────────────────────────────────

var _ Pusher = (*NATSPusher)(nil)

// NATSPusher is a [Pusher] that forwards every call as a NATS request to the
// gateway instance that attached the connection with [Relay.Attach]. No
// responder means the connection is gone.
type NATSPusher struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// NewNATSPusher returns a [NATSPusher]. An empty prefix selects
// [DefaultSubjectPrefix]; a non-positive timeout selects five seconds.
func NewNATSPusher(nc *nats.Conn, prefix string, timeout time.Duration) *NATSPusher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSPusher{nc: nc, prefix: prefix, timeout: timeout}
}

// Push implements [Pusher].
func (p *NATSPusher) Push(ctx context.Context, connectionID string, payload Payload) error {
	return p.request(ctx, connectionID, envelope{Op: opPush, Payload: &payload})
}

// Close implements [Pusher].
func (p *NATSPusher) Close(ctx context.Context, connectionID string) error {
	err := p.request(ctx, connectionID, envelope{Op: opClose})
	if errors.Is(err, ErrGone) {
		return nil
	}
	return err
}

func (p *NATSPusher) request(ctx context.Context, connectionID string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("delivery: encode: %w", err)
	}
	msg := nats.NewMsg(subject(p.prefix, connectionID))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.nc.RequestMsgWithContext(ctx, msg)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("delivery: %s: %w", connectionID, ErrGone)
	}
	if err != nil {
		return fmt.Errorf("delivery: %s %s: %w", env.Op, connectionID, err)
	}

	var r reply
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return fmt.Errorf("delivery: decode reply: %w", err)
	}
	switch r.Status {
	case replyOK:
		return nil
	case replyGone:
		return fmt.Errorf("delivery: %s: %w", connectionID, ErrGone)
	default:
		return fmt.Errorf("delivery: %s %s: %s", env.Op, connectionID, r.Error)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Responding side
// ─────────────────────────────────────────────────────────────────────────────

// Relay answers [NATSPusher] requests for the connections attached to it by
// dispatching them to a local [Pusher].
type Relay struct {
	nc     *nats.Conn
	prefix string
	local  Pusher
}

// NewRelay returns a [Relay] that serves connections held by local.
func NewRelay(nc *nats.Conn, prefix string, local Pusher) *Relay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Relay{nc: nc, prefix: prefix, local: local}
}

// Attach subscribes to requests for connectionID. The returned function
// detaches it again and must be called when the connection closes.
func (r *Relay) Attach(connectionID string) (detach func(), err error) {
	sub, err := r.nc.Subscribe(subject(r.prefix, connectionID), r.serve)
	if err != nil {
		return nil, fmt.Errorf("delivery: attach %s: %w", connectionID, err)
	}
	// Make the subscription known to the server before the connection is
	// registered, so that a completion racing the registration finds it.
	if err := r.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("delivery: attach %s: flush: %w", connectionID, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			slog.Warn("delivery: detach failed", "connection_id", connectionID, "err", err)
		}
	}, nil
}

func (r *Relay) serve(msg *nats.Msg) {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Header))
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connectionID := msg.Subject[len(r.prefix)+1:]

	var env envelope
	var err error
	if err = json.Unmarshal(msg.Data, &env); err == nil {
		switch env.Op {
		case opPush:
			if env.Payload == nil {
				err = errors.New("push without payload")
				break
			}
			err = r.local.Push(ctx, connectionID, *env.Payload)
		case opClose:
			err = r.local.Close(ctx, connectionID)
		default:
			err = fmt.Errorf("unknown op %q", env.Op)
		}
	}

	rep := reply{Status: replyOK}
	switch {
	case errors.Is(err, ErrGone):
		rep.Status = replyGone
	case err != nil:
		rep = reply{Status: replyError, Error: err.Error()}
	}
	data, _ := json.Marshal(rep)
	if rerr := msg.Respond(data); rerr != nil {
		slog.Warn("delivery: respond failed", "connection_id", connectionID, "err", rerr)
	}
}
