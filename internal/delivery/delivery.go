// Package delivery pushes completion results to live client connections.
//
// A [Pusher] addresses connections by id. The WebSocket gateway implements it
// for the connections it holds; [NATSPusher] and [Relay] bridge the
// completion worker and the gateway instances over NATS request/reply so that
// the worker does not need to know which instance holds a connection.
package delivery

import (
	"context"
	"errors"

	"github.com/MrWong99/anamnese/pkg/types"
)

// TypeSummarization is the payload type of completion results.
const TypeSummarization = "summarization"

// ErrGone is returned by a [Pusher] when the target connection no longer
// exists. Callers log it and move on.
var ErrGone = errors.New("delivery: connection gone")

// Payload is the single message a client receives on its delivery channel.
type Payload struct {
	Success bool                             `json:"success"`
	Type    string                           `json:"type"`
	Data    *types.ConversationWithSummaries `json:"data,omitempty"`
	Error   *ErrorBody                       `json:"error,omitempty"`
}

// ErrorBody carries the user-visible failure message.
type ErrorBody struct {
	Message string `json:"message"`
}

// Success builds a successful summarization payload.
func Success(data *types.ConversationWithSummaries) Payload {
	return Payload{Success: true, Type: TypeSummarization, Data: data}
}

// Failure builds a failed summarization payload carrying only message.
func Failure(message string) Payload {
	return Payload{Success: false, Type: TypeSummarization, Error: &ErrorBody{Message: message}}
}

// Pusher delivers payloads to connections and closes them.
type Pusher interface {
	// Push sends p to the connection. It returns ErrGone when the connection
	// is unknown or already closed.
	Push(ctx context.Context, connectionID string, p Payload) error

	// Close force-closes the connection. Closing an unknown connection is not
	// an error.
	Close(ctx context.Context, connectionID string) error
}
