// Package connreg tracks which live delivery channels belong to a
// conversation.
//
// A conversation may have several registered connections. Entries carry no
// TTL: a connection whose client vanished without a close event stays until
// the completion worker removes it after delivery, and pushes to it fail
// harmlessly in the meantime.
package connreg

import (
	"context"
	"errors"
)

// ErrMissingConversation is returned by Register when no conversation id was
// supplied.
var ErrMissingConversation = errors.New("connreg: conversationId is required")

// Registry maps (userId, conversationId) to connection ids. Register and
// Remove are idempotent. Implementations must be safe for concurrent use.
type Registry interface {
	Register(ctx context.Context, userID, conversationID, connectionID string) error

	// Lookup returns the registered connection ids, sorted. An unknown
	// conversation yields an empty slice.
	Lookup(ctx context.Context, userID, conversationID string) ([]string, error)

	Remove(ctx context.Context, userID, conversationID, connectionID string) error
}

func validate(userID, conversationID, connectionID string) error {
	if conversationID == "" {
		return ErrMissingConversation
	}
	if userID == "" {
		return errors.New("connreg: userId is required")
	}
	if connectionID == "" {
		return errors.New("connreg: connectionId is required")
	}
	return nil
}
