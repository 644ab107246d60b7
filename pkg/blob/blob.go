// Package blob defines the object store that holds uploaded audio chunks.
//
// Objects are addressed by their full key, which for audio chunks follows the
// [chunkkey] format. Implementations must be safe for concurrent use.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blob: object not found")

// Store is a durable object store.
type Store interface {
	// Put stores the content of r under key, replacing any existing object.
	// contentType is recorded as object metadata and may be empty.
	Put(ctx context.Context, key, contentType string, r io.Reader) error

	// Get returns the full content of the object stored under key, or
	// ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object under key. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, key string) error
}
