// Package jetstream implements [blob.Store] on top of a NATS JetStream object
// store bucket.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MrWong99/anamnese/pkg/blob"
)

var _ blob.Store = (*Store)(nil)

// Store is a [blob.Store] backed by a JetStream object store bucket.
type Store struct {
	os     jetstream.ObjectStore
	bucket string
}

// Option configures a [Store].
type Option func(*jetstream.ObjectStoreConfig)

// WithDescription sets the bucket description used when the bucket is created.
func WithDescription(d string) Option {
	return func(c *jetstream.ObjectStoreConfig) { c.Description = d }
}

// WithMaxBytes caps the total size of the bucket.
func WithMaxBytes(n int64) Option {
	return func(c *jetstream.ObjectStoreConfig) { c.MaxBytes = n }
}

// New creates or updates the bucket and returns a [Store] that writes into it.
func New(ctx context.Context, js jetstream.JetStream, bucket string, opts ...Option) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("blob jetstream: bucket name must not be empty")
	}
	cfg := jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "uploaded audio chunks",
		Storage:     jetstream.FileStorage,
		Compression: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	obs, err := js.CreateOrUpdateObjectStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("blob jetstream: create bucket %q: %w", bucket, err)
	}
	return &Store{os: obs, bucket: bucket}, nil
}

// Bucket returns the bucket name. It is reported as the bucket of
// object-created notifications.
func (s *Store) Bucket() string { return s.bucket }

// Put implements [blob.Store].
func (s *Store) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	meta := jetstream.ObjectMeta{Name: key}
	if contentType != "" {
		meta.Headers = nats.Header{}
		meta.Headers.Set("Content-Type", contentType)
	}
	if _, err := s.os.Put(ctx, meta, r); err != nil {
		return fmt.Errorf("blob jetstream: put %q: %w", key, err)
	}
	return nil
}

// Get implements [blob.Store].
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.os.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("blob jetstream: get %q: %w", key, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob jetstream: get %q: %w", key, err)
	}
	return data, nil
}

// Delete implements [blob.Store].
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.os.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("blob jetstream: delete %q: %w", key, err)
	}
	return nil
}
