// Package mock provides an in-memory [blob.Store] for tests.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/anamnese/pkg/blob"
)

var _ blob.Store = (*Store)(nil)

// Store is a thread-safe in-memory [blob.Store]. The zero value is ready to
// use.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	// PutErr is returned by [Store.Put] when non-nil.
	PutErr error

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error

	// GetCalls records the keys passed to [Store.Get].
	GetCalls []string
}

// Put implements [blob.Store].
func (s *Store) Put(_ context.Context, key, contentType string, r io.Reader) error {
	s.mu.Lock()
	err := s.PutErr
	s.mu.Unlock()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("blob mock: read %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
		s.types = make(map[string]string)
	}
	s.objects[key] = buf.Bytes()
	s.types[key] = contentType
	return nil
}

// Get implements [blob.Store].
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls = append(s.GetCalls, key)
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("blob mock: get %q: %w", key, blob.ErrNotFound)
	}
	return bytes.Clone(data), nil
}

// Delete implements [blob.Store].
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.types, key)
	return nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// ContentType returns the content type recorded for key.
func (s *Store) ContentType(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[key]
}
