package connreg

import (
	"context"
	"maps"
	"slices"
	"sync"
)

var _ Registry = (*Memory)(nil)

// Memory is an in-process [Registry] for single-instance deployments and
// tests. The zero value is ready to use.
type Memory struct {
	mu    sync.Mutex
	conns map[[2]string]map[string]struct{}
}

// NewMemory returns an empty [Memory] registry.
func NewMemory() *Memory {
	return &Memory{}
}

// Register implements [Registry].
func (m *Memory) Register(_ context.Context, userID, conversationID, connectionID string) error {
	if err := validate(userID, conversationID, connectionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns == nil {
		m.conns = make(map[[2]string]map[string]struct{})
	}
	k := [2]string{userID, conversationID}
	if m.conns[k] == nil {
		m.conns[k] = make(map[string]struct{})
	}
	m.conns[k][connectionID] = struct{}{}
	return nil
}

// Lookup implements [Registry].
func (m *Memory) Lookup(_ context.Context, userID, conversationID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := slices.Sorted(maps.Keys(m.conns[[2]string{userID, conversationID}]))
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Remove implements [Registry].
func (m *Memory) Remove(_ context.Context, userID, conversationID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]string{userID, conversationID}
	delete(m.conns[k], connectionID)
	if len(m.conns[k]) == 0 {
		delete(m.conns, k)
	}
	return nil
}
