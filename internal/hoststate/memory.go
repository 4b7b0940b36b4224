// Package hoststate provides the in-memory PreferenceStore used by tests
// and by hosts that opt out of durable preferences. The durable backend
// lives in internal/storage/badger.
package hoststate

import (
	"context"
	"sync"
)

// Preference keys consumed by the SDK surface.
const (
	AnonymousIDKey = "__revflowAnonymousId"
	UserIDKey      = "__revflowUserId"
)

// Memory is a map-backed PreferenceStore.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemory creates an empty preference map.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
