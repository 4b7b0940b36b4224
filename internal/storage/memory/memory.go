// Package memory implements the in-process fallback message storage. It
// mirrors the SQLite backend's semantics but survives nothing: data emitted
// while running on this backend is lost on restart.
package memory

import (
	"context"
	"sync"

	"github.com/RevenuePilot/analytics-go/internal/models"
)

// Storage keeps messages in insertion order in a slice, with an id index
// for dedup and deletes. All operations are serialized through a mutex.
type Storage struct {
	mu       sync.Mutex
	messages []models.Message
	index    map[string]struct{}
}

// New creates an empty in-memory store.
func New() *Storage {
	return &Storage{index: make(map[string]struct{})}
}

// Store appends a message. A duplicate id is rejected, matching the SQLite
// primary-key constraint.
func (s *Storage) Store(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[msg.ID]; exists {
		return models.NewStorageError("duplicate message id "+msg.ID, nil)
	}

	s.messages = append(s.messages, msg)
	s.index[msg.ID] = struct{}{}
	return nil
}

// Fetch returns the oldest limit messages in FIFO order.
func (s *Storage) Fetch(_ context.Context, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit > len(s.messages) {
		limit = len(s.messages)
	}
	if limit <= 0 {
		return nil, nil
	}

	batch := make([]models.Message, limit)
	copy(batch, s.messages[:limit])
	return batch, nil
}

// Delete removes messages by id. Missing ids are ignored.
func (s *Storage) Delete(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := s.messages[:0]
	for _, msg := range s.messages {
		if _, gone := drop[msg.ID]; gone {
			delete(s.index, msg.ID)
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	return nil
}

// Size returns the count of stored messages.
func (s *Storage) Size(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), nil
}

// Clear removes all messages.
func (s *Storage) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.index = make(map[string]struct{})
	return nil
}

// Close is a no-op for the memory backend.
func (s *Storage) Close() error { return nil }
