// Package interfaces defines the contracts between the queue core, the
// storage backends, the job runtime, and the host environment.
package interfaces

import (
	"context"

	"github.com/RevenuePilot/analytics-go/internal/models"
)

// MessageStorage is a FIFO durable log of messages. Implementations
// serialize their operations internally; callers may issue concurrent
// requests and observe a total order equal to the acceptance order.
type MessageStorage interface {
	// Store appends a message, preserving arrival order via a monotonic
	// created-at stamp.
	Store(ctx context.Context, msg models.Message) error

	// Fetch returns the oldest limit messages in FIFO order without
	// consuming them; a later Delete removes them.
	Fetch(ctx context.Context, limit int) ([]models.Message, error)

	// Delete removes messages by id. Missing ids are ignored and an empty
	// set is a no-op.
	Delete(ctx context.Context, ids []string) error

	// Size returns the count of stored messages.
	Size(ctx context.Context) (int, error)

	// Clear removes all messages.
	Clear(ctx context.Context) error

	Close() error
}

// JobPersister is an ordered persistent map holding serialized jobs across
// process restarts, keyed by (queue name, job uuid). Implementations must be
// safe for concurrent use from scheduler workers.
type JobPersister interface {
	// Restore returns the serialized blobs for a queue in original
	// insertion order.
	Restore(ctx context.Context, queueName string) ([]string, error)

	// Put upserts a blob. An update keeps the entry's original position.
	Put(ctx context.Context, queueName, jobUUID, blob string) error

	// Remove deletes an entry. Removing a missing entry is a no-op.
	Remove(ctx context.Context, queueName, jobUUID string) error

	// ClearAll drops every persisted job across all queues.
	ClearAll(ctx context.Context) error
}

// PreferenceStore holds small host-scoped key-value state such as the
// anonymous id. Kept behind an interface so tests can inject a memory map.
type PreferenceStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
