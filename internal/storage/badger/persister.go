package badger

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/timshannon/badgerhold/v4"

	"github.com/RevenuePilot/analytics-go/internal/common"
)

// PersistedJob is a serialized scheduler job kept across restarts. Seq
// records original insertion order within a queue; updates keep it.
type PersistedJob struct {
	Key       string `badgerhold:"key"` // "<queue>/<uuid>"
	QueueName string `badgerholdIndex:"QueueName"`
	JobUUID   string
	Blob      string
	Seq       uint64
}

// Persister implements the scheduler's JobPersister contract on BadgerHold.
// Safe for concurrent use from scheduler workers; badger transactions carry
// the per-entry atomicity.
type Persister struct {
	store  *Store
	logger *common.Logger
	seq    atomic.Uint64
}

// NewPersister creates a job persister on an open store. The sequence
// counter resumes past the highest persisted entry.
func NewPersister(store *Store, logger *common.Logger) (*Persister, error) {
	p := &Persister{store: store, logger: logger}

	var entries []PersistedJob
	if err := store.db.Find(&entries, nil); err != nil {
		return nil, fmt.Errorf("failed to scan persisted jobs: %w", err)
	}
	var max uint64
	for _, e := range entries {
		if e.Seq > max {
			max = e.Seq
		}
	}
	p.seq.Store(max)

	return p, nil
}

func jobKey(queueName, jobUUID string) string {
	return queueName + "/" + jobUUID
}

// Restore returns the serialized blobs for a queue in insertion order.
func (p *Persister) Restore(_ context.Context, queueName string) ([]string, error) {
	var entries []PersistedJob
	query := badgerhold.Where("QueueName").Eq(queueName).Index("QueueName")
	if err := p.store.db.Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to restore jobs for queue %s: %w", queueName, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	blobs := make([]string, 0, len(entries))
	for _, e := range entries {
		blobs = append(blobs, e.Blob)
	}
	return blobs, nil
}

// Put upserts a blob. A fresh entry takes the next sequence number; an
// update keeps its original position.
func (p *Persister) Put(_ context.Context, queueName, jobUUID, blob string) error {
	key := jobKey(queueName, jobUUID)

	var existing PersistedJob
	err := p.store.db.Get(key, &existing)
	switch err {
	case nil:
		existing.Blob = blob
		if err := p.store.db.Update(key, &existing); err != nil {
			return fmt.Errorf("failed to update persisted job %s: %w", key, err)
		}
		return nil
	case badgerhold.ErrNotFound:
		entry := PersistedJob{
			Key:       key,
			QueueName: queueName,
			JobUUID:   jobUUID,
			Blob:      blob,
			Seq:       p.seq.Add(1),
		}
		if err := p.store.db.Insert(key, &entry); err != nil {
			return fmt.Errorf("failed to insert persisted job %s: %w", key, err)
		}
		return nil
	default:
		return fmt.Errorf("failed to look up persisted job %s: %w", key, err)
	}
}

// Remove deletes an entry. Removing a missing entry is a no-op.
func (p *Persister) Remove(_ context.Context, queueName, jobUUID string) error {
	key := jobKey(queueName, jobUUID)
	err := p.store.db.Delete(key, PersistedJob{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to remove persisted job %s: %w", key, err)
	}
	return nil
}

// ClearAll drops every persisted job across all queues.
func (p *Persister) ClearAll(_ context.Context) error {
	if err := p.store.db.DeleteMatching(PersistedJob{}, nil); err != nil {
		return fmt.Errorf("failed to clear persisted jobs: %w", err)
	}
	return nil
}
