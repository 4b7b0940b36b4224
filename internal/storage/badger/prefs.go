package badger

import (
	"context"
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/RevenuePilot/analytics-go/internal/common"
)

// PrefEntry represents a host preference stored in BadgerDB.
type PrefEntry struct {
	Key   string `badgerhold:"key"`
	Value string
}

// PreferenceStore is the durable host preference backend holding the
// anonymous and user id across restarts.
type PreferenceStore struct {
	store  *Store
	logger *common.Logger
}

// NewPreferenceStore creates a preference store on an open store.
func NewPreferenceStore(store *Store, logger *common.Logger) *PreferenceStore {
	return &PreferenceStore{store: store, logger: logger}
}

func (s *PreferenceStore) Get(_ context.Context, key string) (string, error) {
	var entry PrefEntry
	err := s.store.db.Get(key, &entry)
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to get preference '%s': %w", key, err)
	}
	return entry.Value, nil
}

func (s *PreferenceStore) Set(_ context.Context, key, value string) error {
	entry := PrefEntry{Key: key, Value: value}
	if err := s.store.db.Upsert(key, &entry); err != nil {
		return fmt.Errorf("failed to set preference '%s': %w", key, err)
	}
	return nil
}

func (s *PreferenceStore) Delete(_ context.Context, key string) error {
	err := s.store.db.Delete(key, PrefEntry{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete preference '%s': %w", key, err)
	}
	return nil
}
