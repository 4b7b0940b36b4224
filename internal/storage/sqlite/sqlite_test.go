package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/models"
)

func newTestStorage(t *testing.T, dir string) *Storage {
	t.Helper()
	s, err := New(dir, "test-queue", common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id string) models.Message {
	return models.Message{
		ID:          id,
		Type:        models.MessageTypeTrack,
		AnonymousID: "anon",
		Timestamp:   time.Now(),
		APIVersion:  models.CurrentAPIVersion,
		Event:       "test_event",
		Properties:  models.NewProperties(map[string]any{"seq": id}),
		Context: models.MessageContext{
			OS:      models.OSInfo{Name: "linux"},
			Library: models.LibraryInfo{Name: "analytics-go", Version: "dev"},
		},
	}
}

func storeN(t *testing.T, s *Storage, n int, prefix string) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%s%03d", prefix, i)
		require.NoError(t, s.Store(context.Background(), testMessage(ids[i])))
	}
	return ids
}

func TestFetchReturnsInsertionOrder(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ids := storeN(t, s, 10, "msg_")

	got, err := s.Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i, msg := range got {
		assert.Equal(t, ids[i], msg.ID)
	}
}

func TestFetchRespectsLimit(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	storeN(t, s, 5, "msg_")

	got, err := s.Fetch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "msg_000", got[0].ID)
	assert.Equal(t, "msg_002", got[2].ID)
}

func TestFetchIsNonDestructive(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	storeN(t, s, 3, "msg_")

	_, err := s.Fetch(context.Background(), 3)
	require.NoError(t, err)

	size, err := s.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestSizeAfterStoresAndDeletes(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ids := storeN(t, s, 8, "msg_")

	require.NoError(t, s.Delete(context.Background(), ids[:3]))

	size, err := s.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, size)

	// Deleting missing ids is a no-op.
	require.NoError(t, s.Delete(context.Background(), []string{"missing_1", "missing_2"}))
	size, err = s.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, size)

	// Empty input is a no-op.
	require.NoError(t, s.Delete(context.Background(), nil))
}

func TestOrderPreservedUnderSelectiveDelete(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	storeN(t, s, 10, "")

	require.NoError(t, s.Delete(context.Background(), []string{"002", "005", "007"}))

	got, err := s.Fetch(context.Background(), 10)
	require.NoError(t, err)

	var gotIDs []string
	for _, msg := range got {
		gotIDs = append(gotIDs, msg.ID)
	}
	assert.Equal(t, []string{"000", "001", "003", "004", "006", "008", "009"}, gotIDs)
}

func TestClear(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	storeN(t, s, 4, "msg_")

	require.NoError(t, s.Clear(context.Background()))

	size, err := s.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	got, err := s.Fetch(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDuplicateIDRejected(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	msg := testMessage("dup")
	require.NoError(t, s.Store(context.Background(), msg))

	err := s.Store(context.Background(), msg)
	require.Error(t, err)
	var storageErr *models.StorageError
	assert.ErrorAs(t, err, &storageErr)
}

func TestCrossInstancePersistence(t *testing.T) {
	dir := t.TempDir()

	first, err := New(dir, "persist-queue", common.NewSilentLogger())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, first.Store(context.Background(), testMessage(fmt.Sprintf("p%d", i))))
	}
	require.NoError(t, first.Close())

	second, err := New(dir, "persist-queue", common.NewSilentLogger())
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "p0", got[0].ID)
	assert.Equal(t, "p4", got[4].ID)
}

func TestMessageFieldsSurviveRoundTrip(t *testing.T) {
	s := newTestStorage(t, t.TempDir())

	when := time.Date(2024, 6, 1, 12, 30, 45, 123456000, time.UTC)
	msg := models.Message{
		ID:          "full",
		Type:        models.MessageTypeIdentify,
		UserID:      "user-9",
		AnonymousID: "anon-9",
		Timestamp:   when,
		APIVersion:  "1",
		Traits:      models.SetTraits(map[string]any{"plan": "pro"}),
		Context: models.MessageContext{
			App:      models.AppInfo{Name: "app", Version: "2.0", Build: "7"},
			OS:       models.OSInfo{Name: "linux", Version: "6.1"},
			Locale:   "en_AU",
			Timezone: "Australia/Sydney",
			Library:  models.LibraryInfo{Name: "analytics-go", Version: "dev"},
		},
	}
	require.NoError(t, s.Store(context.Background(), msg))

	got, err := s.Fetch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	back := got[0]
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, msg.Type, back.Type)
	assert.Equal(t, msg.UserID, back.UserID)
	assert.Equal(t, msg.AnonymousID, back.AnonymousID)
	assert.WithinDuration(t, when, back.Timestamp, time.Millisecond)
	assert.Nil(t, back.Properties)
	require.Contains(t, back.Traits, "plan")
	assert.Equal(t, msg.Context, back.Context)
}
