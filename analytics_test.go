package analytics

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/hoststate"
	"github.com/RevenuePilot/analytics-go/internal/models"
)

// collectingConsumer gathers everything the queue drains.
type collectingConsumer struct {
	mu       sync.Mutex
	messages []models.Message
}

func (c *collectingConsumer) Consume(_ context.Context, batch []models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, batch...)
	return nil
}

func (c *collectingConsumer) snapshot() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.messages...)
}

func (c *collectingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func testConfig(t *testing.T, queueName string) *common.Config {
	t.Helper()
	dir := t.TempDir()
	config := common.NewDefaultConfig()
	config.APIKey = "test-key"
	config.QueueName = queueName
	config.Storage.DataPath = dir
	config.Storage.JobsPath = filepath.Join(dir, "jobs")
	config.Flush.UseBatch = false
	return config
}

func newTestClient(t *testing.T, config *common.Config, consumer *collectingConsumer) *Client {
	t.Helper()
	client, err := New(config,
		WithConsumer(consumer),
		WithPreferenceStore(hoststate.NewMemory()),
		WithLogger(common.NewSilentLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTrackDeliversThroughQueue(t *testing.T) {
	consumer := &collectingConsumer{}
	client := newTestClient(t, testConfig(t, "track-test"), consumer)

	client.Track("signup", map[string]any{"plan": "pro"})
	client.Track("checkout", nil)

	require.Eventually(t, func() bool { return consumer.count() == 2 },
		3*time.Second, 10*time.Millisecond)

	msgs := consumer.snapshot()
	assert.Equal(t, "signup", msgs[0].Event)
	assert.Equal(t, "checkout", msgs[1].Event)
	assert.Equal(t, models.MessageTypeTrack, msgs[0].Type)
	assert.NotEmpty(t, msgs[0].AnonymousID)
	assert.Empty(t, msgs[0].UserID)
	assert.Equal(t, common.LibraryName, msgs[0].Context.Library.Name)
	require.NotNil(t, msgs[0].Properties)
	assert.True(t, msgs[0].Properties["plan"].Equal(models.StringValue("pro")))
}

func TestIdentifyLinksUserID(t *testing.T) {
	consumer := &collectingConsumer{}
	client := newTestClient(t, testConfig(t, "identify-test"), consumer)

	client.Identify("user-7", map[string]any{"tier": "gold"})
	client.Track("after_identify", nil)

	require.Eventually(t, func() bool { return consumer.count() == 2 },
		3*time.Second, 10*time.Millisecond)

	msgs := consumer.snapshot()
	assert.Equal(t, models.MessageTypeIdentify, msgs[0].Type)
	assert.Equal(t, "user-7", msgs[0].UserID)
	require.Contains(t, msgs[0].Traits, "tier")

	// Later events carry the identified user.
	assert.Equal(t, "user-7", msgs[1].UserID)
}

func TestAliasEmitsAliasMessage(t *testing.T) {
	consumer := &collectingConsumer{}
	client := newTestClient(t, testConfig(t, "alias-test"), consumer)

	client.Alias("renamed-user")

	require.Eventually(t, func() bool { return consumer.count() == 1 },
		3*time.Second, 10*time.Millisecond)

	msg := consumer.snapshot()[0]
	assert.Equal(t, models.MessageTypeAlias, msg.Type)
	assert.Equal(t, "renamed-user", msg.UserID)
	assert.NotEmpty(t, msg.AnonymousID)
}

func TestOptOutDropsAllEmits(t *testing.T) {
	consumer := &collectingConsumer{}
	config := testConfig(t, "optout-test")
	config.OptOut = true
	client := newTestClient(t, config, consumer)

	client.Track("ignored", nil)
	client.Identify("nobody", nil)
	client.Alias("nobody")

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, consumer.count())

	size, err := client.Size(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestAnonymousIDStableAcrossClients(t *testing.T) {
	prefs := hoststate.NewMemory()
	consumer := &collectingConsumer{}

	build := func(queueName string) *Client {
		config := testConfig(t, queueName)
		client, err := New(config,
			WithConsumer(consumer),
			WithPreferenceStore(prefs),
			WithLogger(common.NewSilentLogger()),
		)
		require.NoError(t, err)
		return client
	}

	first := build("anon-a")
	first.Track("one", nil)
	require.Eventually(t, func() bool { return consumer.count() == 1 },
		3*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close())

	second := build("anon-b")
	second.Track("two", nil)
	require.Eventually(t, func() bool { return consumer.count() == 2 },
		3*time.Second, 10*time.Millisecond)
	require.NoError(t, second.Close())

	msgs := consumer.snapshot()
	assert.Equal(t, msgs[0].AnonymousID, msgs[1].AnonymousID)
}

func TestCloseFlushesBufferedEvents(t *testing.T) {
	consumer := &collectingConsumer{}
	config := testConfig(t, "close-test")
	config.Flush.UseBatch = true
	config.Flush.Interval = "1h" // timer will never fire during the test
	config.Flush.QueueSize = 100

	client, err := New(config,
		WithConsumer(consumer),
		WithPreferenceStore(hoststate.NewMemory()),
		WithLogger(common.NewSilentLogger()),
	)
	require.NoError(t, err)

	client.Track("buffered_1", nil)
	client.Track("buffered_2", nil)
	client.Track("buffered_3", nil)

	require.NoError(t, client.Close())
	assert.Equal(t, 3, consumer.count())
}
