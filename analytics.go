// Package analytics is the Revflow telemetry SDK for Go. Events are
// buffered in a durable local queue, batched, and delivered in the
// background by a constraint-aware job scheduler; emission never blocks
// and never fails to the caller.
package analytics

import (
	"context"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/contextinfo"
	"github.com/RevenuePilot/analytics-go/internal/delivery"
	"github.com/RevenuePilot/analytics-go/internal/hoststate"
	"github.com/RevenuePilot/analytics-go/internal/interfaces"
	"github.com/RevenuePilot/analytics-go/internal/metrics"
	"github.com/RevenuePilot/analytics-go/internal/models"
	"github.com/RevenuePilot/analytics-go/internal/queue"
	"github.com/RevenuePilot/analytics-go/internal/reachability"
	"github.com/RevenuePilot/analytics-go/internal/scheduler"
	"github.com/RevenuePilot/analytics-go/internal/storage/badger"
)

// Client is the public SDK surface. All methods are safe for concurrent
// use.
type Client struct {
	config  *common.Config
	logger  *common.Logger
	metrics *metrics.Metrics

	queue       *queue.Queue
	manager     *scheduler.Manager
	monitor     *reachability.DialMonitor
	prefs       interfaces.PreferenceStore
	badgerStore *badger.Store

	hostContext models.MessageContext
	anonymousID string
}

// Option customizes client construction.
type Option func(*clientOptions)

type clientOptions struct {
	app      contextinfo.AppDescriptor
	prefs    interfaces.PreferenceStore
	consumer interfaces.MessageConsumer
	registry prometheus.Registerer
	logger   *common.Logger
}

// WithAppDescriptor identifies the embedding application in message
// context records.
func WithAppDescriptor(app contextinfo.AppDescriptor) Option {
	return func(o *clientOptions) { o.app = app }
}

// WithPreferenceStore replaces the durable host preference backend.
func WithPreferenceStore(p interfaces.PreferenceStore) Option {
	return func(o *clientOptions) { o.prefs = p }
}

// WithConsumer replaces the delivery pipeline with a custom batch
// consumer. The scheduler and HTTP client are not constructed.
func WithConsumer(c interfaces.MessageConsumer) Option {
	return func(o *clientOptions) { o.consumer = c }
}

// WithMetricsRegistry registers SDK metrics with reg.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *clientOptions) { o.registry = reg }
}

// WithLogger replaces the config-derived logger.
func WithLogger(logger *common.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// New builds a client from config. Construction never fails on storage
// faults: the message queue falls back to memory and preferences fall back
// to a process-local map, each with a logged warning.
func New(config *common.Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = common.NewLogger(config.Logging.Level)
	}

	m := metrics.New(o.registry)

	c := &Client{
		config:  config,
		logger:  logger,
		metrics: m,
	}

	// Durable host state; memory fallback mirrors the queue's
	// availability-over-durability policy.
	c.prefs = o.prefs
	if c.prefs == nil {
		store, err := badger.NewStore(logger, config.Storage.JobsPath)
		if err != nil {
			logger.Warn().Err(err).Msg("Job store open failed, using in-memory preferences and non-persistent jobs")
			c.prefs = hoststate.NewMemory()
		} else {
			c.badgerStore = store
			c.prefs = badger.NewPreferenceStore(store, logger)
		}
	}

	c.anonymousID = c.loadOrCreateAnonymousID()

	consumer := o.consumer
	if consumer == nil {
		var managerOpts []scheduler.ManagerOption
		managerOpts = append(managerOpts,
			scheduler.WithPowerMonitor(reachability.AlwaysCharging{}),
			scheduler.WithMetrics(m),
		)

		if c.badgerStore != nil {
			persister, err := badger.NewPersister(c.badgerStore, logger)
			if err != nil {
				logger.Warn().Err(err).Msg("Job persister unavailable, delivery jobs will not survive restarts")
			} else {
				managerOpts = append(managerOpts, scheduler.WithPersister(persister))
			}
		}

		c.monitor = reachability.NewDialMonitor(config.Delivery.ProbeTarget, reachability.DefaultProbeInterval, logger)
		c.monitor.Start()
		managerOpts = append(managerOpts, scheduler.WithReachability(c.monitor))

		c.manager = scheduler.NewManager(config.QueueName, logger, managerOpts...)

		httpClient := delivery.NewClient(config.APIKey,
			delivery.WithServerURL(config.ServerURL),
			delivery.WithTimeout(config.Delivery.GetTimeout()),
			delivery.WithRateLimit(config.Delivery.RateLimit),
			delivery.WithLogger(logger),
		)
		delivery.RegisterSendJob(c.manager, httpClient, logger, m)
		c.manager.Start()

		consumer = delivery.NewConsumer(c.manager, config.APIKey, config.ServerURL, config.Delivery.MaxRetries, logger)
	}

	var queueOpts queue.Options
	if config.Flush.UseBatch {
		queueOpts.BatchingWindow = &queue.BatchingWindow{
			TimeWindow: config.Flush.GetInterval(),
			MaxCount:   config.Flush.QueueSize,
		}
	}

	c.queue = queue.New(config.Storage.DataPath, config.QueueName, consumer, queueOpts, logger, m)
	c.queue.StartRunloop(context.Background())

	c.hostContext = contextinfo.Collect(o.app)

	logger.Info().
		Str("queue", config.QueueName).
		Str("server_url", config.ServerURL).
		Msg("Analytics client ready")

	return c, nil
}

// loadOrCreateAnonymousID reads the persisted anonymous id, minting and
// saving one on first launch.
func (c *Client) loadOrCreateAnonymousID() string {
	ctx := context.Background()
	id, err := c.prefs.Get(ctx, hoststate.AnonymousIDKey)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read anonymous id")
	}
	if id != "" {
		return id
	}
	id = uuid.NewString()
	if err := c.prefs.Set(ctx, hoststate.AnonymousIDKey, id); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist anonymous id")
	}
	return id
}

// userID returns the persisted user id, empty when the user was never
// identified.
func (c *Client) userID() string {
	id, err := c.prefs.Get(context.Background(), hoststate.UserIDKey)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read user id")
		return ""
	}
	return id
}

// Track records an event with optional properties. Property values outside
// int, double, string, and bool are dropped.
func (c *Client) Track(event string, properties map[string]any) {
	if c.config.OptOut {
		return
	}
	msg := models.NewTrackMessage(event, properties, c.hostContext)
	msg.UserID = c.userID()
	msg.AnonymousID = c.anonymousID
	c.queue.Emit(context.Background(), msg)
}

// Identify links the current anonymous id to a user id and records trait
// updates.
func (c *Client) Identify(userID string, traits map[string]any) {
	if c.config.OptOut {
		return
	}
	if err := c.prefs.Set(context.Background(), hoststate.UserIDKey, userID); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist user id")
	}
	msg := models.NewIdentifyMessage(userID, models.SetTraits(traits), c.hostContext)
	msg.AnonymousID = c.anonymousID
	c.queue.Emit(context.Background(), msg)
}

// Alias links a new user id to the current identity.
func (c *Client) Alias(newUserID string) {
	if c.config.OptOut {
		return
	}
	if err := c.prefs.Set(context.Background(), hoststate.UserIDKey, newUserID); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist user id")
	}
	msg := models.NewAliasMessage(newUserID, c.anonymousID, c.hostContext)
	c.queue.Emit(context.Background(), msg)
}

// Flush signals an immediate drain attempt.
func (c *Client) Flush() {
	c.queue.Flush()
}

// Size returns the number of buffered messages.
func (c *Client) Size(ctx context.Context) (int, error) {
	return c.queue.Size(ctx)
}

// ClearQueue drops all buffered messages.
func (c *Client) ClearQueue(ctx context.Context) error {
	return c.queue.ClearQueue(ctx)
}

// Close drains the queue when configured to, stops the runloop and the job
// runtime, and releases storage. The client is unusable afterwards.
func (c *Client) Close() error {
	ctx := context.Background()

	if c.config.Flush.EventsOnClose {
		c.queue.FlushSync(ctx)
	}
	c.queue.Stop()

	if c.manager != nil {
		c.manager.Stop()
	}
	if c.monitor != nil {
		c.monitor.Stop()
	}

	var firstErr error
	if err := c.queue.Storage().Close(); err != nil {
		firstErr = err
	}
	if c.badgerStore != nil {
		if err := c.badgerStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.logger.Info().Msg("Analytics client closed")
	return firstErr
}
