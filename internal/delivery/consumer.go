package delivery

import (
	"context"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/models"
	"github.com/RevenuePilot/analytics-go/internal/scheduler"
)

// Consumer adapts drained batches into persisted delivery jobs. Consume
// succeeds once the job is durably scheduled; from that point the job owns
// delivery and the queue may delete the batch from its storage.
type Consumer struct {
	manager    *scheduler.Manager
	apiKey     string
	serverURL  string
	maxRetries int
	logger     *common.Logger
}

// NewConsumer creates the delivery consumer. maxRetries bounds
// scheduler-side network retries; -1 retries without bound.
func NewConsumer(manager *scheduler.Manager, apiKey, serverURL string, maxRetries int, logger *common.Logger) *Consumer {
	return &Consumer{
		manager:    manager,
		apiKey:     apiKey,
		serverURL:  serverURL,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Consume schedules a persisted, network-gated job carrying the batch and
// returns immediately. An error here leaves the batch in queue storage for
// the next trigger; this only happens when the scheduler itself is
// unavailable.
func (c *Consumer) Consume(_ context.Context, batch []models.Message) error {
	params, err := encodeParams(batch, c.apiKey, c.serverURL)
	if err != nil {
		return err
	}

	uuid, err := scheduler.NewJobBuilder(SendJobType).
		With(params).
		Internet(models.NetworkAny).
		Persist().
		Retry(c.maxRetries).
		Service(scheduler.ServiceBackground).
		Schedule(c.manager)
	if err != nil {
		return err
	}

	c.logger.Debug().Str("job_uuid", uuid).Int("batch_size", len(batch)).
		Msg("Delivery job scheduled")
	return nil
}
