package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/metrics"
	"github.com/RevenuePilot/analytics-go/internal/models"
	"github.com/RevenuePilot/analytics-go/internal/scheduler"
)

// SendJobType selects the batch delivery job creator.
const SendJobType = "SendBatchingMessageJob"

// retryInitialBackoff seeds the exponential retry on network failure.
const retryInitialBackoff = 5 * time.Second

// Param keys inside the job payload.
const (
	paramMessages      = "messages"
	paramConfiguration = "configuration"
	configAPIKey       = "apiKey"
	configServerURL    = "serverUrl"
)

// sendBatchJob delivers one batch. The scheduler owns its retry loop; the
// queue deletes the batch from its own storage once the job is scheduled,
// so the job's payload is the only remaining copy.
type sendBatchJob struct {
	batch   []models.Message
	client  *Client
	logger  *common.Logger
	metrics *metrics.Metrics
}

// OnRun stamps sentAt and performs the upload.
func (j *sendBatchJob) OnRun(ctx context.Context, result *scheduler.Result) {
	err := j.client.Upload(ctx, j.batch, time.Now())
	if err != nil && j.metrics != nil {
		j.metrics.DeliveryFailures.Inc()
	}
	result.Done(err)
}

// OnRetry backs off exponentially from 5 seconds on every failure kind;
// the network gate keeps offline periods from burning attempts quickly.
func (j *sendBatchJob) OnRetry(err error) scheduler.RetryConstraint {
	return scheduler.Exponential(retryInitialBackoff)
}

// OnRemove records the terminal outcome. A failed removal drops the batch:
// delivery is at-least-once up to the retry budget, never guaranteed.
func (j *sendBatchJob) OnRemove(completion scheduler.Completion) {
	if completion.Success() {
		if j.metrics != nil {
			j.metrics.BatchesDelivered.Inc()
		}
		j.logger.Debug().Int("batch_size", len(j.batch)).Msg("Batch delivered")
		return
	}
	j.logger.Warn().Err(completion.Err).Int("batch_size", len(j.batch)).
		Msg("Batch dropped after delivery retries were exhausted")
}

// encodeParams builds the persistable job payload.
func encodeParams(batch []models.Message, apiKey, serverURL string) (map[string]any, error) {
	encoded, err := json.Marshal(batch)
	if err != nil {
		return nil, &models.SerializationError{Detail: "failed to encode batch for job payload", Err: err}
	}
	return map[string]any{
		paramMessages: string(encoded),
		paramConfiguration: map[string]any{
			configAPIKey:    apiKey,
			configServerURL: serverURL,
		},
	}, nil
}

// RegisterSendJob installs the delivery job creator on a scheduler manager.
// Restored jobs carry their own configuration and deliver to the endpoint
// they were created with.
func RegisterSendJob(m *scheduler.Manager, client *Client, logger *common.Logger, mx *metrics.Metrics) {
	m.Register(SendJobType, func(params map[string]any) (scheduler.Job, error) {
		encoded, ok := params[paramMessages].(string)
		if !ok {
			return nil, fmt.Errorf("send job payload missing %q", paramMessages)
		}

		var batch []models.Message
		if err := json.Unmarshal([]byte(encoded), &batch); err != nil {
			return nil, &models.SerializationError{Detail: "failed to decode batch from job payload", Err: err}
		}

		jobClient := client
		if cfg, ok := params[paramConfiguration].(map[string]any); ok {
			apiKey, _ := cfg[configAPIKey].(string)
			serverURL, _ := cfg[configServerURL].(string)
			jobClient = client.withOverrides(apiKey, serverURL)
		}

		return &sendBatchJob{
			batch:   batch,
			client:  jobClient,
			logger:  logger,
			metrics: mx,
		}, nil
	})
}
