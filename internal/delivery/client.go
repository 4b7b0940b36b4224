// Package delivery uploads message batches to the ingestion endpoint and
// adapts drained batches into persisted scheduler jobs.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/models"
)

const (
	// DefaultTimeout bounds one upload attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultRateLimit is uploads per second.
	DefaultRateLimit = 5
)

// wireTimeFormat is ISO-8601 with millisecond precision, always UTC.
const wireTimeFormat = "2006-01-02T15:04:05.000Z"

// wireMessage is the exact JSON shape the /batch endpoint expects. Optional
// identifiers serialize as explicit nulls.
type wireMessage struct {
	ID          string                `json:"id"`
	Type        string                `json:"type"`
	UserID      *string               `json:"userId"`
	AnonymousID *string               `json:"anonymousId"`
	Timestamp   string                `json:"timestamp"`
	APIVersion  string                `json:"apiVersion"`
	Event       *string               `json:"event"`
	Properties  models.Properties     `json:"properties"`
	Traits      models.Traits         `json:"traits"`
	Context     models.MessageContext `json:"context"`
	SentAt      string                `json:"sentAt"`
}

type wireBatch struct {
	Batch []wireMessage `json:"batch"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// toWire stamps sentAt and converts a message to its wire shape.
func toWire(msg models.Message, sentAt time.Time) wireMessage {
	return wireMessage{
		ID:          msg.ID,
		Type:        string(msg.Type),
		UserID:      optional(msg.UserID),
		AnonymousID: optional(msg.AnonymousID),
		Timestamp:   msg.Timestamp.UTC().Format(wireTimeFormat),
		APIVersion:  msg.APIVersion,
		Event:       optional(msg.Event),
		Properties:  msg.Properties,
		Traits:      msg.Traits,
		Context:     msg.Context,
		SentAt:      sentAt.UTC().Format(wireTimeFormat),
	}
}

// Client posts batches to {serverURL}/batch with the API key header.
type Client struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *common.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithServerURL overrides the ingestion endpoint.
func WithServerURL(serverURL string) ClientOption {
	return func(c *Client) {
		c.serverURL = serverURL
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRateLimit sets the upload rate limit.
func WithRateLimit(uploadsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(uploadsPerSecond), uploadsPerSecond)
	}
}

// WithHTTPClient replaces the transport, used by tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an upload client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		serverURL: common.DefaultServerURL,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// withOverrides returns a copy of the client pointed at a different key or
// endpoint. Empty values keep the current ones. Used when a restored job
// carries its own configuration.
func (c *Client) withOverrides(apiKey, serverURL string) *Client {
	clone := *c
	if apiKey != "" {
		clone.apiKey = apiKey
	}
	if serverURL != "" {
		clone.serverURL = serverURL
	}
	return &clone
}

// Upload posts one batch. sentAt is stamped on every message immediately
// before the send. A non-2xx response fails with a StatusError carrying
// the code.
func (c *Client) Upload(ctx context.Context, batch []models.Message, sentAt time.Time) error {
	if len(batch) == 0 {
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter interrupted: %w", err)
	}

	payload := wireBatch{Batch: make([]wireMessage, len(batch))}
	for i, msg := range batch {
		payload.Batch[i] = toWire(msg, sentAt)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &models.SerializationError{Detail: "failed to encode batch payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/batch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build batch request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("batch upload transport error: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &models.StatusError{Code: resp.StatusCode}
	}

	c.logger.Debug().Int("batch_size", len(batch)).Msg("Batch uploaded")
	return nil
}
