package interfaces

import (
	"context"

	"github.com/RevenuePilot/analytics-go/internal/models"
)

// MessageConsumer receives batches drained from a message queue. A nil
// return means the batch has been handed off and the queue may delete it
// from its own storage; an error leaves the batch in place for retry.
type MessageConsumer interface {
	Consume(ctx context.Context, batch []models.Message) error
}

// MessageConsumerFunc adapts a function to the MessageConsumer interface.
type MessageConsumerFunc func(ctx context.Context, batch []models.Message) error

func (f MessageConsumerFunc) Consume(ctx context.Context, batch []models.Message) error {
	return f(ctx, batch)
}
