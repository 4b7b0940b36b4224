// Package queue implements the analytics message queue: a single-writer,
// single-reader state machine that buffers messages in pluggable storage
// and hands them to a consumer in FIFO batches.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/interfaces"
	"github.com/RevenuePilot/analytics-go/internal/metrics"
	"github.com/RevenuePilot/analytics-go/internal/models"
	"github.com/RevenuePilot/analytics-go/internal/storage/memory"
	"github.com/RevenuePilot/analytics-go/internal/storage/sqlite"
)

// State is the queue lifecycle state.
type State int

const (
	StateIdle State = iota
	StateProcessing
	StateStopped
)

// DefaultFetchLimit bounds a drain batch when no batching window is set.
const DefaultFetchLimit = 100

// Backoff pauses applied inside the drain loop before giving the trigger
// back to the timer.
const (
	consumerFailureBackoff = 100 * time.Millisecond
	storageFailureBackoff  = 500 * time.Millisecond
)

// BatchingWindow configures the two batching triggers: a periodic timer and
// a count threshold. Whichever fires first drains the queue.
type BatchingWindow struct {
	TimeWindow time.Duration
	MaxCount   int
}

// Options configures a Queue. With a nil BatchingWindow every emit triggers
// an immediate drain (batch size 1).
type Options struct {
	BatchingWindow *BatchingWindow
}

// Queue coordinates ingestion, batching triggers, and dispatch. All public
// methods are safe for concurrent use; drains never overlap.
type Queue struct {
	mu    sync.Mutex
	state State

	storage  interfaces.MessageStorage
	consumer interfaces.MessageConsumer
	window   *BatchingWindow
	logger   *common.Logger
	metrics  *metrics.Metrics

	// drainMu makes the at-most-one-drain-in-flight invariant hold across
	// every path that can reach the drain loop.
	drainMu sync.Mutex

	trigger     chan struct{}
	runCtx      context.Context
	runCancel   context.CancelFunc
	timerCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New opens durable storage for the queue name under dir and wraps it in a
// queue. A storage open failure falls back to the in-memory backend: the
// queue keeps accepting events, but anything emitted before the next
// restart will not survive it. Availability over durability.
func New(dir, queueName string, consumer interfaces.MessageConsumer, opts Options, logger *common.Logger, m *metrics.Metrics) *Queue {
	var store interfaces.MessageStorage
	sqlStore, err := sqlite.New(dir, queueName, logger)
	if err != nil {
		logger.Warn().Err(err).Str("queue", queueName).
			Msg("Message store open failed, falling back to in-memory storage")
		store = memory.New()
	} else {
		store = sqlStore
	}
	return NewWithStorage(store, consumer, opts, logger, m)
}

// NewWithStorage wraps an existing storage backend. Used directly by tests
// and by callers that manage storage themselves.
func NewWithStorage(store interfaces.MessageStorage, consumer interfaces.MessageConsumer, opts Options, logger *common.Logger, m *metrics.Metrics) *Queue {
	return &Queue{
		state:    StateIdle,
		storage:  store,
		consumer: consumer,
		window:   opts.BatchingWindow,
		logger:   logger,
		metrics:  m,
		trigger:  make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Storage exposes the backing store for persistence tests and diagnostics.
func (q *Queue) Storage() interfaces.MessageStorage { return q.storage }

// Emit appends a message to storage and evaluates the batching triggers.
// It never blocks the producer on delivery and never surfaces errors;
// internal faults are logged. The message is durable before Emit returns.
func (q *Queue) Emit(ctx context.Context, msg models.Message) {
	if err := q.storage.Store(ctx, msg); err != nil {
		q.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to store message")
		return
	}
	if q.metrics != nil {
		q.metrics.MessagesEmitted.Inc()
	}
	q.triggerProcessingIfNeeded(ctx)
}

// triggerProcessingIfNeeded signals the drain worker when the queue is
// processing and either no batching window is configured or the count
// threshold has been reached.
func (q *Queue) triggerProcessingIfNeeded(ctx context.Context) {
	q.mu.Lock()
	processing := q.state == StateProcessing
	q.mu.Unlock()
	if !processing {
		return
	}

	if q.window == nil {
		q.signal()
		return
	}

	size, err := q.storage.Size(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Msg("Failed to read queue size for batching trigger")
		return
	}
	if size >= q.window.MaxCount {
		q.signal()
	}
}

// signal nudges the drain worker without blocking. A pending trigger
// coalesces with new ones.
func (q *Queue) signal() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Size returns the number of buffered messages.
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.storage.Size(ctx)
}

// StartRunloop transitions idle -> processing, drains any backlog once
// synchronously, then starts the drain worker and, when a batching window
// is configured, the periodic batch timer. Calling it in any state other
// than idle is a no-op.
func (q *Queue) StartRunloop(ctx context.Context) {
	q.mu.Lock()
	if q.state != StateIdle {
		q.mu.Unlock()
		return
	}
	q.state = StateProcessing
	runCtx, cancel := context.WithCancel(context.Background())
	q.runCtx = runCtx
	q.runCancel = cancel
	q.mu.Unlock()

	// Backlog from a previous run is delivered before the timer starts.
	q.drain(ctx)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-q.trigger:
				q.drain(runCtx)
			}
		}
	}()

	if q.window != nil {
		q.startTimer(runCtx)
	}
}

// startTimer launches the periodic batch timer under parent. The timer does
// not reset on count-triggered drains; an empty tick produces an empty
// fetch, which is cheap.
func (q *Queue) startTimer(parent context.Context) {
	timerCtx, cancel := context.WithCancel(parent)

	q.mu.Lock()
	q.timerCancel = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.window.TimeWindow)
		defer ticker.Stop()
		for {
			select {
			case <-timerCtx.Done():
				return
			case <-ticker.C:
				q.signal()
			}
		}
	}()
}

// Stop transitions to the terminal stopped state and cancels the worker and
// timer. In-flight consumer calls complete; messages already in storage
// stay there for the next instance.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.state == StateStopped {
		q.mu.Unlock()
		return
	}
	q.state = StateStopped
	cancel := q.runCancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// ClearQueue cancels the in-flight timer task and clears storage. Any
// currently running consume call completes and its delete lands on an
// already-empty table, which is a no-op. The timer restarts when the queue
// is still processing.
func (q *Queue) ClearQueue(ctx context.Context) error {
	q.mu.Lock()
	cancelTimer := q.timerCancel
	q.timerCancel = nil
	q.mu.Unlock()

	if cancelTimer != nil {
		cancelTimer()
	}

	if err := q.storage.Clear(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	stillProcessing := q.state == StateProcessing
	runCtx := q.runCtx
	q.mu.Unlock()
	if stillProcessing && q.window != nil && runCtx != nil {
		q.startTimer(runCtx)
	}

	return nil
}

// Flush signals an immediate drain attempt without waiting for a trigger.
func (q *Queue) Flush() {
	q.signal()
}

// FlushSync drains the queue on the caller's goroutine. Used for the final
// drain on shutdown; the drain mutex keeps it from overlapping the worker.
func (q *Queue) FlushSync(ctx context.Context) {
	q.drain(ctx)
}

// drain repeatedly fetches, consumes, and deletes batches until storage is
// empty, the queue leaves the processing state, or a failure halts
// progress. On consumer failure messages are kept for retry.
func (q *Queue) drain(ctx context.Context) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	limit := DefaultFetchLimit
	if q.window != nil && q.window.MaxCount > 0 {
		limit = q.window.MaxCount
	}

	for {
		q.mu.Lock()
		processing := q.state == StateProcessing
		q.mu.Unlock()
		if !processing {
			return
		}

		batch, err := q.storage.Fetch(ctx, limit)
		if err != nil {
			q.logger.Warn().Err(err).Msg("Failed to fetch batch from storage")
			time.Sleep(storageFailureBackoff)
			return
		}
		if len(batch) == 0 {
			return
		}

		if err := q.consumer.Consume(ctx, batch); err != nil {
			q.logger.Warn().Err(err).Int("batch_size", len(batch)).
				Msg("Consumer rejected batch, keeping messages for retry")
			if q.metrics != nil {
				q.metrics.ConsumeFailures.Inc()
			}
			time.Sleep(consumerFailureBackoff)
			return
		}

		ids := make([]string, len(batch))
		for i, msg := range batch {
			ids[i] = msg.ID
		}
		if err := q.storage.Delete(ctx, ids); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to delete delivered batch")
			return
		}

		if q.metrics != nil {
			q.metrics.BatchesConsumed.Inc()
			if size, err := q.storage.Size(ctx); err == nil {
				q.metrics.QueueDepth.Set(float64(size))
			}
		}
		q.logger.Debug().Int("batch_size", len(batch)).Msg("Batch handed to consumer")
	}
}
