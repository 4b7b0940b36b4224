// Package scheduler provides a durable, constraint-aware background job
// runner. Jobs are created through a registered creator per type, gated on
// network and power constraints, serialized per group, retried with
// configurable backoff, and optionally persisted across restarts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// JobState is the lifecycle state of a scheduled job.
type JobState string

const (
	JobStateScheduled            JobState = "scheduled"
	JobStateQueued               JobState = "queued"
	JobStateRunning              JobState = "running"
	JobStateRetrying             JobState = "retrying"
	JobStateWaitingForConstraint JobState = "waiting_for_constraint"
	JobStateTerminated           JobState = "terminated"
)

// ServiceQuality is a scheduling priority hint. It is recorded on the job
// but does not reorder dispatch.
type ServiceQuality string

const (
	ServiceDefault    ServiceQuality = "default"
	ServiceBackground ServiceQuality = "background"
	ServiceUtility    ServiceQuality = "utility"
)

// UniquePolicy selects how a unique-name collision is resolved.
type UniquePolicy string

const (
	// UniqueDropIncoming rejects the new job with ErrDuplicateJob.
	UniqueDropIncoming UniquePolicy = "drop-incoming"
	// UniqueDropExisting cancels the prior job, then schedules the new one.
	UniqueDropExisting UniquePolicy = "drop-existing"
	// UniqueError rejects the new job with ErrDuplicateJob.
	UniqueError UniquePolicy = "error"
)

// Failure taxonomy.
var (
	ErrDuplicateJob     = errors.New("scheduler: duplicate job")
	ErrJobCanceled      = errors.New("scheduler: job canceled")
	ErrDeadlineExceeded = errors.New("scheduler: job deadline exceeded")
	ErrJobTimeout       = errors.New("scheduler: job timed out")
	ErrUnknownJobType   = errors.New("scheduler: no creator registered for job type")
)

// RetryCancelError marks a terminal failure caused by OnRetry electing to
// cancel; Inner is the run error that triggered the retry decision.
type RetryCancelError struct {
	Inner error
}

func (e *RetryCancelError) Error() string {
	return fmt.Sprintf("scheduler: retry canceled: %v", e.Inner)
}

func (e *RetryCancelError) Unwrap() error { return e.Inner }

// Completion is the terminal outcome passed to OnRemove. Err is nil on
// success.
type Completion struct {
	Err error
}

// Success reports whether the job completed without error.
func (c Completion) Success() bool { return c.Err == nil }

// Result is the handle a job uses to report the outcome of one run.
// Done may be called from any goroutine; only the first call counts.
type Result struct {
	once sync.Once
	ch   chan error
}

func newResult() *Result {
	return &Result{ch: make(chan error, 1)}
}

// Done completes the run. A nil error is success, anything else routes
// through the retry policy.
func (r *Result) Done(err error) {
	r.once.Do(func() { r.ch <- err })
}

// retryKind discriminates RetryConstraint.
type retryKind int

const (
	retryKindRetry retryKind = iota
	retryKindExponential
	retryKindCancel
	retryKindRetryAfter
)

// RetryConstraint is the policy a job returns from OnRetry on each failure.
type RetryConstraint struct {
	kind    retryKind
	delay   time.Duration
	initial time.Duration
}

// Retry re-runs the job after a fixed delay.
func Retry(delay time.Duration) RetryConstraint {
	return RetryConstraint{kind: retryKindRetry, delay: delay}
}

// Exponential re-runs the job after initial * 2^(attempt-1).
func Exponential(initial time.Duration) RetryConstraint {
	return RetryConstraint{kind: retryKindExponential, initial: initial}
}

// Cancel stops retrying and fails the job terminally.
func Cancel() RetryConstraint {
	return RetryConstraint{kind: retryKindCancel}
}

// RetryAfter re-runs the job no earlier than the given delay from now.
func RetryAfter(delay time.Duration) RetryConstraint {
	return RetryConstraint{kind: retryKindRetryAfter, delay: delay}
}

// backoffDelay resolves the wait before the next attempt. attempt is
// 1-based: the first retry after the first failed run is attempt 1.
func (c RetryConstraint) backoffDelay(attempt int) time.Duration {
	switch c.kind {
	case retryKindExponential:
		d := c.initial
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	default:
		return c.delay
	}
}

// Job is the consumer-implemented unit of work.
type Job interface {
	// OnRun performs the work and must eventually call result.Done. It may
	// complete asynchronously; ctx is canceled on job cancellation,
	// deadline expiry, and scheduler shutdown.
	OnRun(ctx context.Context, result *Result)

	// OnRetry decides the policy after a failed run.
	OnRetry(err error) RetryConstraint

	// OnRemove is the terminal callback, fired exactly once with the final
	// outcome.
	OnRemove(completion Completion)
}

// JobCreator instantiates a job of a registered type from its payload.
// Used both for fresh schedules and for jobs restored from the persister.
type JobCreator func(params map[string]any) (Job, error)

// Listener observes job lifecycle transitions. Callbacks fire in the order
// scheduled, before-run, after-run, terminated and must not mutate
// scheduler state.
type Listener interface {
	OnScheduled(uuid, jobType string)
	OnBeforeRun(uuid, jobType string)
	OnAfterRun(uuid, jobType string, err error)
	OnTerminated(uuid, jobType string, completion Completion)
}
