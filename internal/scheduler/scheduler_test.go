package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/models"
	"github.com/RevenuePilot/analytics-go/internal/reachability"
)

// --- mocks ---

// memPersister is an ordered in-memory JobPersister.
type memPersister struct {
	mu      sync.Mutex
	order   []string // keys in insertion order
	entries map[string]string
}

func newMemPersister() *memPersister {
	return &memPersister{entries: make(map[string]string)}
}

func (p *memPersister) key(queueName, jobUUID string) string { return queueName + "/" + jobUUID }

func (p *memPersister) Restore(_ context.Context, queueName string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var blobs []string
	prefix := queueName + "/"
	for _, k := range p.order {
		if blob, ok := p.entries[k]; ok && len(k) > len(prefix) && k[:len(prefix)] == prefix {
			blobs = append(blobs, blob)
		}
	}
	return blobs, nil
}

func (p *memPersister) Put(_ context.Context, queueName, jobUUID, blob string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.key(queueName, jobUUID)
	if _, exists := p.entries[k]; !exists {
		p.order = append(p.order, k)
	}
	p.entries[k] = blob
	return nil
}

func (p *memPersister) Remove(_ context.Context, queueName, jobUUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, p.key(queueName, jobUUID))
	return nil
}

func (p *memPersister) ClearAll(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]string)
	p.order = nil
	return nil
}

func (p *memPersister) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// testJob counts runs, fails a configurable number of times, and records
// its terminal completion.
type testJob struct {
	mu       sync.Mutex
	runs     int
	failures int // fail the first N runs
	retry    RetryConstraint
	block    chan struct{} // when set, OnRun waits for it
	started  chan struct{} // closed-ish signal per run
	removed  chan Completion
}

func newTestJob() *testJob {
	return &testJob{
		retry:   Retry(10 * time.Millisecond),
		started: make(chan struct{}, 16),
		removed: make(chan Completion, 1),
	}
}

func (j *testJob) OnRun(ctx context.Context, result *Result) {
	j.mu.Lock()
	j.runs++
	fail := j.runs <= j.failures
	block := j.block
	j.mu.Unlock()

	j.started <- struct{}{}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			result.Done(ctx.Err())
			return
		}
	}

	if fail {
		result.Done(errors.New("transient failure"))
		return
	}
	result.Done(nil)
}

func (j *testJob) OnRetry(_ error) RetryConstraint { return j.retry }

func (j *testJob) OnRemove(completion Completion) { j.removed <- completion }

func (j *testJob) runCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func waitRemoved(t *testing.T, j *testJob) Completion {
	t.Helper()
	select {
	case c := <-j.removed:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("job was not removed in time")
		return Completion{}
	}
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager("test-queue", common.NewSilentLogger(), opts...)
	t.Cleanup(m.Stop)
	return m
}

// --- tests ---

func TestJobRunsAndCompletes(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	m.Register("work", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	uuid, err := NewJobBuilder("work").Schedule(m)
	require.NoError(t, err)
	assert.NotEmpty(t, uuid)

	completion := waitRemoved(t, job)
	assert.True(t, completion.Success())
	assert.Equal(t, 1, job.runCount())
}

func TestUnknownJobTypeRejected(t *testing.T) {
	m := newTestManager(t)
	m.Start()

	_, err := NewJobBuilder("nope").Schedule(m)
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestRetryUntilSuccess(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	job.failures = 2
	m.Register("flaky", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("flaky").Retry(5).Schedule(m)
	require.NoError(t, err)

	completion := waitRemoved(t, job)
	assert.True(t, completion.Success())
	assert.Equal(t, 3, job.runCount())
}

func TestRetryBudgetExhausted(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	job.failures = 100
	m.Register("doomed", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("doomed").Retry(2).Schedule(m)
	require.NoError(t, err)

	completion := waitRemoved(t, job)
	require.Error(t, completion.Err)
	assert.Equal(t, 3, job.runCount()) // initial run + 2 retries
}

func TestNoRetryByDefault(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	job.failures = 100
	m.Register("once", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("once").Schedule(m)
	require.NoError(t, err)

	completion := waitRemoved(t, job)
	require.Error(t, completion.Err)
	assert.Equal(t, 1, job.runCount())
}

func TestOnRetryCancelIsTerminal(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	job.failures = 100
	job.retry = Cancel()
	m.Register("canceling", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("canceling").Retry(10).Schedule(m)
	require.NoError(t, err)

	completion := waitRemoved(t, job)
	var retryCancel *RetryCancelError
	require.ErrorAs(t, completion.Err, &retryCancel)
	assert.Equal(t, 1, job.runCount())
}

func TestExponentialBackoffDelays(t *testing.T) {
	c := Exponential(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, c.backoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, c.backoffDelay(2))
	assert.Equal(t, 400*time.Millisecond, c.backoffDelay(3))
	assert.Equal(t, 800*time.Millisecond, c.backoffDelay(4))

	assert.Equal(t, 30*time.Millisecond, Retry(30*time.Millisecond).backoffDelay(7))
	assert.Equal(t, 45*time.Millisecond, RetryAfter(45*time.Millisecond).backoffDelay(2))
}

func TestDelayPostponesFirstRun(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	m.Register("delayed", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	start := time.Now()
	_, err := NewJobBuilder("delayed").Delay(150 * time.Millisecond).Schedule(m)
	require.NoError(t, err)

	completion := waitRemoved(t, job)
	assert.True(t, completion.Success())
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestDeadlineAlreadyPassedFailsWithoutRunning(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	m.Register("late", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("late").Deadline(time.Now().Add(-time.Second)).Schedule(m)
	require.NoError(t, err)

	completion := waitRemoved(t, job)
	assert.ErrorIs(t, completion.Err, ErrDeadlineExceeded)
	assert.Equal(t, 0, job.runCount())
}

func TestUniqueDropIncoming(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	job.block = make(chan struct{})
	m.Register("uniq", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("uniq").Unique("only-one", UniqueDropIncoming).Schedule(m)
	require.NoError(t, err)
	<-job.started

	_, err = NewJobBuilder("uniq").Unique("only-one", UniqueDropIncoming).Schedule(m)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	_, err = NewJobBuilder("uniq").Unique("only-one", UniqueError).Schedule(m)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	close(job.block)
	waitRemoved(t, job)
}

func TestUniqueDropExistingCancelsPrior(t *testing.T) {
	m := newTestManager(t)
	first := newTestJob()
	second := newTestJob()
	jobs := []*testJob{first, second}
	idx := 0
	var mu sync.Mutex
	m.Register("uniq", func(map[string]any) (Job, error) {
		mu.Lock()
		defer mu.Unlock()
		j := jobs[idx]
		idx++
		return j, nil
	})
	m.Start()

	// The first job is delayed so it is still pending when the second lands.
	_, err := NewJobBuilder("uniq").Unique("slot", UniqueDropExisting).Delay(time.Hour).Schedule(m)
	require.NoError(t, err)

	_, err = NewJobBuilder("uniq").Unique("slot", UniqueDropExisting).Schedule(m)
	require.NoError(t, err)

	firstCompletion := waitRemoved(t, first)
	assert.ErrorIs(t, firstCompletion.Err, ErrJobCanceled)
	assert.Equal(t, 0, first.runCount())

	secondCompletion := waitRemoved(t, second)
	assert.True(t, secondCompletion.Success())
}

func TestGroupSerialization(t *testing.T) {
	m := newTestManager(t, WithWorkers(4))
	first := newTestJob()
	first.block = make(chan struct{})
	second := newTestJob()

	jobs := map[string]*testJob{"a": first, "b": second}
	m.Register("grouped", func(params map[string]any) (Job, error) {
		return jobs[params["which"].(string)], nil
	})
	m.Start()

	_, err := NewJobBuilder("grouped").With(map[string]any{"which": "a"}).Group("serial").Schedule(m)
	require.NoError(t, err)
	<-first.started

	_, err = NewJobBuilder("grouped").With(map[string]any{"which": "b"}).Group("serial").Schedule(m)
	require.NoError(t, err)

	// While the first job blocks, the second must not start.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, second.runCount())

	close(first.block)
	waitRemoved(t, first)
	completion := waitRemoved(t, second)
	assert.True(t, completion.Success())
}

func TestDifferentGroupsRunConcurrently(t *testing.T) {
	m := newTestManager(t, WithWorkers(4))
	first := newTestJob()
	first.block = make(chan struct{})
	second := newTestJob()

	jobs := map[string]*testJob{"a": first, "b": second}
	m.Register("parallel", func(params map[string]any) (Job, error) {
		return jobs[params["which"].(string)], nil
	})
	m.Start()

	_, err := NewJobBuilder("parallel").With(map[string]any{"which": "a"}).Group("g1").Schedule(m)
	require.NoError(t, err)
	<-first.started

	_, err = NewJobBuilder("parallel").With(map[string]any{"which": "b"}).Group("g2").Schedule(m)
	require.NoError(t, err)

	// The second group proceeds while the first is still blocked.
	completion := waitRemoved(t, second)
	assert.True(t, completion.Success())

	close(first.block)
	waitRemoved(t, first)
}

func TestCancelPendingJob(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	m.Register("pending", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	uuid, err := NewJobBuilder("pending").Delay(time.Hour).Schedule(m)
	require.NoError(t, err)

	m.Cancel(uuid)

	completion := waitRemoved(t, job)
	assert.ErrorIs(t, completion.Err, ErrJobCanceled)
	assert.Equal(t, 0, job.runCount())
}

func TestCancelTag(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	m.Register("tagged", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("tagged").Delay(time.Hour).Tags("sweep", "batch").Schedule(m)
	require.NoError(t, err)

	m.CancelTag("sweep")

	completion := waitRemoved(t, job)
	assert.ErrorIs(t, completion.Err, ErrJobCanceled)
}

func TestInternetConstraintGatesUntilReachable(t *testing.T) {
	monitor := reachability.NewManualMonitor(models.NetworkNone)
	m := newTestManager(t, WithReachability(monitor))
	job := newTestJob()
	m.Register("gated", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("gated").Internet(models.NetworkAny).Schedule(m)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, job.runCount())

	monitor.SetLevel(models.NetworkAny)

	completion := waitRemoved(t, job)
	assert.True(t, completion.Success())
	assert.Equal(t, 1, job.runCount())
}

func TestNetworkLevelOrdering(t *testing.T) {
	assert.True(t, models.NetworkWifi.Satisfies(models.NetworkAny))
	assert.True(t, models.NetworkCellular.Satisfies(models.NetworkAny))
	assert.True(t, models.NetworkWifi.Satisfies(models.NetworkCellular))
	assert.False(t, models.NetworkCellular.Satisfies(models.NetworkWifi))
	assert.False(t, models.NetworkNone.Satisfies(models.NetworkAny))
}

func TestRunTimeout(t *testing.T) {
	m := newTestManager(t, WithRunTimeout(100*time.Millisecond))
	job := newTestJob()
	job.block = make(chan struct{}) // never released
	m.Register("stuck", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("stuck").Schedule(m)
	require.NoError(t, err)

	completion := waitRemoved(t, job)
	assert.ErrorIs(t, completion.Err, ErrJobTimeout)
}

func TestPeriodicRunsNTimes(t *testing.T) {
	m := newTestManager(t)
	job := newTestJob()
	m.Register("periodic", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("periodic").Periodic(3, 20*time.Millisecond).Schedule(m)
	require.NoError(t, err)

	completion := waitRemoved(t, job)
	assert.True(t, completion.Success())
	assert.Equal(t, 3, job.runCount())
}

func TestPersistedJobSurvivesRestart(t *testing.T) {
	persister := newMemPersister()

	first := NewManager("durable", common.NewSilentLogger(), WithPersister(persister))
	blocked := newTestJob()
	blocked.block = make(chan struct{}) // never released in the first life
	first.Register("send", func(map[string]any) (Job, error) { return blocked, nil })
	first.Start()

	_, err := NewJobBuilder("send").With(map[string]any{"payload": "x"}).Persist().Schedule(first)
	require.NoError(t, err)
	<-blocked.started

	first.Stop()
	require.Equal(t, 1, persister.size())

	// A fresh manager restores and completes the job.
	second := NewManager("durable", common.NewSilentLogger(), WithPersister(persister))
	restored := newTestJob()
	var gotPayload string
	second.Register("send", func(params map[string]any) (Job, error) {
		gotPayload, _ = params["payload"].(string)
		return restored, nil
	})
	second.Start()
	defer second.Stop()

	completion := waitRemoved(t, restored)
	assert.True(t, completion.Success())
	assert.Equal(t, "x", gotPayload)

	require.Eventually(t, func() bool { return persister.size() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestTerminalJobLeavesPersister(t *testing.T) {
	persister := newMemPersister()
	m := newTestManager(t, WithPersister(persister))
	job := newTestJob()
	m.Register("send", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("send").Persist().Schedule(m)
	require.NoError(t, err)

	waitRemoved(t, job)
	require.Eventually(t, func() bool { return persister.size() == 0 },
		2*time.Second, 10*time.Millisecond)
}

// recordingListener captures lifecycle callbacks in order.
type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) OnScheduled(_, jobType string) {
	l.record("scheduled:" + jobType)
}

func (l *recordingListener) OnBeforeRun(_, jobType string) {
	l.record("before:" + jobType)
}

func (l *recordingListener) OnAfterRun(_, jobType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "err"
	}
	l.record(fmt.Sprintf("after:%s:%s", jobType, outcome))
}

func (l *recordingListener) OnTerminated(_, jobType string, completion Completion) {
	outcome := "ok"
	if !completion.Success() {
		outcome = "err"
	}
	l.record(fmt.Sprintf("terminated:%s:%s", jobType, outcome))
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestListenerCallbackOrder(t *testing.T) {
	listener := &recordingListener{}
	m := newTestManager(t, WithListener(listener))
	job := newTestJob()
	m.Register("observed", func(map[string]any) (Job, error) { return job, nil })
	m.Start()

	_, err := NewJobBuilder("observed").Schedule(m)
	require.NoError(t, err)

	waitRemoved(t, job)
	require.Eventually(t, func() bool { return len(listener.snapshot()) == 4 },
		2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		"scheduled:observed",
		"before:observed",
		"after:observed:ok",
		"terminated:observed:ok",
	}, listener.snapshot())
}
