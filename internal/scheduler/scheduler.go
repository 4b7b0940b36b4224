package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/interfaces"
	"github.com/RevenuePilot/analytics-go/internal/metrics"
	"github.com/RevenuePilot/analytics-go/internal/models"
)

// DefaultWorkers bounds concurrent job execution across groups.
const DefaultWorkers = 4

// dispatchIdle is the dispatcher wake fallback when no timed work is
// pending.
const dispatchIdle = time.Minute

// constraintPoll re-evaluates gated jobs even when no change notification
// arrives, e.g. a power flip.
const constraintPoll = time.Second

// jobEntry is the manager's live record of a scheduled job.
type jobEntry struct {
	spec      JobSpec
	job       Job
	state     JobState
	attempts  int
	runsLeft  int
	notBefore time.Time
	cancelRun context.CancelFunc
	canceled  bool
}

// Manager runs jobs on a bounded worker pool. Jobs within a group run
// serially; groups run in parallel. Constraint-gated jobs wait for network
// or power without holding a worker slot.
type Manager struct {
	queueName  string
	workers    int
	runTimeout time.Duration // 0 disables the per-run timeout

	mu        sync.Mutex
	entries   map[string]*jobEntry
	order     []string // FIFO of pending uuids
	groupBusy map[string]bool
	creators  map[string]JobCreator
	listeners []Listener

	persister    interfaces.JobPersister
	reachability interfaces.ReachabilityMonitor
	power        interfaces.PowerMonitor
	logger       *common.Logger
	metrics      *metrics.Metrics

	slots       chan struct{}
	wake        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	started     bool

	persistCh   chan persistOp
	persistQuit chan struct{}
	persistDone chan struct{}
	persistStop sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPersister enables job persistence across restarts.
func WithPersister(p interfaces.JobPersister) ManagerOption {
	return func(m *Manager) { m.persister = p }
}

// WithReachability wires the network gate for internet-constrained jobs.
func WithReachability(r interfaces.ReachabilityMonitor) ManagerOption {
	return func(m *Manager) { m.reachability = r }
}

// WithPowerMonitor wires the charging gate.
func WithPowerMonitor(p interfaces.PowerMonitor) ManagerOption {
	return func(m *Manager) { m.power = p }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithRunTimeout fails any single run that has not reported a result
// within d, with ErrJobTimeout. Zero disables the bound.
func WithRunTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.runTimeout = d }
}

// WithListener registers a lifecycle observer.
func WithListener(l Listener) ManagerOption {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// WithMetrics wires scheduler instrumentation.
func WithMetrics(mx *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager creates a manager for the named queue. Register creators
// before Start so persisted jobs can be restored.
func NewManager(queueName string, logger *common.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		queueName:   queueName,
		workers:     DefaultWorkers,
		entries:     make(map[string]*jobEntry),
		groupBusy:   make(map[string]bool),
		creators:    make(map[string]JobCreator),
		logger:      logger,
		wake:        make(chan struct{}, 1),
		persistCh:   make(chan persistOp, 256),
		persistQuit: make(chan struct{}),
		persistDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.slots = make(chan struct{}, m.workers)
	go m.persistLoop()
	return m
}

// Register installs the creator for a job type. Scheduling a type with no
// creator fails with ErrUnknownJobType; a persisted job of such a type is
// skipped on restore and left in the persister.
func (m *Manager) Register(jobType string, creator JobCreator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creators[jobType] = creator
}

// safeGo launches a goroutine with panic recovery and logging.
func (m *Manager) safeGo(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in scheduler goroutine")
			}
		}()
		fn()
	}()
}

// Start restores persisted jobs in insertion order, subscribes to
// reachability changes, and launches the dispatcher. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	m.restore()

	if m.reachability != nil {
		m.unsubscribe = m.reachability.Subscribe(func(level models.NetworkLevel) {
			m.logger.Debug().Str("level", level.String()).Msg("Reachability changed")
			m.signal()
		})
	}

	m.safeGo("dispatcher", func() { m.dispatchLoop(m.ctx) })

	m.logger.Info().
		Str("queue", m.queueName).
		Int("workers", m.workers).
		Msg("Job scheduler started")
}

// Stop cancels the dispatcher and interrupts running jobs. Persisted jobs
// stay in the persister and restore on the next Start of a fresh manager.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.wg.Wait()
	m.persistStop.Do(func() { close(m.persistQuit) })
	<-m.persistDone
	m.logger.Info().Str("queue", m.queueName).Msg("Job scheduler stopped")
}

// signal nudges the dispatcher without blocking.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Schedule validates a spec against the uniqueness constraint, instantiates
// the job through its creator, persists it when requested, and enqueues it.
// Returns the job uuid.
func (m *Manager) Schedule(spec JobSpec) (string, error) {
	if spec.UUID == "" {
		spec.UUID = uuid.NewString()
	}
	if spec.Group == "" {
		spec.Group = spec.Type
	}
	if spec.ScheduledAt.IsZero() {
		spec.ScheduledAt = time.Now()
	}

	m.mu.Lock()
	creator, ok := m.creators[spec.Type]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownJobType, spec.Type)
	}

	if spec.UniqueName != "" {
		if prior := m.findByUniqueNameLocked(spec.UniqueName); prior != nil {
			switch spec.UniquePolicy {
			case UniqueDropExisting:
				m.cancelEntryLocked(prior)
			default:
				// drop-incoming and error both reject the new job
				m.mu.Unlock()
				return "", fmt.Errorf("%w: unique name %q", ErrDuplicateJob, spec.UniqueName)
			}
		}
	}
	m.mu.Unlock()

	job, err := creator(spec.Params)
	if err != nil {
		return "", fmt.Errorf("failed to create job of type %s: %w", spec.Type, err)
	}

	entry := &jobEntry{
		spec:      spec,
		job:       job,
		state:     JobStateScheduled,
		runsLeft:  max(spec.PeriodicCount, 1),
		notBefore: spec.ScheduledAt.Add(spec.Delay),
	}

	m.mu.Lock()
	m.entries[spec.UUID] = entry
	m.order = append(m.order, spec.UUID)
	m.mu.Unlock()

	m.persistEntry(entry)
	if m.metrics != nil {
		m.metrics.JobsScheduled.Inc()
	}
	for _, l := range m.listeners {
		l.OnScheduled(spec.UUID, spec.Type)
	}

	m.logger.Debug().
		Str("uuid", spec.UUID).
		Str("type", spec.Type).
		Str("group", spec.Group).
		Msg("Job scheduled")

	m.signal()
	return spec.UUID, nil
}

// Cancel terminates a job by uuid. Pending jobs fail immediately with
// ErrJobCanceled; a running job has its context canceled and fails when the
// run observes it.
func (m *Manager) Cancel(jobUUID string) {
	m.mu.Lock()
	entry, ok := m.entries[jobUUID]
	if ok {
		m.cancelEntryLocked(entry)
	}
	m.mu.Unlock()
	m.signal()
}

// CancelTag terminates every job carrying the tag.
func (m *Manager) CancelTag(tag string) {
	m.mu.Lock()
	for _, entry := range m.entries {
		if slices.Contains(entry.spec.Tags, tag) {
			m.cancelEntryLocked(entry)
		}
	}
	m.mu.Unlock()
	m.signal()
}

// CancelAll terminates every known job.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	for _, entry := range m.entries {
		m.cancelEntryLocked(entry)
	}
	m.mu.Unlock()
	m.signal()
}

// cancelEntryLocked marks an entry canceled. Running entries are interrupted
// through their run context and finish via the worker; pending ones are
// finished on a separate goroutine that runs finish once the lock is
// released.
func (m *Manager) cancelEntryLocked(entry *jobEntry) {
	if entry.canceled || entry.state == JobStateTerminated {
		return
	}
	entry.canceled = true
	if entry.state == JobStateRunning {
		if entry.cancelRun != nil {
			entry.cancelRun()
		}
		return
	}
	// Pending: finish asynchronously so callbacks never run under the lock.
	e := entry
	go m.finish(e, ErrJobCanceled)
}

// findByUniqueNameLocked returns a live entry with the unique name, nil when
// none exists.
func (m *Manager) findByUniqueNameLocked(name string) *jobEntry {
	for _, entry := range m.entries {
		if entry.spec.UniqueName == name && entry.state != JobStateTerminated && !entry.canceled {
			return entry
		}
	}
	return nil
}

// dispatchLoop wakes on signals and timers and moves ready jobs onto
// workers.
func (m *Manager) dispatchLoop(ctx context.Context) {
	timer := time.NewTimer(dispatchIdle)
	defer timer.Stop()

	for {
		next, gated := m.dispatchReady(ctx)

		wait := dispatchIdle
		if gated {
			wait = constraintPoll
		}
		if !next.IsZero() {
			if d := time.Until(next); d < wait {
				wait = max(d, time.Millisecond)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-timer.C:
		}
	}
}

// dispatchReady scans pending jobs in FIFO order and starts every one whose
// constraints are satisfied, its group free, and a worker slot available.
// Returns the earliest future run time among jobs waiting on a timer and
// whether any job is gated on an external constraint.
func (m *Manager) dispatchReady(ctx context.Context) (time.Time, bool) {
	now := time.Now()
	var nextTimed time.Time
	gated := false

	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.order[:0]
	for _, id := range m.order {
		entry, ok := m.entries[id]
		if !ok || entry.state == JobStateTerminated || entry.state == JobStateRunning || entry.canceled {
			continue
		}

		if now.Before(entry.notBefore) {
			if nextTimed.IsZero() || entry.notBefore.Before(nextTimed) {
				nextTimed = entry.notBefore
			}
			remaining = append(remaining, id)
			continue
		}

		if !m.constraintsSatisfiedLocked(entry) {
			gated = true
			if entry.state != JobStateWaitingForConstraint {
				entry.state = JobStateWaitingForConstraint
				m.persistEntryLocked(entry)
			}
			remaining = append(remaining, id)
			continue
		}

		if m.groupBusy[entry.spec.Group] {
			if entry.state != JobStateQueued {
				entry.state = JobStateQueued
				m.persistEntryLocked(entry)
			}
			remaining = append(remaining, id)
			continue
		}

		select {
		case m.slots <- struct{}{}:
		default:
			// Worker pool saturated; keep FIFO position.
			remaining = append(remaining, id)
			continue
		}

		m.groupBusy[entry.spec.Group] = true
		entry.state = JobStateRunning
		m.persistEntryLocked(entry)

		e := entry
		m.safeGo("worker-"+e.spec.UUID, func() {
			defer func() { <-m.slots }()
			m.runJob(ctx, e)
		})
	}
	m.order = remaining

	return nextTimed, gated
}

// constraintsSatisfiedLocked evaluates network and power gates.
func (m *Manager) constraintsSatisfiedLocked(entry *jobEntry) bool {
	if entry.spec.RequireInternet {
		level := models.NetworkNone
		if m.reachability != nil {
			level = m.reachability.Level()
		}
		if !level.Satisfies(entry.spec.Internet) {
			return false
		}
	}
	if entry.spec.RequireCharging {
		if m.power == nil || !m.power.Charging() {
			return false
		}
	}
	return true
}

// runJob executes one attempt and routes the outcome through the retry
// policy, periodic rescheduling, or terminal removal.
func (m *Manager) runJob(ctx context.Context, entry *jobEntry) {
	spec := entry.spec

	// Deadline check before the run.
	if spec.Deadline != nil && time.Now().After(*spec.Deadline) {
		m.finish(entry, ErrDeadlineExceeded)
		return
	}

	for _, l := range m.listeners {
		l.OnBeforeRun(spec.UUID, spec.Type)
	}
	if m.metrics != nil {
		m.metrics.JobsRunning.Inc()
		defer m.metrics.JobsRunning.Dec()
	}

	var runCtx context.Context
	var cancelRun context.CancelFunc
	if spec.Deadline != nil {
		runCtx, cancelRun = context.WithDeadline(ctx, *spec.Deadline)
	} else {
		runCtx, cancelRun = context.WithCancel(ctx)
	}
	defer cancelRun()

	m.mu.Lock()
	entry.cancelRun = cancelRun
	canceled := entry.canceled
	m.mu.Unlock()
	if canceled {
		m.finish(entry, ErrJobCanceled)
		return
	}

	var timeout <-chan time.Time
	if m.runTimeout > 0 {
		t := time.NewTimer(m.runTimeout)
		defer t.Stop()
		timeout = t.C
	}

	// OnRun gets its own goroutine so a run that ignores its context can
	// still be timed out or canceled from here.
	result := newResult()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("uuid", spec.UUID).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Job panicked")
				result.Done(fmt.Errorf("job panicked: %v", r))
			}
		}()
		entry.job.OnRun(runCtx, result)
	}()

	var runErr error
	select {
	case runErr = <-result.ch:
	case <-timeout:
		cancelRun()
		runErr = ErrJobTimeout
	case <-runCtx.Done():
		switch {
		case spec.Deadline != nil && time.Now().After(*spec.Deadline):
			runErr = ErrDeadlineExceeded
		default:
			runErr = ErrJobCanceled
		}
	}

	if ctx.Err() != nil {
		// Scheduler shutdown: abandon the attempt; persisted jobs restore
		// on the next start.
		return
	}

	for _, l := range m.listeners {
		l.OnAfterRun(spec.UUID, spec.Type, runErr)
	}

	if runErr == nil {
		m.completeRun(entry)
		return
	}
	m.failRun(entry, runErr)
}

// completeRun finishes a successful attempt, rescheduling periodic jobs
// that still have runs left.
func (m *Manager) completeRun(entry *jobEntry) {
	m.mu.Lock()
	entry.runsLeft--
	again := entry.runsLeft > 0 && !entry.canceled
	if again {
		entry.state = JobStateScheduled
		entry.attempts = 0
		entry.notBefore = time.Now().Add(entry.spec.PeriodicInterval)
		m.groupBusy[entry.spec.Group] = false
		m.order = append(m.order, entry.spec.UUID)
	}
	m.mu.Unlock()

	if again {
		m.persistEntry(entry)
		m.signal()
		return
	}
	m.finish(entry, nil)
}

// failRun consults the retry budget and the job's retry policy.
func (m *Manager) failRun(entry *jobEntry, runErr error) {
	spec := entry.spec

	// Cancellation and deadline expiry are terminal regardless of policy.
	// Jobs that surface their context error directly are normalized here.
	m.mu.Lock()
	canceled := entry.canceled
	m.mu.Unlock()
	if canceled || errors.Is(runErr, ErrJobCanceled) || errors.Is(runErr, context.Canceled) {
		m.finish(entry, ErrJobCanceled)
		return
	}
	if errors.Is(runErr, ErrDeadlineExceeded) || errors.Is(runErr, context.DeadlineExceeded) {
		m.finish(entry, ErrDeadlineExceeded)
		return
	}

	m.mu.Lock()
	entry.attempts++
	attempts := entry.attempts
	m.mu.Unlock()

	exhausted := spec.MaxRetries >= 0 && attempts > spec.MaxRetries
	if exhausted {
		m.finish(entry, runErr)
		return
	}

	constraint := entry.job.OnRetry(runErr)
	if constraint.kind == retryKindCancel {
		m.finish(entry, &RetryCancelError{Inner: runErr})
		return
	}

	// Deadline check before the retry attempt is queued.
	if spec.Deadline != nil && time.Now().After(*spec.Deadline) {
		m.finish(entry, ErrDeadlineExceeded)
		return
	}

	delay := constraint.backoffDelay(attempts)
	m.mu.Lock()
	entry.state = JobStateRetrying
	entry.notBefore = time.Now().Add(delay)
	m.groupBusy[spec.Group] = false
	m.order = append(m.order, spec.UUID)
	m.mu.Unlock()

	m.persistEntry(entry)
	if m.metrics != nil {
		m.metrics.JobRetries.Inc()
	}

	m.logger.Debug().
		Str("uuid", spec.UUID).
		Str("type", spec.Type).
		Int("attempt", attempts).
		Dur("backoff", delay).
		Err(runErr).
		Msg("Job failed, retrying")

	m.signal()
}

// finish removes an entry terminally and fires the removal callbacks.
func (m *Manager) finish(entry *jobEntry, finalErr error) {
	spec := entry.spec

	m.mu.Lock()
	if entry.state == JobStateTerminated {
		m.mu.Unlock()
		return
	}
	wasRunning := entry.state == JobStateRunning
	entry.state = JobStateTerminated
	if wasRunning {
		m.groupBusy[spec.Group] = false
	}
	delete(m.entries, spec.UUID)
	m.mu.Unlock()

	m.persistRemove(spec)

	completion := Completion{Err: finalErr}
	for _, l := range m.listeners {
		l.OnTerminated(spec.UUID, spec.Type, completion)
	}
	entry.job.OnRemove(completion)

	if finalErr != nil {
		m.logger.Debug().Str("uuid", spec.UUID).Str("type", spec.Type).Err(finalErr).Msg("Job removed after failure")
	} else {
		m.logger.Debug().Str("uuid", spec.UUID).Str("type", spec.Type).Msg("Job completed")
	}

	m.signal()
}
