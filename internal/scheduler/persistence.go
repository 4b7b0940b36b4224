package scheduler

import (
	"context"
	"encoding/json"
	"time"
)

// persistedEnvelope is the opaque blob format written to the JobPersister.
type persistedEnvelope struct {
	Spec     JobSpec  `json:"spec"`
	State    JobState `json:"state"`
	Attempts int      `json:"attempts"`
	RunsLeft int      `json:"runs_left"`
}

// persistOp is one queued persister mutation. All mutations flow through
// the persist loop so that a state-change Put can never land after the
// terminal Remove of the same job.
type persistOp struct {
	remove bool
	uuid   string
	env    persistedEnvelope
}

// persistLoop applies persister mutations in enqueue order. It drains the
// channel fully before exiting on quit.
func (m *Manager) persistLoop() {
	defer close(m.persistDone)
	for {
		select {
		case op := <-m.persistCh:
			m.applyPersist(op)
		case <-m.persistQuit:
			for {
				select {
				case op := <-m.persistCh:
					m.applyPersist(op)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) applyPersist(op persistOp) {
	if op.remove {
		if err := m.persister.Remove(context.Background(), m.queueName, op.uuid); err != nil {
			m.logger.Warn().Err(err).Str("uuid", op.uuid).Msg("Failed to remove persisted job")
		}
		return
	}

	blob, err := json.Marshal(op.env)
	if err != nil {
		m.logger.Warn().Err(err).Str("uuid", op.uuid).Msg("Failed to serialize job")
		return
	}
	if err := m.persister.Put(context.Background(), m.queueName, op.uuid, string(blob)); err != nil {
		m.logger.Warn().Err(err).Str("uuid", op.uuid).Msg("Failed to persist job")
	}
}

// persistEntryLocked snapshots the entry under the manager lock (which the
// caller holds) and enqueues the write.
func (m *Manager) persistEntryLocked(entry *jobEntry) {
	if !entry.spec.Persist || m.persister == nil {
		return
	}
	m.persistCh <- persistOp{
		uuid: entry.spec.UUID,
		env: persistedEnvelope{
			Spec:     entry.spec,
			State:    entry.state,
			Attempts: entry.attempts,
			RunsLeft: entry.runsLeft,
		},
	}
}

// persistEntry is the variant for callers not holding the manager lock.
func (m *Manager) persistEntry(entry *jobEntry) {
	if !entry.spec.Persist || m.persister == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistEntryLocked(entry)
}

// persistRemove enqueues the terminal removal of a persisted job.
func (m *Manager) persistRemove(spec JobSpec) {
	if !spec.Persist || m.persister == nil {
		return
	}
	m.persistCh <- persistOp{remove: true, uuid: spec.UUID}
}

// restore reloads persisted jobs for this queue in insertion order.
// Interrupted running and queued states reset to scheduled; attempt counts
// carry over so retry budgets survive restarts.
func (m *Manager) restore() {
	if m.persister == nil {
		return
	}

	blobs, err := m.persister.Restore(context.Background(), m.queueName)
	if err != nil {
		m.logger.Warn().Err(err).Str("queue", m.queueName).Msg("Failed to restore persisted jobs")
		return
	}

	restored := 0
	for _, blob := range blobs {
		var env persistedEnvelope
		if err := json.Unmarshal([]byte(blob), &env); err != nil {
			m.logger.Warn().Err(err).Msg("Skipping unreadable persisted job")
			continue
		}

		m.mu.Lock()
		creator, ok := m.creators[env.Spec.Type]
		m.mu.Unlock()
		if !ok {
			m.logger.Warn().Str("type", env.Spec.Type).Str("uuid", env.Spec.UUID).
				Msg("No creator registered for persisted job, leaving it in the store")
			continue
		}

		job, err := creator(env.Spec.Params)
		if err != nil {
			m.logger.Warn().Err(err).Str("uuid", env.Spec.UUID).Msg("Failed to recreate persisted job")
			continue
		}

		entry := &jobEntry{
			spec:      env.Spec,
			job:       job,
			state:     JobStateScheduled,
			attempts:  env.Attempts,
			runsLeft:  max(env.RunsLeft, 1),
			notBefore: time.Now(),
		}

		m.mu.Lock()
		m.entries[env.Spec.UUID] = entry
		m.order = append(m.order, env.Spec.UUID)
		m.mu.Unlock()
		restored++
	}

	if restored > 0 {
		m.logger.Info().Int("count", restored).Str("queue", m.queueName).Msg("Restored persisted jobs")
		m.signal()
	}
}
