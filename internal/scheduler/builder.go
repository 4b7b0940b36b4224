package scheduler

import (
	"time"

	"github.com/RevenuePilot/analytics-go/internal/models"
)

// JobSpec is the declarative description of a scheduled job: its type,
// payload, and constraint set. Specs are what the persister serializes.
type JobSpec struct {
	UUID             string                `json:"uuid"`
	Type             string                `json:"type"`
	Group            string                `json:"group,omitempty"`
	Params           map[string]any        `json:"params,omitempty"`
	Tags             []string              `json:"tags,omitempty"`
	Internet         models.NetworkLevel   `json:"internet,omitempty"`
	RequireInternet  bool                  `json:"require_internet,omitempty"`
	Persist          bool                  `json:"persist,omitempty"`
	Delay            time.Duration         `json:"delay,omitempty"`
	Deadline         *time.Time            `json:"deadline,omitempty"`
	UniqueName       string                `json:"unique_name,omitempty"`
	UniquePolicy     UniquePolicy          `json:"unique_policy,omitempty"`
	MaxRetries       int                   `json:"max_retries,omitempty"`
	PeriodicCount    int                   `json:"periodic_count,omitempty"`
	PeriodicInterval time.Duration         `json:"periodic_interval,omitempty"`
	Service          ServiceQuality        `json:"service,omitempty"`
	RequireCharging  bool                  `json:"require_charging,omitempty"`
	ScheduledAt      time.Time             `json:"scheduled_at"`
}

// JobBuilder assembles a JobSpec fluently. The zero builder schedules a
// one-shot, non-persisted, constraint-free job of the given type.
type JobBuilder struct {
	spec JobSpec
}

// NewJobBuilder starts a builder for a registered job type.
func NewJobBuilder(jobType string) *JobBuilder {
	return &JobBuilder{spec: JobSpec{Type: jobType}}
}

// With sets the job payload. The payload must round-trip through JSON when
// the job is persisted.
func (b *JobBuilder) With(params map[string]any) *JobBuilder {
	b.spec.Params = params
	return b
}

// Internet gates the job on a minimum network reachability level.
func (b *JobBuilder) Internet(atLeast models.NetworkLevel) *JobBuilder {
	b.spec.RequireInternet = true
	b.spec.Internet = atLeast
	return b
}

// Persist serializes the job on schedule and on every state change, and
// restores it on the next scheduler construction.
func (b *JobBuilder) Persist() *JobBuilder {
	b.spec.Persist = true
	return b
}

// Delay sets the earliest run time to schedule time plus d.
func (b *JobBuilder) Delay(d time.Duration) *JobBuilder {
	b.spec.Delay = d
	return b
}

// Deadline fails the job with ErrDeadlineExceeded when it has not completed
// by t. Checked before each run and before each retry.
func (b *JobBuilder) Deadline(t time.Time) *JobBuilder {
	b.spec.Deadline = &t
	return b
}

// Unique deduplicates by name according to the policy.
func (b *JobBuilder) Unique(name string, policy UniquePolicy) *JobBuilder {
	b.spec.UniqueName = name
	b.spec.UniquePolicy = policy
	return b
}

// Retry sets the maximum retry attempts; -1 retries without bound.
func (b *JobBuilder) Retry(max int) *JobBuilder {
	b.spec.MaxRetries = max
	return b
}

// Group serializes the job with all others sharing the group name. When
// unset, jobs serialize per type.
func (b *JobBuilder) Group(name string) *JobBuilder {
	b.spec.Group = name
	return b
}

// Periodic runs the job up to count times, spaced by interval.
func (b *JobBuilder) Periodic(count int, interval time.Duration) *JobBuilder {
	b.spec.PeriodicCount = count
	b.spec.PeriodicInterval = interval
	return b
}

// Service records a scheduling priority hint.
func (b *JobBuilder) Service(quality ServiceQuality) *JobBuilder {
	b.spec.Service = quality
	return b
}

// Tags attaches selector tags for bulk cancel and query.
func (b *JobBuilder) Tags(tags ...string) *JobBuilder {
	b.spec.Tags = append(b.spec.Tags, tags...)
	return b
}

// RequireCharging gates the job on external power.
func (b *JobBuilder) RequireCharging() *JobBuilder {
	b.spec.RequireCharging = true
	return b
}

// Schedule hands the spec to the manager and returns the job uuid.
func (b *JobBuilder) Schedule(m *Manager) (string, error) {
	return m.Schedule(b.spec)
}
