// Package metrics exposes Prometheus instrumentation for the queue core
// and the job runtime. Registration is optional; components treat a nil
// *Metrics as instrumentation disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all queue and scheduler series.
type Metrics struct {
	// Queue core
	MessagesEmitted prometheus.Counter
	BatchesConsumed prometheus.Counter
	ConsumeFailures prometheus.Counter
	QueueDepth      prometheus.Gauge

	// Delivery
	BatchesDelivered prometheus.Counter
	DeliveryFailures prometheus.Counter

	// Scheduler
	JobsScheduled prometheus.Counter
	JobRetries    prometheus.Counter
	JobsRunning   prometheus.Gauge
}

// New builds the metric set and registers it with reg. Pass
// prometheus.DefaultRegisterer for process-global metrics or a private
// registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revflow_messages_emitted_total",
			Help: "Messages accepted by the queue",
		}),
		BatchesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revflow_batches_consumed_total",
			Help: "Batches successfully handed to the consumer",
		}),
		ConsumeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revflow_consume_failures_total",
			Help: "Consumer rejections leaving the batch in storage",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "revflow_queue_depth",
			Help: "Messages currently buffered",
		}),
		BatchesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revflow_batches_delivered_total",
			Help: "Batches accepted by the ingestion endpoint",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revflow_delivery_failures_total",
			Help: "Failed upload attempts, including retried ones",
		}),
		JobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revflow_jobs_scheduled_total",
			Help: "Jobs accepted by the scheduler",
		}),
		JobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revflow_job_retries_total",
			Help: "Job retry attempts after failure",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "revflow_jobs_running",
			Help: "Jobs currently executing",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesEmitted, m.BatchesConsumed, m.ConsumeFailures, m.QueueDepth,
			m.BatchesDelivered, m.DeliveryFailures,
			m.JobsScheduled, m.JobRetries, m.JobsRunning,
		)
	}

	return m
}
