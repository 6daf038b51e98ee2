// Package metrics holds the Prometheus collectors of the listings pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "listings"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	RecordsClaimed     prometheus.Counter
	DescriptorsFlushed prometheus.Counter
	JobsSubmitted      prometheus.Counter
	JobsReconciled     *prometheus.CounterVec
	LinesIngested      *prometheus.CounterVec
	RecordsSwept       prometheus.Counter
	RunDuration        *prometheus.HistogramVec
}

// New creates and registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RecordsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_claimed_total",
			Help:      "Raw records claimed into a job descriptor",
		}),
		DescriptorsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptors_flushed_total",
			Help:      "Job descriptors sealed and handed to the submitter",
		}),
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Batch jobs created on the completion service",
		}),
		JobsReconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reconciled_total",
			Help:      "Batch job polls by resulting status",
		}, []string{"status"}),
		LinesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_ingested_total",
			Help:      "Batch output lines by outcome",
		}, []string{"outcome"}),
		RecordsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_swept_total",
			Help:      "Stale claims returned to unclaimed",
		}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of scheduled passes",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"task"}),
	}
}

func (m *Metrics) Claimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsClaimed.Add(float64(n))
}

func (m *Metrics) Flushed() {
	if m == nil {
		return
	}
	m.DescriptorsFlushed.Inc()
}

func (m *Metrics) Submitted() {
	if m == nil {
		return
	}
	m.JobsSubmitted.Inc()
}

func (m *Metrics) Reconciled(status string) {
	if m == nil {
		return
	}
	m.JobsReconciled.WithLabelValues(status).Inc()
}

func (m *Metrics) Ingested(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LinesIngested.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) Swept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsSwept.Add(float64(n))
}

// ObserveRun records how long a pass of task took.
func (m *Metrics) ObserveRun(task string, started time.Time) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(task).Observe(time.Since(started).Seconds())
}
