package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobengine_jobs_total",
			Help: "Job lifecycle counter by stage and job type",
		},
		[]string{"stage", "job_type"}, // enqueued|locked|completed|retried|failed|recovered|contended|intake_rejected|intake_dropped
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobengine_job_duration_seconds",
			Help:    "Widget execution time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"job_type"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobengine_events_total",
			Help: "Emitted change events by entity and result",
		},
		[]string{"entity", "result"}, // dispatched|listener_error|invalid
	)

	EmitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobengine_emit_duration_seconds",
			Help:    "Build + dispatch time of one change event",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"entity"},
	)

	OutboxFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobengine_outbox_flushed_total",
			Help: "Outbox records flushed after commit, by result",
		},
		[]string{"result"}, // ok|error|discarded
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		JobsTotal,
		JobDuration,
		EventsTotal,
		EmitDuration,
		OutboxFlushed,
	)
}
