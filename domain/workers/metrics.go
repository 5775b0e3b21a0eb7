package workers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsDispatched counts claims handed to run functions.
	JobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_dispatched_total",
		Help: "Total number of jobs claimed for execution",
	}, []string{"queue"})

	// JobsCompleted counts finished attempts by outcome.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_completed_total",
		Help: "Total number of finished job attempts by result",
	}, []string{"queue", "result"})

	// JobsInFlight tracks currently executing jobs per queue.
	JobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_jobs_in_flight",
		Help: "Number of jobs currently executing",
	}, []string{"queue"})

	// JobDuration observes wall-clock execution time per attempt.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_job_duration_seconds",
		Help:    "Job attempt execution time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2.5, 12),
	}, []string{"queue"})

	// QueueDepth is sampled by the scheduler from Storage.Size.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Number of stored jobs per queue and status",
	}, []string{"queue", "status"})
)

// Outcome labels for JobsCompleted.
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultRetry   = "retry"
	resultAborted = "aborted"
)
