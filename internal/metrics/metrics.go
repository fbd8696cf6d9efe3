// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts requests handled by the HTTP API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// TasksTotal counts submissions by function and outcome
	// (success, failed, unserializable, rejected).
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpool_tasks_total",
			Help: "Total number of tasks submitted to the dispatcher.",
		},
		[]string{"function", "status"},
	)

	// TaskDuration observes the submit-and-wait latency seen by callers.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpool_task_duration_seconds",
			Help:    "Time from submission until the result is returned.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"function"},
	)

	// BusyWorkers is the number of workers currently running a task.
	BusyWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskpool_busy_workers",
			Help: "Number of worker processes currently executing a task.",
		},
	)

	// WorkerRestartsTotal counts workers relaunched after exiting unexpectedly.
	WorkerRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpool_worker_restarts_total",
			Help: "Total number of worker processes relaunched after they exited.",
		},
	)

	// ScheduledRunsTotal counts cron-triggered submissions by job and outcome.
	ScheduledRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpool_scheduled_runs_total",
			Help: "Total number of scheduled job runs.",
		},
		[]string{"job_name", "status"},
	)
)
