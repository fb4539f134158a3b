package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted into a user queue"})
	JobsRejected         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_rejected_total", Help: "Submissions rejected before queueing"}, []string{"reason"})
	JobsCompleted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed           = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed during execution"})
	JobsPurged           = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_purged_total", Help: "Saved jobs evicted after retention expired"})
	JobsRestored         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_restored_total", Help: "Jobs reloaded from snapshots at startup"})
	NotificationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notification_failures_total", Help: "Notifications that could not be delivered"}, []string{"event"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "submit_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	PoolWaitingGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_pool_waiting", Help: "Jobs admitted to the pool but not yet running"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently running"})
	SavedJobsGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_saved", Help: "Entries in the saved job store"})
	ExecutionSeconds     = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_execution_seconds",
		Help:    "Wall-clock duration of the compute invocation",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsRejected,
			JobsCompleted,
			JobsFailed,
			JobsPurged,
			JobsRestored,
			NotificationFailures,
			RateLimitRejects,
			PoolWaitingGauge,
			InFlightGauge,
			SavedJobsGauge,
			ExecutionSeconds,
		)
	})
	return promhttp.Handler()
}
