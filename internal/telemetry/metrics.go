package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ProbesExecuted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_probes_total", Help: "Probe executions, any outcome"})
	ProbesFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_probes_failed_total", Help: "Probes with a transport-level failure"})
	ProbesSkipped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_probes_skipped_total", Help: "Probes skipped by the stale-job guard"})
	ReconcileRuns     = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_reconciles_total", Help: "Tenant reconcile operations"})
	ReconcileFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_reconcile_failures_total", Help: "Reconcile operations that returned an error"})
	JobsScheduled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_jobs_scheduled_total", Help: "Recurring jobs added or replaced"})
	JobsRemoved       = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_jobs_removed_total", Help: "Recurring jobs removed"})
	CleanupFired      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_cleanup_fired_total", Help: "Entitlement-expiry cleanup tasks executed"})
	FlushBatches      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_log_flush_batches_total", Help: "Log buffer flush runs"})
	FlushRecords      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_log_flush_records_total", Help: "Log records persisted by the flusher"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "cron_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})
	SchedulerEntries  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cron_scheduler_entries", Help: "Registered recurring jobs"})
	ReadyDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cron_ready_depth", Help: "Jobs promoted and awaiting a worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ProbesExecuted,
			ProbesFailed,
			ProbesSkipped,
			ReconcileRuns,
			ReconcileFailures,
			JobsScheduled,
			JobsRemoved,
			CleanupFired,
			FlushBatches,
			FlushRecords,
			RateLimitRejects,
			SchedulerEntries,
			ReadyDepthGauge,
		)
	})
	return promhttp.Handler()
}
