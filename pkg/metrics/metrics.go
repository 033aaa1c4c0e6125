package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LeasesHeld is the number of session leases currently held by this host.
	LeasesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpasession_leases_held",
			Help: "Number of session leases currently held by this host's Worker Manager",
		},
	)

	LeaseAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpasession_lease_acquire_total",
			Help: "Lease acquisition attempts by outcome (acquired, lost_race, at_capacity)",
		},
		[]string{"outcome"},
	)

	LeaseLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpasession_lease_lost_total",
			Help: "Total number of session leases relinquished after a fatal worker error",
		},
	)

	// ActiveWorkers is the number of sessions this host is currently
	// running a worker for.
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpasession_active_workers",
			Help: "Number of sessions with a live worker on this host",
		},
	)

	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpasession_jobs_processed_total",
			Help: "Total number of jobs processed by outcome (completed, failed, poisoned)",
		},
		[]string{"outcome"},
	)

	JobProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rpasession_job_processing_duration_seconds",
			Help:    "Time spent executing a single step",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpasession_queue_depth",
			Help: "Per-session queue depth by state (waiting, active)",
		},
		[]string{"state"},
	)

	RecoveryReplayedStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpasession_recovery_replayed_steps_total",
			Help: "Total number of historical steps replayed during recovery across all sessions",
		},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rpasession_recovery_duration_seconds",
			Help:    "Wall-clock time spent replaying history for a single session claim",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReaperSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rpasession_reaper_sweep_duration_seconds",
			Help:    "Duration of one idle-reaper sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReaperTerminationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpasession_reaper_terminations_total",
			Help: "Total number of sessions terminated by the idle reaper",
		},
	)

	ReaperSessionsScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpasession_reaper_sessions_scanned_total",
			Help: "Total number of session-state keys inspected by the idle reaper",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LeasesHeld,
		LeaseAcquireTotal,
		LeaseLostTotal,
		ActiveWorkers,
		JobsProcessedTotal,
		JobProcessingDuration,
		QueueDepth,
		RecoveryReplayedStepsTotal,
		RecoveryDuration,
		ReaperSweepDuration,
		ReaperTerminationsTotal,
		ReaperSessionsScanned,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation into a
// histogram, the same pattern the teacher's reconciler uses around its
// reconcile cycle.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
