/*
Package metrics provides Prometheus metrics collection and exposition for
the session-worker core.

The metrics package defines and registers every metric using the
Prometheus client library, giving observability into lease ownership,
queue depth, recovery replay, and the idle reaper's sweeps — the
operational surface spec.md's non-goals exclude an autoscaler *policy*
for, but not observability of the core itself (SPEC_FULL.md §5). Metrics
are exposed via an HTTP handler for scraping by a Prometheus server.

# Metric categories

Leases:

  - rpasession_leases_held: gauge, leases currently held by this host
  - rpasession_lease_acquire_total{outcome}: counter, acquisition
    attempts by outcome (acquired, lost_race, at_capacity)
  - rpasession_lease_lost_total: counter, leases lost mid-processing

Workers:

  - rpasession_active_workers: gauge, sessions with a live worker on
    this host
  - rpasession_jobs_processed_total{outcome}: counter, jobs processed by
    outcome (completed, failed, poisoned)
  - rpasession_job_processing_duration_seconds: histogram

Queue:

  - rpasession_queue_depth{state}: gauge, waiting/active job counts

Recovery:

  - rpasession_recovery_replayed_steps_total: counter
  - rpasession_recovery_duration_seconds: histogram, per-claim replay time

Reaper:

  - rpasession_reaper_sweep_duration_seconds: histogram
  - rpasession_reaper_terminations_total: counter
  - rpasession_reaper_sessions_scanned_total: counter

# Usage

	http.Handle("/metrics", metrics.Handler())

Components observe durations with Timer, the same start/defer-observe
pattern the teacher's reconciler uses around its reconcile cycle:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecoveryDuration)
*/
package metrics
