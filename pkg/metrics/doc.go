/*
Package metrics provides Prometheus metrics collection and exposition for
the migration orchestrator.

All metrics are registered once at package init and are safe for
concurrent update from any daemon. A Collector periodically republishes
gauges that summarize store contents rather than a single operation
(request and migration counts by stage); counters and histograms are
updated inline by the daemon code that observes the event.

# Metrics catalog

dmorch_requests_by_stage{type, stage}:
  - Gauge. Number of MigrationRequests currently sitting in each
    (type, stage) pair. Republished every 15s by Collector.

dmorch_migrations_by_stage{stage}:
  - Gauge. Number of Migrations in each MigrationStage.

dmorch_archives_packed_total:
  - Counter. Archives successfully packed into a tar by the Pack daemon.

dmorch_bytes_transferred_total{backend, direction}:
  - Counter. Bytes moved to ("upload") or from ("download") a backend.

dmorch_backend_available{backend}:
  - Gauge. 1 if the last available() probe succeeded, 0 otherwise.

dmorch_claim_contention_total{daemon}:
  - Counter. Failed ClaimRequest attempts, i.e. the request was already
    locked or had moved past the stage the caller expected.

dmorch_requests_failed_total{type}:
  - Counter. Requests transitioned to FAILED, labeled by request type.

dmorch_tape_cache_full_retries_total:
  - Counter. Tape backend "cache full" transient errors swallowed for
    retry on the next monitor tick.

dmorch_<daemon>_cycle_duration_seconds:
  - Histogram, one per daemon (lock, pack, transfer, monitor, verify).
    Wall time for one tick of that daemon's loop.

dmorch_daemon_cycles_total{daemon}:
  - Counter. Completed tick cycles, regardless of whether any requests
    were found to process.

# Usage

	timer := metrics.NewTimer()
	// ... run one daemon tick ...
	timer.ObserveDuration(metrics.TransferCycleDuration)
	metrics.CyclesCompletedTotal.WithLabelValues("transfer").Inc()

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
