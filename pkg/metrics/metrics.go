package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsByStage tracks how many MigrationRequests sit in each stage,
	// labeled by request type and stage name.
	RequestsByStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmorch_requests_by_stage",
			Help: "Number of migration requests currently in each stage",
		},
		[]string{"type", "stage"},
	)

	MigrationsByStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmorch_migrations_by_stage",
			Help: "Number of migrations currently in each lifecycle stage",
		},
		[]string{"stage"},
	)

	ArchivesPackedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmorch_archives_packed_total",
			Help: "Total number of archives packed into tar containers",
		},
	)

	BytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmorch_bytes_transferred_total",
			Help: "Total bytes transferred to or from backends",
		},
		[]string{"backend", "direction"},
	)

	BackendAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmorch_backend_available",
			Help: "Whether a backend reported itself available on the last check (1=yes)",
		},
		[]string{"backend"},
	)

	ClaimContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmorch_claim_contention_total",
			Help: "Total number of failed request-claim attempts (request already locked)",
		},
		[]string{"daemon"},
	)

	RequestsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmorch_requests_failed_total",
			Help: "Total number of requests that transitioned to FAILED",
		},
		[]string{"type"},
	)

	TapeCacheFullRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmorch_tape_cache_full_retries_total",
			Help: "Total number of tape backend cache-full transient errors swallowed for retry",
		},
	)

	// Daemon cycle instrumentation, one histogram per daemon loop.
	LockCycleDuration     = newCycleHistogram("lock")
	PackCycleDuration     = newCycleHistogram("pack")
	TransferCycleDuration = newCycleHistogram("transfer")
	MonitorCycleDuration  = newCycleHistogram("monitor")
	VerifyCycleDuration   = newCycleHistogram("verify")

	CyclesCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmorch_daemon_cycles_total",
			Help: "Total number of daemon tick cycles completed",
		},
		[]string{"daemon"},
	)
)

func newCycleHistogram(daemon string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dmorch_" + daemon + "_cycle_duration_seconds",
		Help:    "Time taken for one " + daemon + " daemon tick",
		Buckets: prometheus.DefBuckets,
	})
}

func init() {
	prometheus.MustRegister(RequestsByStage)
	prometheus.MustRegister(MigrationsByStage)
	prometheus.MustRegister(ArchivesPackedTotal)
	prometheus.MustRegister(BytesTransferredTotal)
	prometheus.MustRegister(BackendAvailable)
	prometheus.MustRegister(ClaimContentionTotal)
	prometheus.MustRegister(RequestsFailedTotal)
	prometheus.MustRegister(TapeCacheFullRetriesTotal)
	prometheus.MustRegister(LockCycleDuration)
	prometheus.MustRegister(PackCycleDuration)
	prometheus.MustRegister(TransferCycleDuration)
	prometheus.MustRegister(MonitorCycleDuration)
	prometheus.MustRegister(VerifyCycleDuration)
	prometheus.MustRegister(CyclesCompletedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
