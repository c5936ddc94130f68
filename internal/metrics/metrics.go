package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetbackup_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	SitesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbackup_sites_total",
			Help: "Total number of registered sites",
		},
	)

	StorageProvidersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbackup_storage_providers_total",
			Help: "Total number of configured storage providers",
		},
	)

	// Pipeline metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbackup_backups_total",
			Help: "Total number of completed backup jobs by terminal state",
		},
		[]string{"state"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetbackup_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~1h
		},
		[]string{"stage", "status"},
	)

	BackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetbackup_backup_duration_seconds",
			Help:    "Total duration of a backup job in seconds",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400, 21600},
		},
	)

	BackupSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetbackup_backup_size_bytes",
			Help:    "Size of completed backup archives in bytes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10), // 1MiB .. ~256GiB
		},
	)

	// Governor metrics
	GovernorPermitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetbackup_governor_permit_wait_seconds",
			Help:    "Time spent waiting for a resource governor permit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"slot"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbackup_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetbackup_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	SSESubscribersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetbackup_sse_subscribers",
			Help: "Current number of live SSE subscribers per site",
		},
		[]string{"site_id"},
	)

	// Quota metrics
	QuotaChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbackup_quota_checks_total",
			Help: "Total number of pre-flight quota checks by outcome",
		},
		[]string{"outcome"},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetbackup_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbackup_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationDriftBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbackup_reconciliation_drift_bytes",
			Help: "Absolute byte drift observed in the most recent reconciliation cycle",
		},
	)

	OrphanObjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbackup_orphan_objects_total",
			Help: "Number of objects present in the store with no matching backup row",
		},
	)

	// Retention metrics
	ScheduledDeletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbackup_scheduled_deletions_total",
			Help: "Total number of backups marked for scheduled deletion",
		},
	)

	DeletionsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbackup_deletions_completed_total",
			Help: "Total number of backups actually deleted by the retention worker",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		SitesTotal,
		StorageProvidersTotal,
		BackupsTotal,
		StageDuration,
		BackupDuration,
		BackupSizeBytes,
		GovernorPermitWait,
		APIRequestsTotal,
		APIRequestDuration,
		SSESubscribersGauge,
		QuotaChecksTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationDriftBytes,
		OrphanObjectsTotal,
		ScheduledDeletionsTotal,
		DeletionsCompletedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
