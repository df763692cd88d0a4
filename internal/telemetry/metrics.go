// Package telemetry provides application-level observability for the audit engine.
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started in main.go:
//
//	GET http(s)://<host>:<CHA_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router so the
// scrape path stays off the public ingress and away from rate limiting.
//
// Metric groups:
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit write-path counters (appends, failures, dropped events) and queue depth gauge
//   - Version allocation conflict counter
//   - Integrity verification counters
//   - Database connection pool gauge (polled every 30 s)
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/trail/:entityType/:entityId)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as entity ids.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Write-path metrics. The audit write path is fail-open: failures never reach
// the caller, so these counters are the only way to notice a silently failing
// trail. Alert on any sustained rate of audit_write_failures_total or
// audit_events_dropped_total.
var (
	AuditRecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_written_total",
			Help: "Total number of audit records appended, by entity type and action.",
		},
		[]string{"entity_type", "action"},
	)

	AuditWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of failed audit or version writes, by kind (audit, version, ship).",
		},
		[]string{"kind"},
	)

	AuditEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total number of mutation events dropped because the recorder queue was full.",
		},
	)

	RecorderQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_recorder_queue_depth",
			Help: "Current number of mutation events waiting in the recorder queue.",
		},
	)

	VersionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entity_versions_created_total",
			Help: "Total number of entity versions committed, by entity type.",
		},
		[]string{"entity_type"},
	)

	VersionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "version_number_conflicts_total",
			Help: "Total number of version-number allocation races lost and retried.",
		},
	)
)

// Integrity metrics. A non-zero invalid count means stored history has been
// modified out of band and warrants immediate investigation.
var (
	IntegrityChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_checks_total",
			Help: "Total number of record digest verifications, by result (valid, invalid, error).",
		},
		[]string{"result"},
	)

	ArchivedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_archived_total",
			Help: "Total number of audit records exported to the archive backend.",
		},
	)
)

// DBOpenConnections exposes the connection pool size, sampled by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
