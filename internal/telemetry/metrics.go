// Package telemetry provides application-level observability for the sync engine.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<CIS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text
// exposition format and is intended to be scraped every 15–60 seconds. It is
// NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Sync run duration, error, and reconciliation counters
//   - Circuit breaker state gauge and transition counter
//   - Key rotation counters
//   - Audit pipeline counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as
// /v1/integrations/:id/sync) rather than the raw request URL to prevent
// unbounded label cardinality from user-supplied path segments. Sync and
// breaker metrics are labelled by provider kind ("drive", "graph"), a small
// fixed set.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}. The
// path label holds the Gin route template, NOT the raw URL.
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and
// exponential-ish buckets from 5 ms to 30 s.
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

// Sync metrics — recorded by the sync orchestrator.
//
// SyncDuration observes one complete sync run for a single integration,
// labelled by provider kind and terminal status (success, failed).
//
// SyncErrorsTotal counts failed sync runs by provider and error class
// (auth, rate_limit, transient, fatal, circuit_open, internal). An alert on
// rate(sync_errors_total{class!="rate_limit"}[1h]) > 0 is recommended.
//
// SyncFilesUpsertedTotal counts file metadata records created or updated
// during reconciliation, by provider.
//
// SyncRateLimitRetriesTotal counts provider-throttle retries consumed from
// the per-run budget, by provider.
var (
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of a single integration sync run, by provider and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "status"},
	)

	SyncErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Total number of failed sync runs, by provider and error class.",
		},
		[]string{"provider", "class"},
	)

	SyncFilesUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_files_upserted_total",
			Help: "Total number of cloud file records created or updated during sync, by provider.",
		},
		[]string{"provider"},
	)

	SyncRateLimitRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rate_limit_retries_total",
			Help: "Total number of provider throttle retries consumed, by provider.",
		},
		[]string{"provider"},
	)
)

// Circuit breaker metrics.
//
// BreakerState reports the current state per provider: 0=closed, 1=open,
// 2=half-open. Graph it directly or alert on max_over_time(...) == 1.
//
// BreakerTransitionsTotal counts state transitions, labelled by provider and
// destination state ("open", "half_open", "closed").
var (
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state per provider (0=closed, 1=open, 2=half-open).",
		},
		[]string{"provider"},
	)

	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions, by provider and new state.",
		},
		[]string{"provider", "state"},
	)
)

// Key rotation metrics.
//
// KeyRotationsTotal counts completed rotations, labelled by key name and
// trigger (scheduled, manual, compromise). A stalled counter with keys past
// their rotation interval is an alert signal.
//
// KeyRotationReencryptedTotal counts records re-encrypted during rotations,
// by key name.
var (
	KeyRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_rotations_total",
			Help: "Total number of completed encryption key rotations, by key name and trigger.",
		},
		[]string{"key_name", "trigger"},
	)

	KeyRotationReencryptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_rotation_reencrypted_records_total",
			Help: "Total number of records re-encrypted during key rotations, by key name.",
		},
		[]string{"key_name"},
	)
)

// Audit pipeline metrics.
//
// AuditEventsTotal counts audit events accepted by the logger, by action.
// AuditWriteFailuresTotal counts events that could not be persisted; any
// increase warrants investigation regardless of the audit.required setting.
var (
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Total number of audit events recorded, by action.",
		},
		[]string{"action"},
	)

	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit events that failed to persist.",
		},
	)

	AuditArchivedBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_archived_batches_total",
			Help: "Total number of audit batches written to the archive object store.",
		},
	)

	AuditArchiveFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_archive_failures_total",
			Help: "Total number of audit batches that could not be archived.",
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections
// currently held by the sql.DB pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of
// sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers
// db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
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
