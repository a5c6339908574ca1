// Package metrics provides Prometheus metrics for the coursetree service
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coursetree service
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Database metrics
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
	DbSizeBytes         prometheus.Gauge

	// Tree operation metrics
	SectionInsertsTotal  prometheus.Counter
	SectionDeletesTotal  prometheus.Counter
	ContentUpdatesTotal  prometheus.Counter
	SubtreeQueriesTotal  prometheus.Counter
	SearchQueriesTotal   prometheus.Counter
	SearchResultsTotal   prometheus.Counter
	AllocConflictsTotal  prometheus.Counter

	// Stats rollup metrics
	StatsRecomputesTotal *prometheus.CounterVec

	// Version metrics
	VersionQueriesTotal  prometheus.Counter
	TemporalLookupsTotal prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// HTTP request metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursetree_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coursetree_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coursetree_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Database metrics
	m.DbOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursetree_db_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	m.DbOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coursetree_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.DbSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coursetree_db_size_bytes",
			Help: "Current database size in bytes",
		},
	)

	// Tree operation metrics
	m.SectionInsertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursetree_section_inserts_total",
			Help: "Total number of section inserts",
		},
	)

	m.SectionDeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursetree_section_deletes_total",
			Help: "Total number of section deletes, cascades included",
		},
	)

	m.ContentUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursetree_content_updates_total",
			Help: "Total number of section content updates",
		},
	)

	m.SubtreeQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursetree_subtree_queries_total",
			Help: "Total number of subtree queries",
		},
	)

	m.SearchQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursetree_search_queries_total",
			Help: "Total number of search queries",
		},
	)

	m.SearchResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursetree_search_results_total",
			Help: "Total number of search results returned",
		},
	)

	m.AllocConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursetree_alloc_conflicts_total",
			Help: "Total number of path allocation conflicts surfaced after retries",
		},
	)

	// Stats rollup metrics
	m.StatsRecomputesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursetree_stats_recomputes_total",
			Help: "Total number of course stats recomputes",
		},
		[]string{"status"},
	)

	// Version metrics
	m.VersionQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursetree_version_queries_total",
			Help: "Total number of version history queries",
		},
	)

	m.TemporalLookupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coursetree_temporal_lookups_total",
			Help: "Total number of temporal (point-in-time) queries",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coursetree_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request with its status
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDbOperation records a database operation
func (m *Metrics) RecordDbOperation(operation string, status string, duration time.Duration) {
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStatsRecompute records one rollup recompute outcome
func (m *Metrics) RecordStatsRecompute(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StatsRecomputesTotal.WithLabelValues(status).Inc()
}
