// Package metrics exposes the Prometheus collectors shared by every worker
// and the query worker's HTTP surface, in the style the cuemby-warren and
// ClusterCockpit-cc-backend metrics packages carry: package-level collectors
// registered once, handed out via promhttp on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorlake_sync_runs_total",
			Help: "Sync worker invocations by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	SyncRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorlake_sync_rows_total",
			Help: "Samples upserted into the hot store by site.",
		},
		[]string{"site"},
	)

	SyncRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorlake_sync_run_duration_seconds",
			Help:    "Sync worker run duration.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"site"},
	)

	ArchiveRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorlake_archive_partitions_total",
			Help: "Archival partitions processed by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	ArchiveRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorlake_archive_duration_seconds",
			Help:    "Archival partition processing duration.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"site"},
	)

	BackfillDaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorlake_backfill_days_total",
			Help: "Backfill days processed by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	QueryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorlake_query_requests_total",
			Help: "Query worker HTTP requests by status.",
		},
		[]string{"status"},
	)

	QueryCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorlake_query_cache_hits_total",
			Help: "Query cache hits.",
		},
	)

	QueryCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorlake_query_cache_misses_total",
			Help: "Query cache misses (including unavailable cache).",
		},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorlake_query_duration_seconds",
			Help:    "Query worker end-to-end duration by route taken.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sources"},
	)
)

func init() {
	prometheus.MustRegister(
		SyncRunsTotal, SyncRowsTotal, SyncRunDuration,
		ArchiveRunsTotal, ArchiveRunDuration,
		BackfillDaysTotal,
		QueryRequestsTotal, QueryCacheHitsTotal, QueryCacheMissesTotal, QueryDuration,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
