// Package metrics defines the Prometheus metric collectors used across the
// engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	EventsTotal          *prometheus.CounterVec
	DocsIndexedTotal     prometheus.Counter
	TombstonesTotal      prometheus.Counter
	StaleWritesTotal     prometheus.Counter
	CommitsTotal         prometheus.Counter
	ActiveSegments       prometheus.Gauge
	BufferedDocs         prometheus.Gauge
	BackfillBatchesTotal *prometheus.CounterVec
	SnapshotsTotal       *prometheus.CounterVec
	SnapshotDuration     prometheus.Histogram
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
}

// New creates all collectors and registers them on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors on a caller-supplied registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_events_total",
				Help: "Total ingestion events by type and outcome (applied, noop, error).",
			},
			[]string{"type", "outcome"},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_indexed_total",
				Help: "Total documents accepted into the write buffer.",
			},
		),
		TombstonesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tombstones_total",
				Help: "Total tombstones written.",
			},
		),
		StaleWritesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stale_writes_total",
				Help: "Total writes dropped as stale or already covered.",
			},
		),
		CommitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_publishes_total",
				Help: "Total segment-list publications (commits, compactions, removals).",
			},
		),
		ActiveSegments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_active_segments",
				Help: "Number of committed segments in the published list.",
			},
		),
		BufferedDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_buffered_docs",
				Help: "Number of documents in the uncommitted write buffer.",
			},
		),
		BackfillBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_batches_total",
				Help: "Total backfill batches by outcome (indexed, covered, error).",
			},
			[]string{"outcome"},
		),
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshots_total",
				Help: "Total snapshot uploads by status.",
			},
			[]string{"status"},
		),
		SnapshotDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snapshot_duration_seconds",
				Help:    "Snapshot upload duration in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total query cache misses.",
			},
		),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.DocsIndexedTotal,
		m.TombstonesTotal,
		m.StaleWritesTotal,
		m.CommitsTotal,
		m.ActiveSegments,
		m.BufferedDocs,
		m.BackfillBatchesTotal,
		m.SnapshotsTotal,
		m.SnapshotDuration,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
