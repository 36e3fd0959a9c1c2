package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics holds all Prometheus metrics owned by the engine. A single
// instance is created in New and registered against the caller-provided
// registry, so tests can inject a fresh prometheus.Registry without
// polluting the default one.
type engineMetrics struct {
	// queriesTotal counts completed queries, partitioned by retrieval mode
	// and outcome: "ok", "no_relevant_content", or "error".
	queriesTotal *prometheus.CounterVec

	// queryDurationSeconds records wall-clock query latency by mode.
	queryDurationSeconds *prometheus.HistogramVec

	// ingestDurationSeconds records wall-clock knowledge-base build time.
	ingestDurationSeconds prometheus.Histogram

	// loadedKBs is the number of knowledge bases in the merged view.
	loadedKBs prometheus.Gauge

	// totalChunks is the chunk count summed over the merged view.
	totalChunks prometheus.Gauge
}

// newEngineMetrics registers all engine metrics against reg and returns the
// populated engineMetrics. A nil reg yields unregistered (inert) metrics.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)

	return &engineMetrics{
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkb",
			Subsystem: "engine",
			Name:      "queries_total",
			Help:      "Total number of retrieval queries completed, partitioned by mode and outcome.",
		}, []string{"mode", "outcome"}),

		queryDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragkb",
			Subsystem: "engine",
			Name:      "query_duration_seconds",
			Help:      "Wall-clock duration of retrieval queries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"mode"}),

		ingestDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragkb",
			Subsystem: "engine",
			Name:      "ingest_duration_seconds",
			Help:      "Wall-clock duration of knowledge-base ingestion (read, chunk, embed, index).",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		loadedKBs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragkb",
			Subsystem: "engine",
			Name:      "loaded_kbs",
			Help:      "Number of knowledge bases currently loaded (merged view).",
		}),

		totalChunks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragkb",
			Subsystem: "engine",
			Name:      "total_chunks",
			Help:      "Total chunks across all loaded knowledge bases.",
		}),
	}
}
