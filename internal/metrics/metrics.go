// Package metrics holds the Prometheus collectors emitted by reco.
// Collectors are registered on the default registry at package init; the
// worker exposes them through promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks recommendation latency per algorithm.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reco_request_duration_seconds",
			Help:    "Duration of recommendation requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2.5},
		},
		[]string{"algorithm"},
	)

	// RequestResults counts recommendation outcomes: ok, cold_start, error.
	RequestResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_requests_total",
			Help: "Total recommendation requests by algorithm and outcome",
		},
		[]string{"algorithm", "outcome"},
	)

	// CacheRequests counts result cache lookups by outcome: hit, miss, error.
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_cache_requests_total",
			Help: "Total result cache lookups by outcome",
		},
		[]string{"result"},
	)

	IndexRebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reco_index_rebuild_duration_seconds",
			Help:    "Duration of similarity index rebuilds in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"table"},
	)

	IndexNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reco_index_nodes",
			Help: "Nodes in the similarity index after the last rebuild",
		},
		[]string{"table"},
	)

	InteractionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_interactions_recorded_total",
			Help: "Interactions by outcome: inserted, duplicate",
		},
		[]string{"outcome"},
	)

	ProfilesComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_profiles_computed_total",
			Help: "Preference vector recomputations by outcome: updated, cold_start, error",
		},
		[]string{"outcome"},
	)
)

// ObserveRequest records latency and outcome for one recommendation request.
func ObserveRequest(algorithm, outcome string, started time.Time) {
	RequestDuration.WithLabelValues(algorithm).Observe(time.Since(started).Seconds())
	RequestResults.WithLabelValues(algorithm, outcome).Inc()
}

// ObserveRebuild records a completed index rebuild.
func ObserveRebuild(table string, nodes int, d time.Duration) {
	IndexRebuildDuration.WithLabelValues(table).Observe(d.Seconds())
	IndexNodes.WithLabelValues(table).Set(float64(nodes))
}
