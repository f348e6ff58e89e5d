// Package metrics
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_name"},
	)
	FetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fetch_attempts_total",
			Help: "Outbound requests issued by the resilient fetcher, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	ShardsFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_sitemap_shards_total",
			Help: "Sitemap shards retrieved successfully.",
		},
	)
	CandidatesExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_candidates_extracted_total",
			Help: "Image candidates found in sitemap shards before sampling.",
		},
	)
	CandidatesSampled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_candidates_sampled_total",
			Help: "Image candidates kept by sampling.",
		},
	)
	EnrichmentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_enrichment_outcomes_total",
			Help: "Processed images, labeled by availability.",
		},
		[]string{"availability"},
	)
	CanonicalCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_canonical_created_total",
			Help: "Canonical rows created by the identity resolver, labeled by kind.",
		},
		[]string{"kind"},
	)
	UnprocessedImages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_unprocessed_images",
			Help: "Images waiting for enrichment.",
		},
	)
	TotalImages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_images_total",
			Help: "Total number of rows in the images table.",
		},
	)
)

func init() {
	prometheus.MustRegister(DBQueryDuration)
	prometheus.MustRegister(FetchAttempts)
	prometheus.MustRegister(ShardsFetched)
	prometheus.MustRegister(CandidatesExtracted)
	prometheus.MustRegister(CandidatesSampled)
	prometheus.MustRegister(EnrichmentOutcomes)
	prometheus.MustRegister(CanonicalCreated)
	prometheus.MustRegister(UnprocessedImages)
	prometheus.MustRegister(TotalImages)
}

func ExposeMetrics(addr string) {
	slog.Info("Exposing Prometheus metrics", "address", addr)
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("Failed to start Prometheus metrics server", "error", err)
	}
}
