// Package observability exposes Prometheus metrics for the engine.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stac_search_duration_seconds",
			Help:    "Duration of STAC search requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"collection", "outcome"},
	)

	searchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stac_search_items_total",
			Help: "STAC items returned by searches.",
		},
		[]string{"collection"},
	)

	samplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raster_samples_total",
			Help: "Point samples read, by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	assetOpenDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raster_asset_open_duration_seconds",
			Help:    "Time to open a raster asset in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"backend"},
	)

	cacheResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_cache_results_total",
			Help: "Search cache lookups by outcome.",
		},
		[]string{"tier", "outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "route", "status"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveSearch(collection, outcome string, durationSeconds float64) {
	searchDurationSeconds.WithLabelValues(collection, outcome).Observe(durationSeconds)
}

func AddSearchItems(collection string, n int) {
	searchItemsTotal.WithLabelValues(collection).Add(float64(n))
}

// Sample outcomes.
const (
	SampleOK     = "ok"
	SampleNodata = "nodata"
	SampleError  = "error"
)

func IncSample(backend, outcome string) {
	samplesTotal.WithLabelValues(backend, outcome).Inc()
}

func ObserveAssetOpen(backend string, durationSeconds float64) {
	assetOpenDurationSeconds.WithLabelValues(backend).Observe(durationSeconds)
}

func IncCacheHit(tier string)  { cacheResultsTotal.WithLabelValues(tier, "hit").Inc() }
func IncCacheMiss(tier string) { cacheResultsTotal.WithLabelValues(tier, "miss").Inc() }

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
