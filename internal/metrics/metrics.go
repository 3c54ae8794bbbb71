// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestFeedsTotal           *prometheus.CounterVec
	ingestEpisodesTotal        *prometheus.CounterVec
	ingestBytesTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	ingestCacheHitsTotal       prometheus.Counter
	ingestActiveWorkers        prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestFeedsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podingest_feeds_total",
				Help: "Total number of feeds processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ingestEpisodesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podingest_episodes_total",
				Help: "Total number of episodes handled, labeled by action.",
			},
			[]string{"action"},
		)

		ingestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podingest_bytes_total",
				Help: "Total number of bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podingest_http_requests_total",
				Help: "Total number of outbound HTTP requests, labeled by host and code.",
			},
			[]string{"host", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podingest_http_request_duration_seconds",
				Help:    "Histogram of outbound HTTP request latencies, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		ingestCacheHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "podingest_cache_hits_total",
				Help: "Total body fetches satisfied by an unchanged content hash.",
			},
		)

		ingestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "podingest_active_workers",
				Help: "Number of workers currently processing a feed.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podingest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFeed increments the per-outcome feed counter.
func ObserveFeed(outcome string) {
	Init()
	ingestFeedsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEpisodes adds to the per-action episode counter.
func ObserveEpisodes(action string, count int) {
	Init()
	if count <= 0 {
		return
	}
	ingestEpisodesTotal.WithLabelValues(action).Add(float64(count))
}

// ObserveHTTPRequest records one outbound request.
func ObserveHTTPRequest(host string, code int, bytesFetched int64, duration time.Duration) {
	Init()
	sanitized := SanitizeHost(host)
	httpRequestsTotal.WithLabelValues(sanitized, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	if bytesFetched > 0 {
		ingestBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveCacheHit increments the dedup cache-hit counter.
func ObserveCacheHit() {
	Init()
	ingestCacheHitsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	ingestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	ingestActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
