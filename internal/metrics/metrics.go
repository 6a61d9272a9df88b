// Package metrics exposes Prometheus collectors for the crawl, embedding,
// and recall paths plus the HTTP API.
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
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	crawlerChunksTotal         *prometheus.CounterVec
	crawlerActiveWorkers       prometheus.Gauge
	crawlerQueueRejectedTotal  prometheus.Counter
	robotsFallbackTotal        prometheus.Counter
	embeddingRequestsTotal     *prometheus.CounterVec
	embeddingDurationSeconds   prometheus.Histogram
	recallRequestsTotal        *prometheus.CounterVec
	recallDurationSeconds      prometheus.Histogram
	recallScannedChunks        prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Page passes, labeled by site and outcome (indexed, skipped reason, failed).",
			},
			[]string{"site", "outcome"},
		)
		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of content bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		crawlerChunksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_chunks_total",
				Help: "Chunks produced by re-index passes, labeled by result (stored, skipped).",
			},
			[]string{"result"},
		)
		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently crawling a site.",
			},
		)
		crawlerQueueRejectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_queue_rejected_total",
				Help: "Site crawls dropped because the queue was full.",
			},
		)
		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "robots.txt lookups that kept failing and were treated as allow-all.",
			},
		)
		embeddingRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedding_requests_total",
				Help: "Embedding calls, labeled by outcome (ok, retry, error).",
			},
			[]string{"outcome"},
		)
		embeddingDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "embedding_request_duration_seconds",
				Help:    "Latency of individual embedding calls.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)
		recallRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_requests_total",
				Help: "Recall queries, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		recallDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recall_duration_seconds",
				Help:    "End-to-end recall latency including query embedding.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)
		recallScannedChunks = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recall_scanned_chunks",
				Help:    "Chunks scored per recall query.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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

// ObservePage records the outcome of one page pass.
func ObservePage(site string, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveChunks records stored and skipped chunk counts for a re-index.
func ObserveChunks(stored, skipped int) {
	Init()
	if stored > 0 {
		crawlerChunksTotal.WithLabelValues("stored").Add(float64(stored))
	}
	if skipped > 0 {
		crawlerChunksTotal.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveQueueRejected counts a crawl dropped for backpressure.
func ObserveQueueRejected() {
	Init()
	crawlerQueueRejectedTotal.Inc()
}

// ObserveRobotsFallback counts a robots.txt fetch that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveEmbedding records one embedding call.
func ObserveEmbedding(outcome string, duration time.Duration) {
	Init()
	embeddingRequestsTotal.WithLabelValues(outcome).Inc()
	embeddingDurationSeconds.Observe(duration.Seconds())
}

// ObserveRecall records one recall query.
func ObserveRecall(outcome string, scanned int, duration time.Duration) {
	Init()
	recallRequestsTotal.WithLabelValues(outcome).Inc()
	recallDurationSeconds.Observe(duration.Seconds())
	if scanned >= 0 {
		recallScannedChunks.Observe(float64(scanned))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
