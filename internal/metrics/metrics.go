// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlsTotal                *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	urlsTotal                  *prometheus.CounterVec
	bytesFetchedTotal          prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeCrawls               prometheus.Gauge
	poolRejectionsTotal        prometheus.Counter
	admissionFailuresTotal     *prometheus.CounterVec
	queueRebuildsTotal         prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	permissionChecksTotal      *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	robotsFallbacksTotal       prometheus.Counter
	headlessPromotionsTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aucrawler_crawls_total",
				Help: "Total number of finished crawls, labeled by crawl type and final status.",
			},
			[]string{"type", "status"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aucrawler_crawl_duration_seconds",
				Help:    "Histogram of crawl run times, labeled by crawl type.",
				Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
			},
			[]string{"type"},
		)

		urlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aucrawler_urls_total",
				Help: "Total number of urls processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		bytesFetchedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aucrawler_bytes_fetched_total",
				Help: "Total number of content bytes fetched.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aucrawler_api_requests_total",
				Help: "Total number of API requests, labeled by method, route pattern and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aucrawler_api_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route pattern.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aucrawler_active_crawls",
				Help: "Number of crawls currently running in the pool.",
			},
		)

		poolRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aucrawler_pool_rejections_total",
				Help: "Crawl requests rejected because the pool and its queue were full.",
			},
		)

		admissionFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aucrawler_admission_failures_total",
				Help: "Crawl requests refused by the admission gate, labeled by reason.",
			},
			[]string{"reason"},
		)

		queueRebuildsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aucrawler_queue_rebuilds_total",
				Help: "Number of on-demand crawl queue rebuilds.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aucrawler_rate_limit_delays_seconds",
				Help:    "Histogram of fetch pacing waits, labeled by limiter key.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)

		permissionChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aucrawler_permission_checks_total",
				Help: "Permission page evaluations, labeled by result.",
			},
			[]string{"result"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aucrawler_fetches_total",
				Help: "Network fetches, labeled by fetcher and response class.",
			},
			[]string{"fetcher", "class"},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aucrawler_robots_fallbacks_total",
				Help: "robots.txt fetches that timed out and fell back to allow-all.",
			},
		)

		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aucrawler_headless_promotions_total",
				Help: "Static fetches refetched headless, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl records a finished crawl.
func ObserveCrawl(crawlType, status string, duration time.Duration) {
	Init()
	crawlsTotal.WithLabelValues(crawlType, status).Inc()
	crawlDurationSeconds.WithLabelValues(crawlType).Observe(duration.Seconds())
}

// ObserveURL records one url outcome (fetched, not_modified, excluded,
// error, parsed).
func ObserveURL(outcome string, bytesFetched int64) {
	Init()
	urlsTotal.WithLabelValues(outcome).Inc()
	if bytesFetched > 0 {
		bytesFetchedTotal.Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records one API request against its route pattern.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveCrawls increments the active crawls gauge.
func IncActiveCrawls() {
	Init()
	activeCrawls.Inc()
}

// DecActiveCrawls decrements the active crawls gauge.
func DecActiveCrawls() {
	Init()
	activeCrawls.Dec()
}

// ObservePoolRejection counts a request refused by a full pool.
func ObservePoolRejection() {
	Init()
	poolRejectionsTotal.Inc()
}

// ObserveAdmissionFailure counts a request refused by the admission gate.
func ObserveAdmissionFailure(reason string) {
	Init()
	admissionFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveQueueRebuild counts an on-demand queue rebuild.
func ObserveQueueRebuild() {
	Init()
	queueRebuildsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObservePermissionCheck counts a permission page evaluation.
func ObservePermissionCheck(result string) {
	Init()
	permissionChecksTotal.WithLabelValues(result).Inc()
}

// ObserveFetch counts a fetch by fetcher and response class (2xx, 3xx,
// 4xx, 5xx, error).
func ObserveFetch(fetcher, class string) {
	Init()
	fetchesTotal.WithLabelValues(fetcher, class).Inc()
}

// ObserveRobotsFallback counts a robots.txt fetch that fell back to
// allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbacksTotal.Inc()
}

// ObserveHeadlessPromotion counts a headless refetch by outcome
// (rendered, failed).
func ObserveHeadlessPromotion(outcome string) {
	Init()
	headlessPromotionsTotal.WithLabelValues(outcome).Inc()
}
