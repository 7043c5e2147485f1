package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/au-crawler/internal/progress"
)

// PrometheusSink exports crawl progress via Prometheus collectors for crawls
// started, finished and running, plus per-host fetch counters.
type PrometheusSink struct {
	crawlsStarted  *prometheus.CounterVec
	crawlsFinished *prometheus.CounterVec
	crawlsRunning  prometheus.Gauge
	crawlRuntime   *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	tracker *crawlTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aucrawler_progress_crawls_started_total",
			Help: "Crawls started partitioned by crawl type.",
		}, []string{"type"}),
		crawlsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aucrawler_progress_crawls_finished_total",
			Help: "Crawls finished partitioned by result.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aucrawler_progress_crawls_running",
			Help: "Current number of running crawls seen by the progress stream.",
		}),
		crawlRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aucrawler_progress_crawl_runtime_seconds",
			Help:    "Wall time per finished crawl.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aucrawler_progress_fetches_total",
			Help: "Fetch completions partitioned by host and status class.",
		}, []string{"host", "status_class"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aucrawler_progress_fetch_errors_total",
			Help: "Failed fetches per host.",
		}, []string{"host"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aucrawler_progress_fetch_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aucrawler_progress_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by host and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host", "status_class"}),
		tracker: newCrawlTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.crawlsStarted,
		s.crawlsFinished,
		s.crawlsRunning,
		s.crawlRuntime,
		s.fetchRequests,
		s.fetchErrors,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCrawlStart:
			s.crawlsStarted.WithLabelValues(labelOr(evt.CrawlType, "unknown")).Inc()
			if s.tracker.start(evt.CrawlID) {
				s.crawlsRunning.Inc()
			}
		case progress.StageCrawlDone, progress.StageCrawlError:
			s.handleFinish(evt)
		case progress.StageFetchDone:
			s.handleFetch(evt)
		case progress.StageFetchError:
			s.fetchErrors.WithLabelValues(labelOr(evt.Host, "unknown")).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleFinish(evt progress.Event) {
	result := evt.Result
	if result == "" {
		result = "success"
		if evt.Stage == progress.StageCrawlError {
			result = "error"
		}
	}
	s.crawlsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.crawlRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.CrawlID) {
		s.crawlsRunning.Dec()
	}
}

func (s *PrometheusSink) handleFetch(evt progress.Event) {
	host := labelOr(evt.Host, "unknown")
	statusClass := labelOr(string(evt.StatusClass), string(progress.StatusOther))
	s.fetchRequests.WithLabelValues(host, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(host, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type crawlTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCrawlTracker() *crawlTracker {
	return &crawlTracker{running: make(map[[16]byte]struct{})}
}

func (t *crawlTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *crawlTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
