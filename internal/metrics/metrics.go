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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerRendersTotal           *prometheus.CounterVec
	crawlerRetriesTotal           *prometheus.CounterVec
	crawlerItemsTotal             *prometheus.CounterVec
	crawlerSourceRunsTotal        *prometheus.CounterVec
	crawlerSourceDurationSeconds  *prometheus.HistogramVec
	crawlerRunsTotal              *prometheus.CounterVec
	crawlerActiveCrawlers         prometheus.Gauge
	translationRecordsTotal       *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages rendered, labeled by source, page kind and status.",
			},
			[]string{"source", "kind", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of rendered bytes, labeled by source.",
			},
			[]string{"source"},
		)

		crawlerRendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_renders_total",
				Help: "Total number of render calls, labeled by renderer and outcome.",
			},
			[]string{"renderer", "outcome"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of fetch retries, labeled by source.",
			},
			[]string{"source"},
		)

		crawlerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_total",
				Help: "Total number of detail items, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		crawlerSourceRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_source_runs_total",
				Help: "Total number of per-source crawls, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		crawlerSourceDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_source_duration_seconds",
				Help:    "Histogram of per-source crawl durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"source"},
		)

		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Total number of orchestrated runs, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveCrawlers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_crawlers",
				Help: "Number of site crawlers currently running.",
			},
		)

		translationRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "translation_records_total",
				Help: "Total number of records handled by the translation stage, labeled by outcome.",
			},
			[]string{"outcome"},
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

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts a rendered list or detail page.
func ObservePage(source, kind, status string, bytesFetched int) {
	Init()
	crawlerPagesTotal.WithLabelValues(source, kind, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(source).Add(float64(bytesFetched))
	}
}

// ObserveRender counts one render call by renderer.
func ObserveRender(renderer string, err error) {
	Init()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	crawlerRendersTotal.WithLabelValues(renderer, outcome).Inc()
}

// ObserveRetry counts a retried fetch.
func ObserveRetry(source string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(source).Inc()
}

// ObserveItems adds n items with the given outcome (persisted, skipped, failed).
func ObserveItems(source, outcome string, n int) {
	Init()
	if n <= 0 {
		return
	}
	crawlerItemsTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// ObserveSourceRun records the end of one site crawl.
func ObserveSourceRun(source, outcome string, duration time.Duration) {
	Init()
	crawlerSourceRunsTotal.WithLabelValues(source, outcome).Inc()
	crawlerSourceDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRun increments the orchestrated run counter for the given status.
func ObserveRun(status string) {
	Init()
	crawlerRunsTotal.WithLabelValues(status).Inc()
}

// IncActiveCrawlers increments the active crawlers gauge.
func IncActiveCrawlers() {
	Init()
	crawlerActiveCrawlers.Inc()
}

// DecActiveCrawlers decrements the active crawlers gauge.
func DecActiveCrawlers() {
	Init()
	crawlerActiveCrawlers.Dec()
}

// ObserveTranslation counts one record handled by the translation stage.
func ObserveTranslation(outcome string) {
	Init()
	translationRecordsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
