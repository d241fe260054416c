// Package metrics exposes Prometheus collectors for the indexing service.
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
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	stageItemsTotal            *prometheus.CounterVec
	quotaConsumedTotal         *prometheus.CounterVec
	quotaDeniedTotal           *prometheus.CounterVec
	urlsByStatus               *prometheus.GaugeVec
	apiCallsTotal              *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_runs_total",
				Help: "Pipeline trigger results, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexer_run_duration_seconds",
				Help:    "Wall time of executed pipeline runs.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		stageItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_stage_items_total",
				Help: "URLs handled by pipeline stages, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		quotaConsumedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_quota_consumed_total",
				Help: "Quota units consumed, labeled by service account.",
			},
			[]string{"account"},
		)

		quotaDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_quota_denied_total",
				Help: "Quota reservations refused, labeled by scope (account or global).",
			},
			[]string{"scope"},
		)

		urlsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_urls",
				Help: "URLs waiting for a stage, labeled by queue.",
			},
			[]string{"queue"},
		)

		apiCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_api_calls_total",
				Help: "Indexing API calls, labeled by operation and HTTP status code.",
			},
			[]string{"op", "code"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"limiter"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records a trigger outcome and, for executed runs, the duration.
func ObserveRun(outcome string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		runDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveStage adds n items with result to the stage counter.
func ObserveStage(stage, result string, n int) {
	if n <= 0 {
		return
	}
	Init()
	stageItemsTotal.WithLabelValues(stage, result).Add(float64(n))
}

// ObserveQuotaConsumed counts a unit spent by account.
func ObserveQuotaConsumed(account string) {
	Init()
	quotaConsumedTotal.WithLabelValues(account).Inc()
}

// ObserveQuotaDenied counts a refused reservation for scope.
func ObserveQuotaDenied(scope string) {
	Init()
	quotaDeniedTotal.WithLabelValues(scope).Inc()
}

// SetQueueDepth records how many URLs wait in queue.
func SetQueueDepth(queue string, n int) {
	Init()
	urlsByStatus.WithLabelValues(queue).Set(float64(n))
}

// ObserveAPICall counts an indexing API call. code 0 means no response.
func ObserveAPICall(op string, code int) {
	Init()
	apiCallsTotal.WithLabelValues(op, strconv.Itoa(code)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
