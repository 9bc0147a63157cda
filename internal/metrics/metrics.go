// Package metrics exposes Prometheus collectors for the crawl pipeline.
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
	crawlerPagesTotal           *prometheus.CounterVec
	crawlerRecordsTotal         *prometheus.CounterVec
	crawlerFetchRetriesTotal    prometheus.Counter
	crawlerQueriesTotal         *prometheus.CounterVec
	crawlerInflightFetches      prometheus.Gauge
	crawlerFetchDurationSeconds *prometheus.HistogramVec
	crawlerPacingDelaySeconds   *prometheus.HistogramVec
	crawlerCheckpointSavesTotal *prometheus.CounterVec
	crawlerCurrentDimension     prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times; every observer calls it.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_pages_total",
				Help: "Result pages fetched, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_records_total",
				Help: "Listing records handled, labeled by result (persisted, duplicate).",
			},
			[]string{"result"},
		)

		crawlerFetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobcrawler_fetch_retries_total",
				Help: "Page fetch attempts beyond the first.",
			},
		)

		crawlerQueriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_queries_total",
				Help: "Dimension keys finished, labeled by final state.",
			},
			[]string{"state"},
		)

		crawlerInflightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobcrawler_inflight_fetches",
				Help: "Page fetches currently holding a concurrency slot.",
			},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		)

		crawlerPacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawler_pacing_delay_seconds",
				Help:    "Histogram of enforced pacing waits, labeled by kind (request, batch, rate_limit, retry).",
				Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10, 30},
			},
			[]string{"kind"},
		)

		crawlerCheckpointSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_checkpoint_saves_total",
				Help: "Checkpoint writes, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerCurrentDimension = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobcrawler_current_dimension_index",
				Help: "Flat index of the dimension key being crawled.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_http_requests_total",
				Help: "Status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawler_http_request_duration_seconds",
				Help:    "Histogram of status API latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage records one resolved page and its fetch latency.
func ObservePage(outcome string, duration time.Duration) {
	Init()
	crawlerPagesTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		crawlerFetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// ObserveRecords adds n records under result.
func ObserveRecords(result string, n int) {
	Init()
	if n > 0 {
		crawlerRecordsTotal.WithLabelValues(result).Add(float64(n))
	}
}

// ObserveRetry counts one extra fetch attempt.
func ObserveRetry() {
	Init()
	crawlerFetchRetriesTotal.Inc()
}

// ObserveQuery counts a finished dimension key.
func ObserveQuery(state string) {
	Init()
	crawlerQueriesTotal.WithLabelValues(state).Inc()
}

// IncInflight increments the in-flight fetch gauge.
func IncInflight() {
	Init()
	crawlerInflightFetches.Inc()
}

// DecInflight decrements the in-flight fetch gauge.
func DecInflight() {
	Init()
	crawlerInflightFetches.Dec()
}

// ObservePacingDelay records an enforced wait.
func ObservePacingDelay(kind string, duration time.Duration) {
	Init()
	crawlerPacingDelaySeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveCheckpointSave counts a checkpoint write.
func ObserveCheckpointSave(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	crawlerCheckpointSavesTotal.WithLabelValues(result).Inc()
}

// SetCurrentDimension publishes the index of the key in flight.
func SetCurrentDimension(index int) {
	Init()
	crawlerCurrentDimension.Set(float64(index))
}

// ObserveHTTPRequest records one status API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
