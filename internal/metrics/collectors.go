// Package metrics exposes Prometheus collectors and aggregated status views
// for the crawl engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerRequestsTotal        *prometheus.CounterVec
	crawlerErrorsTotal          *prometheus.CounterVec
	crawlerRetriesTotal         *prometheus.CounterVec
	crawlerRateLimitHitsTotal   *prometheus.CounterVec
	crawlerRequestDuration      *prometheus.HistogramVec
	crawlerItemsCollectedTotal  *prometheus.CounterVec
	crawlerActiveWorkers        prometheus.Gauge
	crawlerQueueDepth           *prometheus.GaugeVec
	crawlerQueueDroppedTotal    *prometheus.CounterVec
	crawlerScheduleRunsTotal    prometheus.Counter
	crawlerScheduleSkippedTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econgraph_crawler_requests_total",
				Help: "Total crawl attempts processed, labeled by source and outcome.",
			},
			[]string{"source", "status"},
		)

		crawlerErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econgraph_crawler_errors_total",
				Help: "Total failed crawl attempts, labeled by source and failure kind.",
			},
			[]string{"source", "kind"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econgraph_crawler_retries_total",
				Help: "Total attempts scheduled for retry, labeled by source.",
			},
			[]string{"source"},
		)

		crawlerRateLimitHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econgraph_crawler_rate_limit_hits_total",
				Help: "Times a dequeue was skipped or a provider answered 429, labeled by source.",
			},
			[]string{"source"},
		)

		crawlerRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "econgraph_crawler_request_duration_seconds",
				Help:    "Histogram of attempt processing latencies, labeled by source.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"source"},
		)

		crawlerItemsCollectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econgraph_crawler_items_collected_total",
				Help: "Total data points ingested, labeled by source.",
			},
			[]string{"source"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "econgraph_crawler_active_workers",
				Help: "Number of workers currently processing an attempt.",
			},
		)

		crawlerQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "econgraph_crawler_queue_depth",
				Help: "Current queue size, labeled by attempt state.",
			},
			[]string{"state"},
		)

		crawlerQueueDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econgraph_crawler_queue_dropped_total",
				Help: "Work items rejected by back-pressure, labeled by source.",
			},
			[]string{"source"},
		)

		crawlerScheduleRunsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "econgraph_crawler_schedule_runs_total",
				Help: "Completed scheduler passes.",
			},
		)

		crawlerScheduleSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econgraph_crawler_schedule_skipped_total",
				Help: "Scheduler passes that did not enqueue, labeled by reason.",
			},
			[]string{"reason"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one finished crawl attempt.
func ObserveAttempt(source, status string, duration time.Duration) {
	crawlerRequestsTotal.WithLabelValues(source, status).Inc()
	crawlerRequestDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveError increments the failure counter for the given kind
// (retryable, permanent, timeout, panic).
func ObserveError(source, kind string) {
	crawlerErrorsTotal.WithLabelValues(source, kind).Inc()
}

// ObserveRetry counts an attempt moved back to the retry queue.
func ObserveRetry(source string) {
	crawlerRetriesTotal.WithLabelValues(source).Inc()
}

// ObserveRateLimitHit counts a token-bucket rejection or provider 429.
func ObserveRateLimitHit(source string) {
	crawlerRateLimitHitsTotal.WithLabelValues(source).Inc()
}

// ObserveItemsCollected adds ingested data points for a source.
func ObserveItemsCollected(source string, count int) {
	if count > 0 {
		crawlerItemsCollectedTotal.WithLabelValues(source).Add(float64(count))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// SetQueueDepth publishes the per-state queue sizes.
func SetQueueDepth(state string, n int) {
	crawlerQueueDepth.WithLabelValues(state).Set(float64(n))
}

// ObserveQueueDrop counts a work item rejected because the queue was full.
func ObserveQueueDrop(source string) {
	crawlerQueueDroppedTotal.WithLabelValues(source).Inc()
}

// ObserveScheduleRun counts one completed scheduler pass.
func ObserveScheduleRun() {
	crawlerScheduleRunsTotal.Inc()
}

// ObserveScheduleSkipped counts a pass gated off by configuration.
func ObserveScheduleSkipped(reason string) {
	crawlerScheduleSkippedTotal.WithLabelValues(reason).Inc()
}
