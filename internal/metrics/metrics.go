// Package metrics exposes Prometheus collectors for the pricepulse processes.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	schedulerEnqueuedTotal     *prometheus.CounterVec
	queueEnqueueErrorsTotal    prometheus.Counter
	queueRequeuedTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricepulse_jobs_total",
				Help: "Total number of price jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricepulse_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricepulse_fetch_duration_seconds",
				Help:    "Histogram of fetcher latencies, labeled by platform and outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform", "outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricepulse_rate_limit_delay_seconds",
				Help:    "Histogram of politeness wait durations, labeled by platform.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform"},
		)

		schedulerEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricepulse_scheduler_enqueued_total",
				Help: "Jobs emitted by the scheduler fan-out, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueEnqueueErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pricepulse_queue_enqueue_errors_total",
				Help: "Total number of jobs the broker failed to accept.",
			},
		)

		queueRequeuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricepulse_queue_requeued_total",
				Help: "Jobs moved back to the ready list by maintenance, labeled by reason.",
			},
			[]string{"reason"},
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

// SanitizeLabel lower-cases a free-form label value.
// It returns "unknown" for empty input.
func SanitizeLabel(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return "unknown"
	}
	return v
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveFetch records one fetcher call.
func ObserveFetch(platform, outcome string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(SanitizeLabel(platform), outcome).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(platform string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeLabel(platform)).Observe(duration.Seconds())
}

// ObserveSchedulerScan adds the results of one fan-out.
func ObserveSchedulerScan(enqueued, failed int) {
	Init()
	schedulerEnqueuedTotal.WithLabelValues("enqueued").Add(float64(enqueued))
	schedulerEnqueuedTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveEnqueueError counts a rejected enqueue.
func ObserveEnqueueError() {
	Init()
	queueEnqueueErrorsTotal.Inc()
}

// ObserveRequeued counts jobs moved back to ready by queue maintenance.
func ObserveRequeued(reason string, n int) {
	if n <= 0 {
		return
	}
	Init()
	queueRequeuedTotal.WithLabelValues(reason).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
