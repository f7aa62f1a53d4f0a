// Package metrics exposes Prometheus collectors for the orchestrator.
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
	tasksTotal             *prometheus.CounterVec
	activeWorkers          prometheus.Gauge
	workerRestartsTotal    prometheus.Counter
	resultsTotal           *prometheus.CounterVec
	interventionsTotal     *prometheus.CounterVec
	rateLimitDelaySeconds  *prometheus.HistogramVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraperd_tasks_total",
				Help: "Total number of task status transitions, labeled by resulting status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraperd_active_workers",
				Help: "Number of live worker processes tracked by the supervisor.",
			},
		)

		workerRestartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraperd_worker_restarts_total",
				Help: "Total worker respawns triggered by the crash retry policy.",
			},
		)

		resultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraperd_results_total",
				Help: "Total scraped records received, labeled by platform.",
			},
			[]string{"platform"},
		)

		interventionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraperd_interventions_total",
				Help: "Total pause-for-intervention events, labeled by kind.",
			},
			[]string{"kind"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraperd_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by platform.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"platform"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
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

// ObserveTransition counts a task status change.
func ObserveTransition(status string) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(status).Inc()
}

// SetActiveWorkers records the current live worker count.
func SetActiveWorkers(n int) {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Set(float64(n))
}

// ObserveRestart counts a crash-triggered respawn.
func ObserveRestart() {
	if workerRestartsTotal == nil {
		return
	}
	workerRestartsTotal.Inc()
}

// ObserveResults counts scraped records for a platform.
func ObserveResults(platform string, n int) {
	if resultsTotal == nil || n <= 0 {
		return
	}
	resultsTotal.WithLabelValues(platform).Add(float64(n))
}

// ObserveIntervention counts a pause-for-intervention event.
func ObserveIntervention(kind string) {
	if interventionsTotal == nil {
		return
	}
	interventionsTotal.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records time spent waiting on the rate limiter.
func ObserveRateLimitDelay(platform string, d time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(platform).Observe(d.Seconds())
}

// ObserveHTTPRequest records a served HTTP request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, statusText(code)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusText(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}
