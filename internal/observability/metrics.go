// Package observability holds the Prometheus collectors and tracer used by
// the attempt engine.
package observability

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/stemsi/exstem-proctor/internal/service"

var (
	registerOnce sync.Once

	attemptsAdmitted   *prometheus.CounterVec
	attemptsFinalized  *prometheus.CounterVec
	finalizeSeconds    prometheus.Histogram
	violationsRecorded *prometheus.CounterVec
	responsesSaved     *prometheus.CounterVec
	sweepFinalized     prometheus.Counter
	activeSessions     prometheus.Gauge
	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors.
func RegisterMetrics() {
	registerOnce.Do(func() {
		attemptsAdmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_attempts_admitted_total",
			Help: "Admission decisions by phase (waiting, active, resumed).",
		}, []string{"phase"})

		attemptsFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_attempts_finalized_total",
			Help: "Finalize calls by requested reason and outcome (won, already_finalized).",
		}, []string{"reason", "outcome"})

		finalizeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_finalize_seconds",
			Help:    "Latency of the grade-and-commit transaction.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		})

		violationsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_violations_total",
			Help: "Integrity violations recorded, by type.",
		}, []string{"type"})

		responsesSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_responses_total",
			Help: "Response writes by result (saved, queued, rejected).",
		}, []string{"result"})

		sweepFinalized = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proctor_sweep_finalized_total",
			Help: "Attempts finalized as timeout by the expiry sweeper.",
		})

		activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_active_sessions",
			Help: "Session runners currently attached to a WebSocket.",
		})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proctor_http_latency_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		prometheus.MustRegister(
			attemptsAdmitted, attemptsFinalized, finalizeSeconds,
			violationsRecorded, responsesSaved, sweepFinalized, activeSessions,
			httpRequestsTotal, httpLatencySeconds,
		)
	})
}

// AttemptsAdmitted exposes the admission counter.
func AttemptsAdmitted() *prometheus.CounterVec {
	RegisterMetrics()
	return attemptsAdmitted
}

// AttemptsFinalized exposes the finalize counter.
func AttemptsFinalized() *prometheus.CounterVec {
	RegisterMetrics()
	return attemptsFinalized
}

// FinalizeSeconds exposes the finalize latency histogram.
func FinalizeSeconds() prometheus.Histogram {
	RegisterMetrics()
	return finalizeSeconds
}

// ViolationsRecorded exposes the violation counter.
func ViolationsRecorded() *prometheus.CounterVec {
	RegisterMetrics()
	return violationsRecorded
}

// ResponsesSaved exposes the response write counter.
func ResponsesSaved() *prometheus.CounterVec {
	RegisterMetrics()
	return responsesSaved
}

// SweepFinalized exposes the sweeper counter.
func SweepFinalized() prometheus.Counter {
	RegisterMetrics()
	return sweepFinalized
}

// ActiveSessions exposes the live session gauge.
func ActiveSessions() prometheus.Gauge {
	RegisterMetrics()
	return activeSessions
}

// HTTPRequests exposes the HTTP request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the HTTP latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// MetricsHandler exposes the Prometheus scrape endpoint via gin.
func MetricsHandler() gin.HandlerFunc {
	RegisterMetrics()
	return gin.WrapH(promhttp.Handler())
}

// Tracer returns the tracer used for engine spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
