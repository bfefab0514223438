// Package observability provides Prometheus metrics instrumentation for the supervisor.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// REQUEST METRICS
// =============================================================================

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_requests_total",
			Help: "Total number of requests that reached a terminal state",
		},
		[]string{"verb", "outcome"}, // outcome: success, rejected, closed, error, cancelled
	)

	requestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supervisor_request_duration_seconds",
			Help:    "Time from request start to its terminal envelope, in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"verb"},
	)

	reviewSuspensionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_review_suspensions_total",
			Help: "Total number of requests suspended for human review",
		},
		[]string{"verb", "step"},
	)
)

// =============================================================================
// STEP METRICS
// =============================================================================

var (
	stepExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_step_executions_total",
			Help: "Total number of step invocations",
		},
		[]string{"step", "status"}, // status: yes, no, error
	)

	stepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supervisor_step_duration_seconds",
			Help:    "Step invocation duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"step"},
	)
)

// =============================================================================
// TRANSPORT METRICS
// =============================================================================

var (
	envelopesEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_envelopes_emitted_total",
			Help: "Total number of outbound envelopes",
		},
		[]string{"kind"},
	)

	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supervisor_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 30, 300},
		},
		[]string{"method"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_active_sessions",
			Help: "Number of sessions currently held by the supervisor",
		},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordRequest records a request reaching a terminal state.
func RecordRequest(verb string, outcome string, durationMS int) {
	requestsTotal.WithLabelValues(verb, outcome).Inc()
	requestDurationSeconds.WithLabelValues(verb).Observe(float64(durationMS) / 1000.0)
}

// RecordStepExecution records one step invocation.
// status is the decision for a completed step, or "error".
func RecordStepExecution(step string, status string, durationMS int) {
	stepExecutionsTotal.WithLabelValues(step, status).Inc()
	stepDurationSeconds.WithLabelValues(step).Observe(float64(durationMS) / 1000.0)
}

// RecordEnvelopeEmitted counts an outbound envelope by kind.
func RecordEnvelopeEmitted(kind string) {
	envelopesEmittedTotal.WithLabelValues(kind).Inc()
}

// RecordReviewSuspension counts a request entering human review.
func RecordReviewSuspension(verb string, step string) {
	reviewSuspensionsTotal.WithLabelValues(verb, step).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	activeSessions.Dec()
}
