// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Requests counts chat calls by terminal status.
var Requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aigw",
	Name:      "requests_total",
	Help:      "Chat requests by app, use case and terminal status.",
}, []string{"app", "use_case", "status"})

// AdmissionDenials counts admission denials.
var AdmissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aigw",
	Name:      "admission_denials_total",
	Help:      "Admission denials by scope kind and error code.",
}, []string{"scope", "reason"})

// Cost tracks settled spend.
var Cost = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aigw",
	Name:      "cost_dollars_total",
	Help:      "Settled model spend in dollars.",
}, []string{"app", "model"})

// DispatchAttempts counts provider calls by outcome code ("ok" on success).
var DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aigw",
	Name:      "dispatch_attempts_total",
	Help:      "Provider dispatch attempts by model and outcome.",
}, []string{"model", "outcome"})

// SafetyScore records screening scores.
var SafetyScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "aigw",
	Name:      "safety_score",
	Help:      "Safety scores of screened content.",
	Buckets:   []float64{0.2, 0.4, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
}, []string{"direction"})

// EmergencyMode is 0 normal, 1 suspended, 2 recovering.
var EmergencyMode = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "aigw",
	Name:      "emergency_mode",
	Help:      "Platform emergency mode (0 normal, 1 suspended, 2 recovering).",
})

// RequestDuration tracks end-to-end chat latency.
var RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "aigw",
	Name:      "request_duration_seconds",
	Help:      "End-to-end chat request duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"app"})

// CacheLookups counts response cache lookups.
var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aigw",
	Name:      "cache_lookups_total",
	Help:      "Response cache lookups by result.",
}, []string{"result"})
