// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts dispatched client requests by terminal outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total number of client requests by terminal outcome.",
		},
		[]string{"outcome"}, // "success", "client_error", "exhausted", "cancelled"
	)

	// AttemptLatency tracks per-attempt upstream latency in seconds.
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_attempt_latency_seconds",
			Help:    "Latency of individual upstream attempts in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status_class"}, // "2xx", "4xx", "5xx", "429", "error"
	)

	// TokenUsageTotal counts tokens parsed from upstream responses.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_token_usage_total",
			Help: "Total number of tokens consumed.",
		},
		[]string{"model", "direction"}, // direction: "prompt" or "completion"
	)

	// PenaltiesTotal counts penalties applied to keys.
	PenaltiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_key_penalties_total",
			Help: "Total number of penalties applied to upstream keys.",
		},
		[]string{"kind"}, // "rate_limit" or "transient"
	)

	// AvailableKeys tracks how many keys are currently selectable.
	AvailableKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_available_keys",
			Help: "Number of upstream keys currently eligible for selection.",
		},
	)

	// ActiveRequests tracks the number of in-flight client requests.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_active_requests",
			Help: "Number of currently in-flight client requests.",
		},
	)
)

// StatusClass buckets an upstream status code for the latency histogram.
func StatusClass(status int) string {
	switch {
	case status == 429:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200 && status < 300:
		return "2xx"
	default:
		return "error"
	}
}
