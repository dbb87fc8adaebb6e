// Package telemetry exposes Prometheus counters/histograms for the
// PowerAuth enrollment service, following the teacher's promauto
// pattern in internal/metrics/metrics.go.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerauth_activations_total",
			Help: "Total number of activation lifecycle transitions",
		},
		[]string{"step", "result"}, // step: start/validate_response/complete, result: success/failure
	)

	SignaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerauth_signatures_total",
			Help: "Total number of HTTP request signature verifications",
		},
		[]string{"factor", "result"},
	)

	SignatureLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powerauth_signature_verify_latency_seconds",
			Help:    "Latency of signature verification, including counter resynchronization",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"factor"},
	)

	CounterSyncResultTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerauth_counter_sync_result_total",
			Help: "Outcome distribution of trySynchronizeCounter",
		},
		[]string{"result"}, // ok/updated/calculate_signature/invalid
	)

	DeadlockedActivations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "powerauth_deadlocked_activations",
			Help: "Number of activations currently in the Deadlock state",
		},
	)

	VaultOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerauth_vault_operations_total",
			Help: "Total number of vault-key operations (password change, biometry, recovery)",
		},
		[]string{"operation", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powerauth_http_requests_total",
			Help: "Total number of HTTP requests served by the enrollment server",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powerauth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordActivationStep records a single activation lifecycle step.
func RecordActivationStep(step string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	ActivationsTotal.WithLabelValues(step, result).Inc()
}

// RecordSignature records a signature verification outcome and its
// latency, keyed by the factor header name (e.g. "possession_knowledge").
func RecordSignature(factor string, success bool, latency time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	SignaturesTotal.WithLabelValues(factor, result).Inc()
	SignatureLatency.WithLabelValues(factor).Observe(latency.Seconds())
}

// RecordCounterSyncResult records the branch taken by
// Session.trySynchronizeCounter.
func RecordCounterSyncResult(result string) {
	CounterSyncResultTotal.WithLabelValues(result).Inc()
}

// RecordVaultOperation records the outcome of a vault-key operation.
func RecordVaultOperation(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	VaultOperationsTotal.WithLabelValues(operation, result).Inc()
}

// Handler returns the /metrics HTTP handler for mounting on the
// enrollment server's router.
func Handler() http.Handler {
	return promhttp.Handler()
}
