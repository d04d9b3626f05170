// Package telemetry exposes the Prometheus metrics the engine records for
// its own operations.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RatchetOperationsTotal counts ratchet encrypt/decrypt calls by outcome.
	RatchetOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_ratchet_operations_total",
			Help: "Total number of Double Ratchet encrypt/decrypt operations",
		},
		[]string{"operation", "result"}, // encrypt|decrypt, ok|undecryptable|error
	)

	RatchetOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "e2ee_ratchet_operation_latency_seconds",
			Help:    "Latency of Double Ratchet encrypt/decrypt operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
		[]string{"operation"},
	)

	// DHRatchetStepsTotal counts DH ratchet advances (new DHr installed).
	DHRatchetStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_dh_ratchet_steps_total",
			Help: "Total number of DH ratchet steps performed",
		},
		[]string{"conversation_kind"}, // initiator|responder
	)

	// SkippedKeyCacheSize tracks the size of a session's skipped-message-key
	// cache at the moment it was last touched.
	SkippedKeyCacheSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "e2ee_skipped_key_cache_size",
			Help:    "Size of the skipped-message-key cache observed on decrypt",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// X3DHSessionsTotal counts session establishments by role and whether a
	// one-time prekey participated.
	X3DHSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_x3dh_sessions_total",
			Help: "Total number of X3DH session establishments",
		},
		[]string{"role", "used_one_time_prekey"}, // initiator|responder, true|false
	)

	// PrekeyRotationsTotal counts signed-prekey rotations.
	PrekeyRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_signed_prekey_rotations_total",
			Help: "Total number of signed prekey rotations performed",
		},
	)

	// PrekeyRefillsTotal counts one-time-prekey refill batches published.
	PrekeyRefillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_one_time_prekey_refills_total",
			Help: "Total number of one-time prekey refill batches published",
		},
		[]string{"count_bucket"},
	)

	// DirectoryClaimsTotal counts one-time prekey claim attempts.
	DirectoryClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_directory_claims_total",
			Help: "Total number of one-time prekey claim attempts against the directory",
		},
		[]string{"result"}, // claimed|none|error
	)
)

// ObserveRatchetOp records latency and outcome for a ratchet operation; call
// with defer and a named return error to classify the outcome.
func ObserveRatchetOp(operation string, start time.Time, err error) {
	RatchetOperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	RatchetOperationsTotal.WithLabelValues(operation, result).Inc()
}
