// Package health exposes Prometheus metrics for key rotation and
// re-encryption jobs.
package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rotation metrics
	rotationTotal     *prometheus.CounterVec
	reencryptRecords  *prometheus.CounterVec
	reencryptBatches  *prometheus.CounterVec
	reencryptDuration *prometheus.HistogramVec
	cleanupTotal      *prometheus.CounterVec

	// Registry state
	keysByStatus *prometheus.GaugeVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// RotationMetrics provides methods to record rotation metrics.
type RotationMetrics struct{}

// NewRotationMetrics creates a new RotationMetrics instance.
// Metrics are lazily registered on first use.
func NewRotationMetrics() *RotationMetrics {
	return &RotationMetrics{}
}

// InitMetrics initializes all Prometheus metrics.
// This should be called once at startup if Prometheus metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyops_rotation_total",
				Help: "Total number of key rotations by outcome",
			},
			[]string{"key_type", "outcome"},
		)

		reencryptRecords = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyops_reencrypt_records_total",
				Help: "Total number of records processed by re-encryption jobs",
			},
			[]string{"key_type", "target", "outcome"},
		)

		reencryptBatches = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyops_reencrypt_batches_total",
				Help: "Total number of committed re-encryption batches",
			},
			[]string{"key_type", "target"},
		)

		reencryptDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyops_reencrypt_duration_seconds",
				Help:    "Duration of re-encryption jobs in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"key_type"},
		)

		cleanupTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyops_cleanup_keys_total",
				Help: "Total number of keys transitioned by housekeeping",
			},
			[]string{"action"},
		)

		keysByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keyops_keys_by_status",
				Help: "Current number of keys by type and status",
			},
			[]string{"key_type", "status"},
		)

		metricsRegistered = true
	})
}

// RecordRotation records a rotation attempt and its outcome
// (rotated, skipped, failed).
func (m *RotationMetrics) RecordRotation(keyType, outcome string) {
	if !metricsRegistered || rotationTotal == nil {
		return
	}
	rotationTotal.WithLabelValues(keyType, outcome).Inc()
}

// RecordRecords counts records a re-encryption job processed
// (outcome: migrated, skipped, failed).
func (m *RotationMetrics) RecordRecords(keyType, target, outcome string, count int) {
	if !metricsRegistered || reencryptRecords == nil || count <= 0 {
		return
	}
	reencryptRecords.WithLabelValues(keyType, target, outcome).Add(float64(count))
}

// RecordBatchCommitted records one committed batch.
func (m *RotationMetrics) RecordBatchCommitted(keyType, target string) {
	if !metricsRegistered || reencryptBatches == nil {
		return
	}
	reencryptBatches.WithLabelValues(keyType, target).Inc()
}

// ObserveJobDuration records a completed job's wall time.
func (m *RotationMetrics) ObserveJobDuration(keyType string, durationSeconds float64) {
	if !metricsRegistered || reencryptDuration == nil {
		return
	}
	reencryptDuration.WithLabelValues(keyType).Observe(durationSeconds)
}

// RecordCleanup counts keys transitioned by housekeeping
// (action: expired, archived).
func (m *RotationMetrics) RecordCleanup(action string, count int) {
	if !metricsRegistered || cleanupTotal == nil || count <= 0 {
		return
	}
	cleanupTotal.WithLabelValues(action).Add(float64(count))
}

// SetKeyCount publishes the current registry count for a type/status pair.
func (m *RotationMetrics) SetKeyCount(keyType, status string, count int) {
	if !metricsRegistered || keysByStatus == nil {
		return
	}
	keysByStatus.WithLabelValues(keyType, status).Set(float64(count))
}

// GetRotationTotal returns the rotation counter for testing.
func GetRotationTotal() *prometheus.CounterVec {
	return rotationTotal
}

// GetReencryptRecords returns the record counter for testing.
func GetReencryptRecords() *prometheus.CounterVec {
	return reencryptRecords
}

// GetKeysByStatus returns the registry gauge for testing.
func GetKeysByStatus() *prometheus.GaugeVec {
	return keysByStatus
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}
