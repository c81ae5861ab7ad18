// Package rotation re-encrypts stored payloads after key rotation.
//
// A Migrator walks registered targets in batches, re-seals every payload
// still referencing the rotated key under the current Active key, and
// checkpoints progress after each committed batch so an interrupted job
// resumes where it stopped. Batches are committed before the checkpoint is
// written: a crash between the two re-processes one batch, and re-processing
// is harmless because payloads already carrying the new key ID are skipped.
package rotation

import (
	"fmt"
	"sync"
	"time"

	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/rotation/health"
	"github.com/systmms/keyops/internal/rotation/storage"
	"github.com/systmms/keyops/pkg/engine"
	"github.com/systmms/keyops/pkg/keymanager"
	"github.com/systmms/keyops/pkg/keys"
)

// DefaultBatchSize is the number of records fetched and committed per batch
// when the caller does not choose one.
const DefaultBatchSize = 1000

// JobInFlightError rejects a second concurrent re-encryption job for a key
// type. One job per type keeps batch checkpoints linear.
type JobInFlightError struct {
	KeyType keys.Type
	JobID   string
}

func (e JobInFlightError) Error() string {
	return fmt.Sprintf("a re-encryption job for %s keys is already running (%s)", e.KeyType, e.JobID)
}

// JobID names the checkpoint for re-encrypting payloads away from a rotated
// key. The name is stable so an interrupted job and its resume share state.
func JobID(keyType keys.Type, oldKeyID string) string {
	return fmt.Sprintf("reencrypt-%s-%s", keyType, oldKeyID)
}

// Migrator coordinates scheduled rotation and batched re-encryption across
// registered targets. Safe for concurrent use; at most one job runs per key
// type at a time.
type Migrator struct {
	manager     *keymanager.Manager
	engine      *engine.Engine
	checkpoints storage.Store
	logger      *logging.Logger
	metrics     *health.RotationMetrics
	nowFn       func() time.Time

	mu       sync.Mutex
	targets  []Target
	inflight map[keys.Type]string
}

// Option adjusts Migrator construction.
type Option func(*Migrator)

// WithClock substitutes the time source. Tests use this to drive rotation
// schedules without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// WithMetrics publishes job counters and durations through the given
// recorder. Without it the migrator stays silent on the metrics registry.
func WithMetrics(metrics *health.RotationMetrics) Option {
	return func(m *Migrator) {
		m.metrics = metrics
	}
}

// New builds a Migrator over a key manager, an encryption engine sharing that
// manager, and a checkpoint store.
func New(manager *keymanager.Manager, eng *engine.Engine, checkpoints storage.Store, logger *logging.Logger, opts ...Option) *Migrator {
	m := &Migrator{
		manager:     manager,
		engine:      eng,
		checkpoints: checkpoints,
		logger:      logger,
		nowFn:       time.Now,
		inflight:    make(map[keys.Type]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterTarget adds a table (or other payload source) to every future job.
// Target names must be unique; they key per-target checkpoint progress.
func (m *Migrator) RegisterTarget(t Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.targets {
		if existing.Name() == t.Name() {
			return fmt.Errorf("target %q is already registered", t.Name())
		}
	}
	m.targets = append(m.targets, t)
	m.logger.Debug("Registered re-encryption target %s", t.Name())
	return nil
}

// TargetNames lists registered targets in registration order.
func (m *Migrator) TargetNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.targets))
	for i, t := range m.targets {
		names[i] = t.Name()
	}
	return names
}

// beginJob claims the single-flight slot for a key type.
func (m *Migrator) beginJob(keyType keys.Type, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if running, ok := m.inflight[keyType]; ok {
		return JobInFlightError{KeyType: keyType, JobID: running}
	}
	m.inflight[keyType] = jobID
	return nil
}

func (m *Migrator) endJob(keyType keys.Type) {
	m.mu.Lock()
	delete(m.inflight, keyType)
	m.mu.Unlock()
}

// snapshotTargets copies the target list so a job iterates a stable set even
// if targets are registered mid-run.
func (m *Migrator) snapshotTargets() []Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Target(nil), m.targets...)
}

func (m *Migrator) recordRotation(keyType keys.Type, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordRotation(string(keyType), outcome)
	}
}

func (m *Migrator) recordRecords(keyType keys.Type, target, outcome string, count int) {
	if m.metrics != nil {
		m.metrics.RecordRecords(string(keyType), target, outcome, count)
	}
}

func (m *Migrator) recordBatch(keyType keys.Type, target string) {
	if m.metrics != nil {
		m.metrics.RecordBatchCommitted(string(keyType), target)
	}
}

func (m *Migrator) observeJob(keyType keys.Type, seconds float64) {
	if m.metrics != nil {
		m.metrics.ObserveJobDuration(string(keyType), seconds)
	}
}
