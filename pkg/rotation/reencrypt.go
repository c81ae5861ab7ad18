package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/rotation/storage"
	"github.com/systmms/keyops/pkg/envelope"
	"github.com/systmms/keyops/pkg/keys"
)

// Report summarizes one re-encryption job, including work done by earlier
// interrupted runs of the same job.
type Report struct {
	JobID    string    `json:"job_id"`
	KeyType  keys.Type `json:"key_type"`
	OldKeyID string    `json:"old_key_id"`
	NewKeyID string    `json:"new_key_id"`

	// Processed counts every record examined. Migrated records had at least
	// one column re-sealed; Skipped records already carried another key ID in
	// every encrypted column.
	Processed int `json:"processed"`
	Migrated  int `json:"migrated"`
	Skipped   int `json:"skipped"`

	// Failures lists columns that could not be migrated, one entry per
	// column. The job keeps going past them.
	Failures []kferrors.RecordFailure `json:"failures,omitempty"`

	// Resumed is true when the job continued from an earlier checkpoint.
	Resumed bool `json:"resumed"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Completed  bool      `json:"completed"`
}

// ScheduledRotation is one key type's outcome from a RotateScheduled sweep.
type ScheduledRotation struct {
	KeyType  keys.Type `json:"key_type"`
	Rotated  bool      `json:"rotated"`
	OldKeyID string    `json:"old_key_id,omitempty"`
	NewKeyID string    `json:"new_key_id,omitempty"`
	Error    string    `json:"error,omitempty"`

	// Migration reports the re-encryption run for the demoted key, when
	// rotation succeeded.
	Migration *Report `json:"migration,omitempty"`
}

// CleanupResult counts lifecycle housekeeping transitions.
type CleanupResult struct {
	Expired  int `json:"expired"`
	Archived int `json:"archived"`
}

// RotateScheduled rotates every auto-rotation key type whose Active key has
// entered its grace window, then re-encrypts stored payloads away from the
// demoted key. One type failing does not stop the sweep; each entry carries
// its own error. The returned error is non-nil only when the sweep itself
// was cancelled.
func (m *Migrator) RotateScheduled(ctx context.Context) ([]ScheduledRotation, error) {
	stats := m.manager.Statistics()

	var results []ScheduledRotation
	for _, need := range stats.RotationNeeded {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		policy := m.manager.Policy(need.Type)
		if !policy.AutoRotation {
			m.logger.Debug("Rotation due for %s keys but auto_rotation is off, skipping", need.Type)
			continue
		}

		res := ScheduledRotation{KeyType: need.Type, OldKeyID: need.KeyID}
		handle, err := m.manager.Rotate(ctx, need.Type, false)
		if err != nil {
			res.Error = err.Error()
			m.recordRotation(need.Type, "failed")
			m.logger.Warn("Scheduled rotation of %s keys failed: %v", need.Type, err)
			results = append(results, res)
			continue
		}
		res.Rotated = true
		res.NewKeyID = handle.Key.ID
		m.recordRotation(need.Type, "rotated")

		report, err := m.Reencrypt(ctx, need.Type, need.KeyID, policy.BatchSize)
		res.Migration = report
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	if len(results) == 0 {
		m.logger.Debug("No key types due for scheduled rotation")
	}
	return results, nil
}

// Reencrypt re-seals every stored payload still encrypted under oldKeyID with
// the current Active key of keyType, across all registered targets. Progress
// is checkpointed after each committed batch; rerunning the same job resumes
// from the checkpoint. Records already carrying another key ID are skipped,
// so re-processing a batch after a crash changes nothing. Per-record failures
// are collected, not fatal; a finished job with failures returns the report
// alongside errors.MigrationPartialError.
func (m *Migrator) Reencrypt(ctx context.Context, keyType keys.Type, oldKeyID string, batchSize int) (*Report, error) {
	if !keyType.Valid() {
		return nil, fmt.Errorf("unknown key type %q", keyType)
	}
	if oldKeyID == "" {
		return nil, fmt.Errorf("re-encryption needs the rotated key's ID")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	jobID := JobID(keyType, oldKeyID)
	if err := m.beginJob(keyType, jobID); err != nil {
		return nil, err
	}
	defer m.endJob(keyType)

	old, err := m.manager.KeyByID(oldKeyID)
	if err != nil {
		return nil, fmt.Errorf("look up rotated key: %w", err)
	}
	if old.Key.Type != keyType {
		return nil, fmt.Errorf("key %s protects %s payloads, not %s", oldKeyID, old.Key.Type, keyType)
	}
	active, err := m.manager.ActiveKey(keyType)
	if err != nil {
		return nil, fmt.Errorf("no active %s key to re-encrypt under: %w", keyType, err)
	}

	cp, resumed, err := m.loadOrStartCheckpoint(jobID, keyType, oldKeyID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		JobID:     jobID,
		KeyType:   keyType,
		OldKeyID:  oldKeyID,
		NewKeyID:  active.Key.ID,
		Resumed:   resumed,
		StartedAt: cp.StartedAt,
	}
	if resumed {
		m.logger.Info("Resuming re-encryption job %s (%d records done so far)", jobID, cp.TotalProcessed())
	} else {
		m.logger.Info("Starting re-encryption job %s: %s payloads from key %s to %s",
			jobID, keyType, oldKeyID, active.Key.ID)
	}

	started := m.nowFn()
	targets := m.snapshotTargets()
	if len(targets) == 0 {
		m.logger.Warn("Re-encryption job %s has no registered targets", jobID)
	}

	for _, target := range targets {
		tp := cp.Progress(target.Name())
		if tp.Completed {
			continue
		}
		if err := m.reencryptTarget(ctx, target, cp, tp, oldKeyID, batchSize); err != nil {
			m.summarize(cp, report)
			m.observeJob(keyType, m.nowFn().Sub(started).Seconds())
			return report, err
		}
	}

	cp.Completed = true
	cp.UpdatedAt = m.nowFn().UTC()
	if err := m.checkpoints.Save(cp); err != nil {
		m.summarize(cp, report)
		return report, fmt.Errorf("save final checkpoint for job %s: %w", jobID, err)
	}

	m.summarize(cp, report)
	report.FinishedAt = m.nowFn().UTC()
	report.Completed = true
	m.observeJob(keyType, m.nowFn().Sub(started).Seconds())

	if len(report.Failures) > 0 {
		m.logger.Warn("Re-encryption job %s finished with %d failed columns (%d records processed)",
			jobID, len(report.Failures), report.Processed)
		return report, kferrors.MigrationPartialError{
			JobID:     jobID,
			Processed: report.Processed,
			Failures:  report.Failures,
		}
	}

	m.logger.Info("Re-encryption job %s finished: %d records processed, %d migrated, %d skipped",
		jobID, report.Processed, report.Migrated, report.Skipped)
	return report, nil
}

// loadOrStartCheckpoint resumes an unfinished job's checkpoint or starts a
// fresh one. A completed checkpoint is discarded: re-requesting a finished
// job means the operator wants a full pass (after fixing failed records, for
// example).
func (m *Migrator) loadOrStartCheckpoint(jobID string, keyType keys.Type, oldKeyID string) (*storage.Checkpoint, bool, error) {
	cp, err := m.checkpoints.Load(jobID)
	switch {
	case err == nil && !cp.Completed:
		return cp, true, nil
	case err == nil:
		m.logger.Debug("Job %s already completed once, starting a fresh pass", jobID)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("load checkpoint for job %s: %w", jobID, err)
	}

	return &storage.Checkpoint{
		JobID:     jobID,
		KeyType:   string(keyType),
		OldKeyID:  oldKeyID,
		StartedAt: m.nowFn().UTC(),
	}, false, nil
}

// reencryptTarget drains one target batch by batch. Each batch is committed
// via UpdateBatch before the checkpoint records it, so a crash between the
// two re-processes an already-committed batch, where every record is skipped
// by its new key ID.
func (m *Migrator) reencryptTarget(ctx context.Context, target Target, cp *storage.Checkpoint, tp *storage.TargetProgress, oldKeyID string, batchSize int) error {
	name := target.Name()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Re-encryption job %s interrupted at target %s after %d records; checkpoint kept",
				cp.JobID, name, tp.Processed)
			return ctx.Err()
		default:
		}

		records, err := target.FetchBatch(ctx, tp.LastKey, batchSize)
		if err != nil {
			return fmt.Errorf("fetch batch from target %s: %w", name, err)
		}
		if len(records) == 0 {
			tp.Completed = true
			cp.UpdatedAt = m.nowFn().UTC()
			if err := m.checkpoints.Save(cp); err != nil {
				return fmt.Errorf("save checkpoint for job %s: %w", cp.JobID, err)
			}
			m.logger.Debug("Target %s drained: %d records (%d migrated, %d skipped)",
				name, tp.Processed, tp.Migrated, tp.Skipped)
			return nil
		}

		var updates []Record
		var batchFailures []kferrors.RecordFailure
		migrated, skipped := 0, 0

		for _, rec := range records {
			changed, failures := m.reencryptRecord(ctx, name, rec, oldKeyID)
			switch {
			case len(failures) > 0:
				batchFailures = append(batchFailures, failures...)
			case len(changed) > 0:
				migrated++
			default:
				skipped++
			}
			if len(changed) > 0 {
				updates = append(updates, Record{Key: rec.Key, Columns: changed})
			}
		}

		if len(updates) > 0 {
			if err := target.UpdateBatch(ctx, updates); err != nil {
				return fmt.Errorf("commit batch to target %s: %w", name, err)
			}
		}

		tp.LastKey = records[len(records)-1].Key
		tp.Processed += len(records)
		tp.Migrated += migrated
		tp.Skipped += skipped
		cp.Failures = append(cp.Failures, batchFailures...)
		cp.UpdatedAt = m.nowFn().UTC()
		if err := m.checkpoints.Save(cp); err != nil {
			return fmt.Errorf("save checkpoint for job %s: %w", cp.JobID, err)
		}

		m.recordRecords(keys.Type(cp.KeyType), name, "migrated", migrated)
		m.recordRecords(keys.Type(cp.KeyType), name, "skipped", skipped)
		m.recordRecords(keys.Type(cp.KeyType), name, "failed", len(batchFailures))
		m.recordBatch(keys.Type(cp.KeyType), name)
	}
}

// reencryptRecord re-seals the record's columns that are still under
// oldKeyID. It returns the changed columns and per-column failures; columns
// under other keys pass through untouched.
func (m *Migrator) reencryptRecord(ctx context.Context, targetName string, rec Record, oldKeyID string) (map[string]string, []kferrors.RecordFailure) {
	cols := make([]string, 0, len(rec.Columns))
	for col := range rec.Columns {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	changed := make(map[string]string)
	var failures []kferrors.RecordFailure

	for _, col := range cols {
		blob := rec.Columns[col]
		if blob == "" {
			continue
		}

		env, err := envelope.ParseString(blob)
		if err != nil {
			failures = append(failures, kferrors.RecordFailure{
				Target:    targetName,
				RecordKey: rec.Key,
				Column:    col,
				Reason:    fmt.Sprintf("not an encrypted payload: %v", err),
			})
			continue
		}
		if env.KeyID != oldKeyID {
			continue
		}

		fresh, err := m.engine.ReencryptBlob(ctx, blob, oldKeyID)
		if err != nil {
			failures = append(failures, kferrors.RecordFailure{
				Target:    targetName,
				RecordKey: rec.Key,
				Column:    col,
				Reason:    err.Error(),
			})
			continue
		}
		changed[col] = fresh
	}

	return changed, failures
}

// summarize fills the report's counters from checkpoint state, covering work
// from earlier runs of a resumed job.
func (m *Migrator) summarize(cp *storage.Checkpoint, report *Report) {
	report.Processed, report.Migrated, report.Skipped = 0, 0, 0
	for _, tp := range cp.Targets {
		report.Processed += tp.Processed
		report.Migrated += tp.Migrated
		report.Skipped += tp.Skipped
	}
	report.Failures = append([]kferrors.RecordFailure(nil), cp.Failures...)
}

// Cleanup expires Active and Rotating keys past their hard expiry and
// archives Rotating keys whose grace period has fully elapsed.
func (m *Migrator) Cleanup(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	expired, err := m.manager.CleanupExpired(ctx)
	result.Expired = expired
	if m.metrics != nil {
		m.metrics.RecordCleanup("expired", expired)
	}
	if err != nil {
		return result, fmt.Errorf("expire overdue keys: %w", err)
	}

	archived, err := m.manager.ArchiveRotated(ctx)
	result.Archived = archived
	if m.metrics != nil {
		m.metrics.RecordCleanup("archived", archived)
	}
	if err != nil {
		return result, fmt.Errorf("archive rotated keys: %w", err)
	}

	if expired > 0 || archived > 0 {
		m.logger.Info("Key cleanup: %d expired, %d archived", expired, archived)
	}
	return result, nil
}
