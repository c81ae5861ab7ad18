package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/keyops/pkg/keymanager"
)

// JobStatus is one re-encryption job's standing, read from its checkpoint.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	KeyType   string    `json:"key_type"`
	OldKeyID  string    `json:"old_key_id"`
	Processed int       `json:"processed"`
	Failures  int       `json:"failures"`
	Running   bool      `json:"running"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusReport is the operator's view: key registry counts, known
// re-encryption jobs, and what to do next.
type StatusReport struct {
	GeneratedAt     time.Time             `json:"generated_at"`
	Keys            keymanager.Statistics `json:"keys"`
	Jobs            []JobStatus           `json:"jobs,omitempty"`
	Recommendations []string              `json:"recommendations,omitempty"`
}

// StatusReport collects registry statistics and checkpointed job state, and
// publishes key counts to the metrics gauges when metrics are wired.
func (m *Migrator) StatusReport(ctx context.Context) (*StatusReport, error) {
	stats := m.manager.Statistics()

	if m.metrics != nil {
		for keyType, byStatus := range stats.ByType {
			for status, count := range byStatus {
				m.metrics.SetKeyCount(string(keyType), string(status), count)
			}
		}
	}

	report := &StatusReport{GeneratedAt: stats.GeneratedAt, Keys: stats}

	checkpoints, err := m.checkpoints.List()
	if err != nil {
		return nil, fmt.Errorf("list job checkpoints: %w", err)
	}

	m.mu.Lock()
	running := make(map[string]bool, len(m.inflight))
	for _, jobID := range m.inflight {
		running[jobID] = true
	}
	m.mu.Unlock()

	for _, cp := range checkpoints {
		report.Jobs = append(report.Jobs, JobStatus{
			JobID:     cp.JobID,
			KeyType:   cp.KeyType,
			OldKeyID:  cp.OldKeyID,
			Processed: cp.TotalProcessed(),
			Failures:  len(cp.Failures),
			Running:   running[cp.JobID],
			Completed: cp.Completed,
			UpdatedAt: cp.UpdatedAt,
		})
	}

	report.Recommendations = recommendations(stats, report.Jobs)
	return report, nil
}

// recommendations turns statistics into concrete operator actions.
func recommendations(stats keymanager.Statistics, jobs []JobStatus) []string {
	var recs []string

	for _, need := range stats.RotationNeeded {
		recs = append(recs, fmt.Sprintf("%s key %s (version %d) %s; run 'keyops rotate --type %s'",
			need.Type, need.KeyID, need.Version, describeRemaining(need.Remaining), need.Type))
	}

	for _, job := range jobs {
		switch {
		case !job.Completed && !job.Running:
			recs = append(recs, fmt.Sprintf("job %s stopped after %d records; run 'keyops reencrypt --type %s --old-key %s' to resume",
				job.JobID, job.Processed, job.KeyType, job.OldKeyID))
		case job.Completed && job.Failures > 0:
			recs = append(recs, fmt.Sprintf("job %s finished but %d columns failed to migrate; inspect the checkpoint and re-run after repairing them",
				job.JobID, job.Failures))
		}
	}

	return recs
}

func describeRemaining(d time.Duration) string {
	if d <= 0 {
		return "is already past expiry"
	}
	if days := int(d.Hours() / 24); days > 0 {
		return fmt.Sprintf("expires in %dd", days)
	}
	return fmt.Sprintf("expires in %s", d.Round(time.Minute))
}
