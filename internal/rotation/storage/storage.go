// Package storage persists re-encryption job checkpoints so a crashed or
// cancelled migration resumes from its last committed batch instead of
// starting over.
package storage

import (
	"time"

	kferrors "github.com/systmms/keyops/internal/errors"
)

// Store persists migration checkpoints, one per job.
type Store interface {
	// Save writes a checkpoint, replacing any previous one for the job.
	Save(cp *Checkpoint) error

	// Load retrieves the checkpoint for a job. Returns ErrNotFound when the
	// job has never checkpointed.
	Load(jobID string) (*Checkpoint, error)

	// List returns all known checkpoints, newest first.
	List() ([]*Checkpoint, error)

	// Delete removes a job's checkpoint. Deleting a missing checkpoint is
	// not an error.
	Delete(jobID string) error
}

// TargetProgress tracks one target's position within a job.
type TargetProgress struct {
	// LastKey is the stable key of the last record in the most recently
	// committed batch. Resumption fetches strictly after it.
	LastKey string `json:"last_key,omitempty"`

	Processed int  `json:"processed"`
	Migrated  int  `json:"migrated"`
	Skipped   int  `json:"skipped"`
	Completed bool `json:"completed"`
}

// Checkpoint is the durable state of one re-encryption job. It is written
// after every committed batch.
type Checkpoint struct {
	JobID    string `json:"job_id"`
	KeyType  string `json:"key_type"`
	OldKeyID string `json:"old_key_id"`

	// Targets maps target name to its progress. Completed targets are
	// skipped entirely on resume.
	Targets map[string]*TargetProgress `json:"targets"`

	// Failures accumulates records that could not be migrated across all
	// targets. They do not block the job.
	Failures []kferrors.RecordFailure `json:"failures,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Completed bool      `json:"completed"`
}

// Progress returns the named target's progress, creating it on first use.
func (cp *Checkpoint) Progress(target string) *TargetProgress {
	if cp.Targets == nil {
		cp.Targets = make(map[string]*TargetProgress)
	}
	tp, ok := cp.Targets[target]
	if !ok {
		tp = &TargetProgress{}
		cp.Targets[target] = tp
	}
	return tp
}

// TotalProcessed sums processed counts across targets.
func (cp *Checkpoint) TotalProcessed() int {
	total := 0
	for _, tp := range cp.Targets {
		total += tp.Processed
	}
	return total
}
