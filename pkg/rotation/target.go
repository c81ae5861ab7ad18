package rotation

import (
	"context"
)

// Record is one row's encrypted columns, addressed by a stable key.
type Record struct {
	// Key is the row's stable pagination key (primary key rendered as a
	// string). Batches are ordered by it, and checkpoints store the last
	// key of the last committed batch.
	Key string

	// Columns maps encrypted column names to their envelope blobs.
	Columns map[string]string
}

// Target is one store of encrypted records a re-encryption job walks.
// Implementations must return batches in ascending key order so the job can
// resume from a checkpointed key after a crash.
type Target interface {
	// Name identifies the target in checkpoints, reports, and metrics.
	Name() string

	// FetchBatch returns up to limit records whose key sorts strictly after
	// afterKey. An empty afterKey starts from the beginning. An empty result
	// means the target is exhausted.
	FetchBatch(ctx context.Context, afterKey string, limit int) ([]Record, error)

	// UpdateBatch persists re-encrypted column values. Implementations
	// should apply the whole batch atomically; the migrator checkpoints
	// only after UpdateBatch returns.
	UpdateBatch(ctx context.Context, records []Record) error
}
