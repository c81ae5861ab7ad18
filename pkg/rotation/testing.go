package rotation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryTarget is an in-memory Target for tests and examples. Records are
// ordered by lexicographic key, so tests using numeric keys should zero-pad
// them.
type MemoryTarget struct {
	name string

	mu   sync.Mutex
	rows map[string]map[string]string
}

// NewMemoryTarget builds an empty target with the given name.
func NewMemoryTarget(name string) *MemoryTarget {
	return &MemoryTarget{name: name, rows: make(map[string]map[string]string)}
}

// Name identifies the target.
func (t *MemoryTarget) Name() string {
	return t.name
}

// Put stores one column blob for a record, creating the record as needed.
func (t *MemoryTarget) Put(key, column, blob string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[key]
	if !ok {
		row = make(map[string]string)
		t.rows[key] = row
	}
	row[column] = blob
}

// Get returns one column blob and whether it exists.
func (t *MemoryTarget) Get(key, column string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[key]
	if !ok {
		return "", false
	}
	blob, ok := row[column]
	return blob, ok
}

// Len returns the number of records.
func (t *MemoryTarget) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// FetchBatch returns up to limit records with keys strictly after afterKey,
// in ascending key order.
func (t *MemoryTarget) FetchBatch(ctx context.Context, afterKey string, limit int) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recordKeys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		if afterKey == "" || k > afterKey {
			recordKeys = append(recordKeys, k)
		}
	}
	sort.Strings(recordKeys)
	if len(recordKeys) > limit {
		recordKeys = recordKeys[:limit]
	}

	records := make([]Record, 0, len(recordKeys))
	for _, k := range recordKeys {
		columns := make(map[string]string, len(t.rows[k]))
		for col, blob := range t.rows[k] {
			columns[col] = blob
		}
		records = append(records, Record{Key: k, Columns: columns})
	}
	return records, nil
}

// UpdateBatch writes the given columns back. Unknown records are an error;
// the migrator only updates records it fetched.
func (t *MemoryTarget) UpdateBatch(ctx context.Context, records []Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range records {
		row, ok := t.rows[rec.Key]
		if !ok {
			return fmt.Errorf("record %s does not exist in target %s", rec.Key, t.name)
		}
		for col, blob := range rec.Columns {
			row[col] = blob
		}
	}
	return nil
}
