package keystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

// CacheStore keeps records in process memory. Nothing is persisted, so there
// is no sealing boundary to cross; material is deep-copied in and out instead.
// Intended for tests and short-lived tooling, not durable deployments.
type CacheStore struct {
	records map[string]keystore.Record
	logger  *logging.Logger
	mu      sync.RWMutex
}

// NewCacheStore creates the in-memory backend.
func NewCacheStore(logger *logging.Logger) *CacheStore {
	return &CacheStore{
		records: make(map[string]keystore.Record),
		logger:  logger,
	}
}

// Name returns the backend identifier.
func (c *CacheStore) Name() string {
	return keystore.BackendCache
}

// Put stores a new record, refusing to overwrite an existing one.
func (c *CacheStore) Put(ctx context.Context, rec keystore.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[rec.ID]; exists {
		return keystore.ConflictError{Backend: c.Name(), ID: rec.ID, Reason: "record already exists"}
	}
	c.records[rec.ID] = copyRecord(rec)

	c.logger.Debug("Cached key record %s (%s v%d, %s)", rec.ID, rec.Type, rec.Version, rec.Status)
	return nil
}

// Get returns a copy of one record.
func (c *CacheStore) Get(ctx context.Context, id string) (keystore.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, exists := c.records[id]
	if !exists {
		return keystore.Record{}, keystore.NotFoundError{Backend: c.Name(), ID: id}
	}
	return copyRecord(rec), nil
}

// List returns copies of every record matching the filter.
func (c *CacheStore) List(ctx context.Context, filter keystore.Filter) ([]keystore.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var records []keystore.Record
	for _, rec := range c.records {
		if filter.Match(rec) {
			records = append(records, copyRecord(rec))
		}
	}
	return records, nil
}

// Update replaces a record while its stored status still equals expect.
func (c *CacheStore) Update(ctx context.Context, rec keystore.Record, expect keys.Status) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.records[rec.ID]
	if !exists {
		return keystore.NotFoundError{Backend: c.Name(), ID: rec.ID}
	}
	if current.Status != expect {
		return keystore.ConflictError{
			Backend: c.Name(),
			ID:      rec.ID,
			Reason:  fmt.Sprintf("status is %s, expected %s", current.Status, expect),
		}
	}
	c.records[rec.ID] = copyRecord(rec)
	return nil
}

// copyRecord deep-copies so callers cannot alias stored state.
func copyRecord(rec keystore.Record) keystore.Record {
	out := rec
	if rec.Metadata != nil {
		out.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	if rec.Material != nil {
		out.Material = make([]byte, len(rec.Material))
		copy(out.Material, rec.Material)
	}
	if rec.RotatedAt != nil {
		t := *rec.RotatedAt
		out.RotatedAt = &t
	}
	if rec.RevokedAt != nil {
		t := *rec.RevokedAt
		out.RevokedAt = &t
	}
	return out
}
