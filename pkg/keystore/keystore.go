// Package keystore defines the storage contract for encryption key records.
//
// A Store persists key metadata together with the key material itself. The
// material crosses this boundary in plaintext; every implementation seals it
// under the process master key before anything touches disk or a network, and
// unseals it on the way back out. Callers never see sealed bytes.
//
// # Backends
//
// Six backends implement the contract:
//   - "file": JSON records under a local directory
//   - "cache": process-local memory, for tests and ephemeral tooling
//   - "secret-manager": AWS Secrets Manager, one secret per key
//   - "aws-kms": local records with material wrapped by AWS KMS
//   - "azure-kv": Azure Key Vault secrets
//   - "gcp-kms": local records with material wrapped by Cloud KMS
//
// Backends are constructed through keystore.Open in internal/keystore; there
// is no runtime registry. Adding a backend means adding a case to Open.
//
// # Error Handling
//
// Implementations return the typed errors in this package:
//   - NotFoundError when a key ID does not exist
//   - ConflictError when Put hits an existing ID or Update loses a race
//   - UnavailableError when the backing service cannot be reached;
//     this one reports itself retryable, and WithRetry honors that
//
// # Concurrency
//
// Store implementations must be safe for concurrent use. Update is a
// compare-and-swap on the record's status so that concurrent lifecycle
// transitions cannot both win.
package keystore

import (
	"context"
	"fmt"
	"time"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/pkg/keys"
)

// Backend identifiers accepted by configuration and by Open.
const (
	BackendFile          = "file"
	BackendCache         = "cache"
	BackendSecretManager = "secret-manager"
	BackendAWSKMS        = "aws-kms"
	BackendAzureKV       = "azure-kv"
	BackendGCPKMS        = "gcp-kms"
)

// AllBackends returns every backend identifier Open understands.
func AllBackends() []string {
	return []string{
		BackendFile,
		BackendCache,
		BackendSecretManager,
		BackendAWSKMS,
		BackendAzureKV,
		BackendGCPKMS,
	}
}

// ValidBackend reports whether name identifies a known backend.
func ValidBackend(name string) bool {
	for _, b := range AllBackends() {
		if b == name {
			return true
		}
	}
	return false
}

// Record is the stored form of an encryption key: the full lifecycle
// metadata plus the raw key material.
//
// Material is plaintext at this boundary. Implementations seal it before
// persisting and unseal it when reading; callers should wipe their copy as
// soon as it has been moved into protected memory.
type Record struct {
	ID           string            `json:"key_id"`
	Type         keys.Type         `json:"key_type"`
	Version      int               `json:"version"`
	Algorithm    string            `json:"algorithm"`
	SizeBits     int               `json:"size_bits"`
	Status       keys.Status       `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	RotatedAt    *time.Time        `json:"rotated_at,omitempty"`
	RevokedAt    *time.Time        `json:"revoked_at,omitempty"`
	RevokeReason string            `json:"revoke_reason,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Material     []byte            `json:"-"`
}

// RecordFromKey pairs lifecycle metadata with key material for storage.
func RecordFromKey(k keys.Key, material []byte) Record {
	c := k.Clone()
	return Record{
		ID:           c.ID,
		Type:         c.Type,
		Version:      c.Version,
		Algorithm:    c.Algorithm,
		SizeBits:     c.SizeBits,
		Status:       c.Status,
		CreatedAt:    c.CreatedAt,
		ExpiresAt:    c.ExpiresAt,
		RotatedAt:    c.RotatedAt,
		RevokedAt:    c.RevokedAt,
		RevokeReason: c.RevokeReason,
		Metadata:     c.Metadata,
		Material:     material,
	}
}

// Key extracts the lifecycle metadata, leaving the material behind.
func (r Record) Key() keys.Key {
	k := keys.Key{
		ID:           r.ID,
		Type:         r.Type,
		Version:      r.Version,
		Algorithm:    r.Algorithm,
		SizeBits:     r.SizeBits,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		RotatedAt:    r.RotatedAt,
		RevokedAt:    r.RevokedAt,
		RevokeReason: r.RevokeReason,
		Metadata:     r.Metadata,
	}
	return k.Clone()
}

// Filter narrows List results. Zero-valued fields match everything.
type Filter struct {
	// Type restricts results to keys protecting one data type.
	Type keys.Type

	// Status restricts results to one lifecycle status.
	Status keys.Status
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec Record) bool {
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// Store persists key records. Implementations must be safe for concurrent
// use and must seal Material under the master key before it leaves memory.
type Store interface {
	// Name returns the backend identifier, e.g. "file" or "aws-kms".
	Name() string

	// Put stores a new record. The ID must not already exist; storing over
	// an existing record returns ConflictError.
	Put(ctx context.Context, rec Record) error

	// Get returns the record for id, with Material unsealed.
	// Returns NotFoundError if no such record exists.
	Get(ctx context.Context, id string) (Record, error)

	// List returns all records matching the filter, with Material unsealed.
	// Order is unspecified; callers sort.
	List(ctx context.Context, filter Filter) ([]Record, error)

	// Update replaces the record for rec.ID, but only while the stored
	// record's status equals expect. A status mismatch returns
	// ConflictError and leaves the stored record untouched. This is the
	// compare-and-swap that keeps lifecycle transitions race-free.
	Update(ctx context.Context, rec Record, expect keys.Status) error
}

// NotFoundError indicates the requested key record does not exist.
type NotFoundError struct {
	// Backend is the store that was asked.
	Backend string

	// ID is the key identifier that could not be found.
	ID string
}

// Error implements the error interface.
func (e NotFoundError) Error() string {
	return "key record not found: " + e.ID + " in " + e.Backend
}

// ConflictError indicates a write lost a race: Put over an existing ID, or
// Update against a record whose status changed underneath it.
type ConflictError struct {
	Backend string
	ID      string

	// Reason says what the write collided with.
	Reason string
}

// Error implements the error interface.
func (e ConflictError) Error() string {
	return "conflicting write for key record " + e.ID + " in " + e.Backend + ": " + e.Reason
}

// UnavailableError indicates the backing service could not be reached. The
// operation may succeed on retry; WithRetry treats it accordingly.
type UnavailableError struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e UnavailableError) Error() string {
	return "key store backend " + e.Backend + " unavailable: " + e.Err.Error()
}

// Unwrap returns the underlying transport or SDK error.
func (e UnavailableError) Unwrap() error {
	return e.Err
}

// Retryable marks the error as transient.
func (e UnavailableError) Retryable() bool {
	return true
}

// RetryConfig bounds WithRetry.
type RetryConfig struct {
	// MaxAttempts is the total number of tries (default: 3).
	MaxAttempts int

	// InitialWait is the wait before the second attempt; later waits double.
	InitialWait time.Duration
}

// DefaultRetryConfig returns the retry bounds used when callers pass the
// zero value.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
	}
}

// WithRetry runs fn, retrying transient failures with exponential backoff.
// Non-retryable errors return immediately. The context cancels waiting
// between attempts.
func WithRetry(ctx context.Context, cfg RetryConfig, logger *logging.Logger, op string, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = DefaultRetryConfig().InitialWait
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !kferrors.IsRetryable(err) {
			return err
		}
		lastErr = err

		// Don't sleep after the last attempt
		if attempt < cfg.MaxAttempts {
			// 2^(attempt-1) * initial
			wait := cfg.InitialWait * time.Duration(1<<(attempt-1))
			if logger != nil {
				logger.Debug("%s failed (attempt %d/%d), retrying in %s: %v", op, attempt, cfg.MaxAttempts, wait, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}
