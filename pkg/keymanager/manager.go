// Package keymanager owns the key lifecycle: generation, rotation,
// revocation, expiry housekeeping, and the in-memory registry the encryption
// engine reads on every operation.
//
// The registry is read-mostly. Reads (ActiveKey, KeyByID, DecryptCandidates,
// List, Statistics) take a shared lock and never touch the backing store.
// Mutations (Generate, Rotate, Revoke, CleanupExpired, ArchiveRotated) are
// serialized by a write lock held across the store round-trip, and every
// status change goes through the store's compare-and-swap Update so that two
// processes sharing a backend cannot both win a transition. A new Active key
// is installed with an exclusive Put after the prior Active key has been
// demoted; a short zero-Active window is possible, two Active keys are not.
//
// Key material lives in memguard enclaves owned by the manager. Handles
// returned from lookups share those enclaves and stay valid until Close.
package keymanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

// Handle pairs a key's lifecycle metadata with its material enclave. The
// enclave is owned by the manager; callers open short windows over it with
// WithBytes and must never destroy it themselves.
type Handle struct {
	Key      keys.Key
	Material *secure.SecureBuffer
}

// entry is the registry's mutable view of one key.
type entry struct {
	key      keys.Key
	material *secure.SecureBuffer
}

// Manager coordinates key lifecycle operations over a keystore backend.
type Manager struct {
	store    keystore.Store
	policies keys.PolicySet
	logger   *logging.Logger
	retry    keystore.RetryConfig
	nowFn    func() time.Time

	// writeMu serializes lifecycle mutations end to end, including the store
	// round-trip. mu guards only the maps, so readers never wait on I/O.
	writeMu sync.Mutex
	mu      sync.RWMutex
	byID    map[string]*entry
	byType  map[keys.Type][]*entry // version-descending
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects a time source. Tests use this to drive expiry and grace
// windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFn = now
	}
}

// WithRetryConfig overrides the backoff applied to store operations.
func WithRetryConfig(cfg keystore.RetryConfig) Option {
	return func(m *Manager) {
		m.retry = cfg
	}
}

// New builds a Manager and hydrates its registry from the store.
func New(ctx context.Context, store keystore.Store, policies keys.PolicySet, logger *logging.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:    store,
		policies: policies,
		logger:   logger,
		retry:    keystore.DefaultRetryConfig(),
		nowFn:    time.Now,
		byID:     make(map[string]*entry),
		byType:   make(map[keys.Type][]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policies == nil {
		m.policies = keys.DefaultPolicies()
	}

	var records []keystore.Record
	err := keystore.WithRetry(ctx, m.retry, m.logger, "load key registry", func() error {
		var lerr error
		records, lerr = store.List(ctx, keystore.Filter{})
		return lerr
	})
	if err != nil {
		return nil, fmt.Errorf("load key registry from %s: %w", store.Name(), err)
	}

	for i := range records {
		rec := &records[i]
		buf, berr := secure.NewSecureBuffer(rec.Material)
		if berr != nil {
			return nil, fmt.Errorf("protect material for key %s: %w", rec.ID, berr)
		}
		wipe(rec.Material)
		e := &entry{key: rec.Key(), material: buf}
		m.byID[e.key.ID] = e
		m.byType[e.key.Type] = append(m.byType[e.key.Type], e)
	}
	for t := range m.byType {
		sortEntries(m.byType[t])
	}

	m.logger.Debug("Loaded %d keys from %s key store", len(records), store.Name())
	return m, nil
}

// ActiveKey returns the single Active key for the type, or KeyNotFoundError
// when the type currently has none.
func (m *Manager) ActiveKey(keyType keys.Type) (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e := activeOf(m.byType[keyType]); e != nil {
		return Handle{Key: e.key.Clone(), Material: e.material}, nil
	}
	return Handle{}, kferrors.KeyNotFoundError{KeyType: string(keyType)}
}

// KeyByID returns the key with the given ID regardless of status. Callers
// that require a usable key check the status themselves.
func (m *Manager) KeyByID(keyID string) (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.byID[keyID]; ok {
		return Handle{Key: e.key.Clone(), Material: e.material}, nil
	}
	return Handle{}, kferrors.KeyNotFoundError{KeyID: keyID}
}

// DecryptCandidates returns the keys eligible to decrypt payloads of the
// type: the Active key first, then Rotating keys newest-first. Expired,
// Compromised, and Archived keys are never candidates.
func (m *Manager) DecryptCandidates(keyType keys.Type) []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.byType[keyType]
	out := make([]Handle, 0, len(entries))
	if e := activeOf(entries); e != nil {
		out = append(out, Handle{Key: e.key.Clone(), Material: e.material})
	}
	for _, e := range entries {
		if e.key.Status == keys.StatusRotating {
			out = append(out, Handle{Key: e.key.Clone(), Material: e.material})
		}
	}
	return out
}

// List returns registry metadata matching the filter, ordered by type then
// newest version first. Material is never included.
func (m *Manager) List(filter keystore.Filter) []keys.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []keys.Key{}
	for _, t := range keys.AllTypes() {
		if filter.Type != "" && t != filter.Type {
			continue
		}
		for _, e := range m.byType[t] {
			if filter.Status != "" && e.key.Status != filter.Status {
				continue
			}
			out = append(out, e.key.Clone())
		}
	}
	return out
}

// Policy returns the rotation policy governing a key type.
func (m *Manager) Policy(keyType keys.Type) keys.RotationPolicy {
	return m.policies.For(keyType)
}

// Close destroys every material enclave and empties the registry. Handles
// obtained earlier stop yielding plaintext.
func (m *Manager) Close() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.byID {
		e.material.Destroy()
	}
	m.byID = make(map[string]*entry)
	m.byType = make(map[keys.Type][]*entry)
}

// activeOf finds the Active entry in a version-descending slice.
func activeOf(entries []*entry) *entry {
	for _, e := range entries {
		if e.key.Status == keys.StatusActive {
			return e
		}
	}
	return nil
}

func sortEntries(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key.Version > entries[j].key.Version
	})
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
