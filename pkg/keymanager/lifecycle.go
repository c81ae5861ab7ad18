package keymanager

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

// Generate creates a fresh Active key for the type. The version is one past
// the highest existing version; expiry follows the policy's max key age. Any
// prior Active key is demoted to Rotating through the store's status CAS
// before the new key's exclusive insert, so concurrent generations across
// processes cannot both install an Active key.
func (m *Manager) Generate(ctx context.Context, keyType keys.Type) (Handle, error) {
	if !keyType.Valid() {
		return Handle{}, fmt.Errorf("unknown key type %q", keyType)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.generateLocked(ctx, keyType)
}

// Rotate demotes the current Active key and generates its successor. Without
// force the policy gate applies: rotation is refused while the Active key's
// remaining lifetime exceeds the grace period.
func (m *Manager) Rotate(ctx context.Context, keyType keys.Type, force bool) (Handle, error) {
	if !keyType.Valid() {
		return Handle{}, fmt.Errorf("unknown key type %q", keyType)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	prior := activeOf(m.byType[keyType])
	var current keys.Key
	if prior != nil {
		current = prior.key.Clone()
	}
	m.mu.RUnlock()

	if prior == nil {
		return Handle{}, kferrors.KeyNotFoundError{KeyType: string(keyType)}
	}

	policy := m.policies.For(keyType)
	if !force {
		remaining := current.ExpiresAt.Sub(m.nowFn().UTC())
		if remaining > policy.GracePeriod() {
			return Handle{}, kferrors.RotationPolicyError{
				KeyType:   string(keyType),
				Remaining: remaining,
				Grace:     policy.GracePeriod(),
			}
		}
	}

	handle, err := m.generateLocked(ctx, keyType)
	if err != nil {
		return Handle{}, err
	}
	m.logger.Info("Rotated %s keys: %s (version %d) superseded by %s (version %d)",
		keyType, current.ID, current.Version, handle.Key.ID, handle.Key.Version)
	return handle, nil
}

// generateLocked does the demote-then-insert dance. Callers hold writeMu.
func (m *Manager) generateLocked(ctx context.Context, keyType keys.Type) (Handle, error) {
	now := m.nowFn().UTC()
	policy := m.policies.For(keyType)

	m.mu.RLock()
	version := 1
	for _, e := range m.byType[keyType] {
		if e.key.Version >= version {
			version = e.key.Version + 1
		}
	}
	prior := activeOf(m.byType[keyType])
	m.mu.RUnlock()

	newKey := keys.Key{
		ID:        keys.NewID(),
		Type:      keyType,
		Version:   version,
		Algorithm: keys.Algorithm,
		SizeBits:  keys.KeySizeBits,
		Status:    keys.StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(policy.MaxKeyAge()),
	}

	material := make([]byte, keys.KeySizeBytes)
	if _, err := rand.Read(material); err != nil {
		return Handle{}, fmt.Errorf("generate key material: %w", err)
	}
	defer wipe(material)

	demoted := false
	if prior != nil {
		next := prior.key.Clone()
		next.Status = keys.StatusRotating
		next.RotatedAt = &now
		if err := m.transition(ctx, prior, next, keys.StatusActive, "demote active key"); err != nil {
			return Handle{}, fmt.Errorf("demote active %s key %s: %w", keyType, prior.key.ID, err)
		}
		demoted = true
	}

	err := keystore.WithRetry(ctx, m.retry, m.logger, "store new key", func() error {
		return m.store.Put(ctx, keystore.RecordFromKey(newKey, material))
	})
	if err != nil {
		if demoted {
			restored := prior.key.Clone()
			restored.Status = keys.StatusActive
			restored.RotatedAt = nil
			if rerr := m.transition(ctx, prior, restored, keys.StatusRotating, "restore active key"); rerr != nil {
				m.logger.Warn("Failed to restore %s key %s to active after aborted generation: %v",
					keyType, prior.key.ID, rerr)
			}
		}
		return Handle{}, fmt.Errorf("store new %s key: %w", keyType, err)
	}

	buf, err := secure.NewSecureBuffer(material)
	if err != nil {
		return Handle{}, fmt.Errorf("protect material for key %s: %w", newKey.ID, err)
	}

	e := &entry{key: newKey.Clone(), material: buf}
	m.mu.Lock()
	m.byID[newKey.ID] = e
	m.byType[keyType] = append(m.byType[keyType], e)
	sortEntries(m.byType[keyType])
	m.mu.Unlock()

	m.logger.Debug("Generated %s key %s (version %d, expires %s)",
		keyType, newKey.ID, newKey.Version, newKey.ExpiresAt.Format("2006-01-02"))
	return Handle{Key: newKey.Clone(), Material: buf}, nil
}

// Revoke marks a key Compromised. Compromised is terminal: the key never
// encrypts or decrypts again. Revoking an already-Compromised key is a no-op;
// Archived keys are past revocation.
func (m *Manager) Revoke(ctx context.Context, keyID, reason string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	e, ok := m.byID[keyID]
	var current keys.Key
	if ok {
		current = e.key.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return kferrors.KeyNotFoundError{KeyID: keyID}
	}
	if current.Status == keys.StatusCompromised {
		m.logger.Debug("Key %s is already compromised, revoke is a no-op", keyID)
		return nil
	}
	if !keys.CanTransition(current.Status, keys.StatusCompromised) {
		return fmt.Errorf("key %s is %s and cannot be revoked", keyID, current.Status)
	}

	now := m.nowFn().UTC()
	next := current.Clone()
	next.Status = keys.StatusCompromised
	next.RevokedAt = &now
	next.RevokeReason = reason

	if err := m.transition(ctx, e, next, current.Status, "revoke key"); err != nil {
		return fmt.Errorf("revoke key %s: %w", keyID, err)
	}

	m.logger.Warn("Revoked %s key %s (version %d): %s", current.Type, keyID, current.Version, reason)
	return nil
}

// CleanupExpired transitions every Active or Rotating key whose expiry has
// passed to Expired and returns how many keys it moved. Compromised and
// Archived keys are never touched. A key that loses its status CAS was
// already moved by someone else and is skipped.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	now := m.nowFn().UTC()

	m.mu.RLock()
	var candidates []*entry
	for _, e := range m.byID {
		if (e.key.Status == keys.StatusActive || e.key.Status == keys.StatusRotating) && e.key.ExpiresAt.Before(now) {
			candidates = append(candidates, e)
		}
	}
	m.mu.RUnlock()

	count := 0
	for _, e := range candidates {
		next := e.key.Clone()
		prev := next.Status
		next.Status = keys.StatusExpired

		if err := m.transition(ctx, e, next, prev, "expire key"); err != nil {
			var conflict keystore.ConflictError
			if errors.As(err, &conflict) {
				m.logger.Debug("Key %s changed status during cleanup, skipping: %v", next.ID, err)
				continue
			}
			return count, fmt.Errorf("expire key %s: %w", next.ID, err)
		}
		count++
		m.logger.Info("Marked %s key %s expired (version %d, expired %s)",
			next.Type, next.ID, next.Version, next.ExpiresAt.Format("2006-01-02"))
	}
	return count, nil
}

// ArchiveRotated transitions Rotating keys whose grace period has fully
// elapsed to Archived and returns how many keys it moved. Archived keys no
// longer decrypt; payloads still referencing them needed re-encryption during
// the grace window.
func (m *Manager) ArchiveRotated(ctx context.Context) (int, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	now := m.nowFn().UTC()

	m.mu.RLock()
	var candidates []*entry
	for _, e := range m.byID {
		if e.key.Status != keys.StatusRotating {
			continue
		}
		if e.key.RotatedAt == nil {
			m.logger.Warn("Rotating key %s has no rotation timestamp, skipping archival", e.key.ID)
			continue
		}
		grace := m.policies.For(e.key.Type).GracePeriod()
		if !now.Before(e.key.RotatedAt.Add(grace)) {
			candidates = append(candidates, e)
		}
	}
	m.mu.RUnlock()

	count := 0
	for _, e := range candidates {
		next := e.key.Clone()
		next.Status = keys.StatusArchived

		if err := m.transition(ctx, e, next, keys.StatusRotating, "archive key"); err != nil {
			var conflict keystore.ConflictError
			if errors.As(err, &conflict) {
				m.logger.Debug("Key %s changed status during archival, skipping: %v", next.ID, err)
				continue
			}
			return count, fmt.Errorf("archive key %s: %w", next.ID, err)
		}
		count++
		m.logger.Info("Archived %s key %s (version %d)", next.Type, next.ID, next.Version)
	}
	return count, nil
}

// transition commits a status change through the store CAS and mirrors it in
// the registry once the store accepted it. Callers hold writeMu.
func (m *Manager) transition(ctx context.Context, e *entry, next keys.Key, expect keys.Status, op string) error {
	err := keystore.WithRetry(ctx, m.retry, m.logger, op, func() error {
		return e.material.WithBytes(func(material []byte) error {
			return m.store.Update(ctx, keystore.RecordFromKey(next, material), expect)
		})
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	e.key = next.Clone()
	m.mu.Unlock()
	return nil
}
