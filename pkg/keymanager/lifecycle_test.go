package keymanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/pkg/keys"
)

func TestGenerateFirstKey(t *testing.T) {
	t.Parallel()

	mgr, store, clock := newTestManager(t)
	ctx := context.Background()

	h, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)

	assert.Equal(t, keys.TypeFinancialData, h.Key.Type)
	assert.Equal(t, 1, h.Key.Version)
	assert.Equal(t, keys.StatusActive, h.Key.Status)
	assert.Equal(t, keys.Algorithm, h.Key.Algorithm)
	assert.Equal(t, keys.KeySizeBits, h.Key.SizeBits)
	assert.Equal(t, clock.Now().UTC(), h.Key.CreatedAt)

	policy := keys.DefaultPolicies().For(keys.TypeFinancialData)
	assert.Equal(t, clock.Now().UTC().Add(policy.MaxKeyAge()), h.Key.ExpiresAt)

	material := bufferBytes(t, h.Material)
	assert.Len(t, material, keys.KeySizeBytes)

	// Persisted with the same material.
	rec, err := store.Get(ctx, h.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, material, rec.Material)
}

func TestGenerateUniqueMaterialPerKey(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	h1, err := mgr.Generate(ctx, keys.TypeSession)
	require.NoError(t, err)
	h2, err := mgr.Generate(ctx, keys.TypeSession)
	require.NoError(t, err)

	assert.NotEqual(t, h1.Key.ID, h2.Key.ID)
	assert.NotEqual(t, bufferBytes(t, h1.Material), bufferBytes(t, h2.Material))
}

func TestGenerateDemotesPriorActive(t *testing.T) {
	t.Parallel()

	mgr, store, clock := newTestManager(t)
	ctx := context.Background()

	h1, err := mgr.Generate(ctx, keys.TypePII)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	h2, err := mgr.Generate(ctx, keys.TypePII)
	require.NoError(t, err)
	assert.Equal(t, 2, h2.Key.Version)

	old, err := mgr.KeyByID(h1.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusRotating, old.Key.Status)
	require.NotNil(t, old.Key.RotatedAt)
	assert.Equal(t, clock.Now().UTC(), *old.Key.RotatedAt)

	rec, err := store.Get(ctx, h1.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusRotating, rec.Status)

	active, err := mgr.ActiveKey(keys.TypePII)
	require.NoError(t, err)
	assert.Equal(t, h2.Key.ID, active.Key.ID)
}

func TestGenerateRejectsUnknownType(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)

	_, err := mgr.Generate(context.Background(), keys.Type("tax_returns"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key type")
}

func TestRotatePolicyGate(t *testing.T) {
	t.Parallel()

	mgr, _, clock := newTestManager(t)
	ctx := context.Background()

	h1, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)

	// Fresh key: 365 days remain, grace is 30. Unforced rotation refused.
	_, err = mgr.Rotate(ctx, keys.TypeFinancialData, false)
	var policyErr kferrors.RotationPolicyError
	require.ErrorAs(t, err, &policyErr)
	assert.Equal(t, string(keys.TypeFinancialData), policyErr.KeyType)
	assert.Contains(t, err.Error(), "use force to override")

	// Still the same active key.
	active, err := mgr.ActiveKey(keys.TypeFinancialData)
	require.NoError(t, err)
	assert.Equal(t, h1.Key.ID, active.Key.ID)

	// Inside the grace window the gate opens.
	clock.Advance(340 * 24 * time.Hour)
	h2, err := mgr.Rotate(ctx, keys.TypeFinancialData, false)
	require.NoError(t, err)
	assert.Equal(t, 2, h2.Key.Version)
	assert.Equal(t, keys.StatusActive, h2.Key.Status)
}

func TestRotateForceBypassesGate(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	h1, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)

	h2, err := mgr.Rotate(ctx, keys.TypeFinancialData, true)
	require.NoError(t, err)
	assert.NotEqual(t, h1.Key.ID, h2.Key.ID)

	old, err := mgr.KeyByID(h1.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusRotating, old.Key.Status)
	assert.NotNil(t, old.Key.RotatedAt)
}

func TestRotateWithoutActiveKey(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)

	_, err := mgr.Rotate(context.Background(), keys.TypeAuditLogs, true)
	var notFound kferrors.KeyNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, string(keys.TypeAuditLogs), notFound.KeyType)
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	mgr, store, clock := newTestManager(t)
	ctx := context.Background()

	h, err := mgr.Generate(ctx, keys.TypeAPIKeys)
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, h.Key.ID, "credential stuffing incident"))

	revoked, err := mgr.KeyByID(h.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusCompromised, revoked.Key.Status)
	assert.Equal(t, "credential stuffing incident", revoked.Key.RevokeReason)
	require.NotNil(t, revoked.Key.RevokedAt)
	assert.Equal(t, clock.Now().UTC(), *revoked.Key.RevokedAt)

	rec, err := store.Get(ctx, h.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusCompromised, rec.Status)

	// No Active key remains for the type.
	_, err = mgr.ActiveKey(keys.TypeAPIKeys)
	var notFound kferrors.KeyNotFoundError
	assert.ErrorAs(t, err, &notFound)

	// Revoking again is a no-op, and the original reason survives.
	require.NoError(t, mgr.Revoke(ctx, h.Key.ID, "second attempt"))
	revoked, err = mgr.KeyByID(h.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, "credential stuffing incident", revoked.Key.RevokeReason)
}

func TestRevokeUnknownKey(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)

	err := mgr.Revoke(context.Background(), "key-missing", "because")
	var notFound kferrors.KeyNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRevokeLeavesOtherTypesUsable(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	fin, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)
	pii, err := mgr.Generate(ctx, keys.TypePII)
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, fin.Key.ID, "suspected exposure"))

	active, err := mgr.ActiveKey(keys.TypePII)
	require.NoError(t, err)
	assert.Equal(t, pii.Key.ID, active.Key.ID)
}

func TestRevokeArchivedKeyRefused(t *testing.T) {
	t.Parallel()

	mgr, _, clock := newTestManager(t)
	ctx := context.Background()

	h1, err := mgr.Generate(ctx, keys.TypeSession)
	require.NoError(t, err)
	_, err = mgr.Rotate(ctx, keys.TypeSession, true)
	require.NoError(t, err)

	// Push the rotated key through its grace period and archive it.
	clock.Advance(8 * 24 * time.Hour)
	archived, err := mgr.ArchiveRotated(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, archived)

	err = mgr.Revoke(ctx, h1.Key.ID, "too late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archived")
}

func TestCleanupExpired(t *testing.T) {
	t.Parallel()

	mgr, store, clock := newTestManager(t)
	ctx := context.Background()

	h1, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)
	h2, err := mgr.Rotate(ctx, keys.TypeFinancialData, true)
	require.NoError(t, err)

	sess, err := mgr.Generate(ctx, keys.TypeSession)
	require.NoError(t, err)
	require.NoError(t, mgr.Revoke(ctx, sess.Key.ID, "incident"))

	// Nothing has expired yet.
	count, err := mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// 400 days later both financial keys are past their 365-day max age; the
	// compromised session key is past its max age too but must not move.
	clock.Advance(400 * 24 * time.Hour)
	count, err = mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{h1.Key.ID, h2.Key.ID} {
		rec, gerr := store.Get(ctx, id)
		require.NoError(t, gerr)
		assert.Equal(t, keys.StatusExpired, rec.Status)
	}

	rec, err := store.Get(ctx, sess.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusCompromised, rec.Status)

	// Second pass finds nothing left to move.
	count, err = mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestArchiveRotatedHonorsGrace(t *testing.T) {
	t.Parallel()

	mgr, store, clock := newTestManager(t)
	ctx := context.Background()

	h1, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)
	_, err = mgr.Rotate(ctx, keys.TypeFinancialData, true)
	require.NoError(t, err)

	// Inside the 30-day grace window the rotated key stays usable.
	clock.Advance(29 * 24 * time.Hour)
	count, err := mgr.ArchiveRotated(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	old, err := mgr.KeyByID(h1.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusRotating, old.Key.Status)
	assert.True(t, old.Key.CanDecrypt())

	// Once the grace period has fully elapsed the key is archived.
	clock.Advance(2 * 24 * time.Hour)
	count, err = mgr.ArchiveRotated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	old, err = mgr.KeyByID(h1.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusArchived, old.Key.Status)
	assert.False(t, old.Key.CanDecrypt())

	rec, err := store.Get(ctx, h1.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusArchived, rec.Status)

	// The replacement key is untouched.
	active, err := mgr.ActiveKey(keys.TypeFinancialData)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusActive, active.Key.Status)
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	mgr, _, clock := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)
	active, err := mgr.Rotate(ctx, keys.TypeFinancialData, true)
	require.NoError(t, err)

	sess, err := mgr.Generate(ctx, keys.TypeSession)
	require.NoError(t, err)
	require.NoError(t, mgr.Revoke(ctx, sess.Key.ID, "incident"))

	stats := mgr.Statistics()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByType[keys.TypeFinancialData][keys.StatusActive])
	assert.Equal(t, 1, stats.ByType[keys.TypeFinancialData][keys.StatusRotating])
	assert.Equal(t, 1, stats.ByType[keys.TypeSession][keys.StatusCompromised])
	assert.Equal(t, 1, stats.ByStatus[keys.StatusActive])
	assert.Empty(t, stats.RotationNeeded, "fresh active key is not due for rotation")

	// Move inside the grace window: the active key gets flagged.
	clock.Advance(340 * 24 * time.Hour)
	stats = mgr.Statistics()
	require.Len(t, stats.RotationNeeded, 1)
	need := stats.RotationNeeded[0]
	assert.Equal(t, active.Key.ID, need.KeyID)
	assert.Equal(t, keys.TypeFinancialData, need.Type)
	assert.Equal(t, 25*24*time.Hour, need.Remaining)
}
