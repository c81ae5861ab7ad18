package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/keyops/pkg/envelope"
	"github.com/systmms/keyops/pkg/keys"
)

func TestEncryptBulkSmallPayloadNotCompressed(t *testing.T) {
	t.Parallel()

	eng, mgr, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)

	payload := []byte("short statement")
	blob, err := eng.EncryptBulk(ctx, payload, keys.TypeFinancialData)
	require.NoError(t, err)

	env, err := envelope.ParseString(blob)
	require.NoError(t, err)
	assert.False(t, env.Compressed())

	got, err := eng.DecryptBulk(ctx, blob, keys.TypeFinancialData)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEncryptBulkCompressesLargePayload(t *testing.T) {
	t.Parallel()

	eng, mgr, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("transaction,2025-06-01,75000.00\n"), 256)
	blob, err := eng.EncryptBulk(ctx, payload, keys.TypeFinancialData)
	require.NoError(t, err)

	env, err := envelope.ParseString(blob)
	require.NoError(t, err)
	assert.True(t, env.Compressed())
	assert.Less(t, len(env.Ciphertext), len(payload))

	got, err := eng.DecryptBulk(ctx, blob, keys.TypeFinancialData)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEncryptBulkSkipsIncompressiblePayload(t *testing.T) {
	t.Parallel()

	eng, mgr, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)

	// Random bytes do not compress; the flag must stay clear even though the
	// payload is over the threshold.
	payload := make([]byte, 2048)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	blob, err := eng.EncryptBulk(ctx, payload, keys.TypeFinancialData)
	require.NoError(t, err)

	env, err := envelope.ParseString(blob)
	require.NoError(t, err)
	assert.False(t, env.Compressed())

	got, err := eng.DecryptBulk(ctx, blob, keys.TypeFinancialData)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEncryptBulkCompressionDisabled(t *testing.T) {
	t.Parallel()

	eng, mgr, _ := newTestEngine(t, WithCompressionThreshold(0))
	ctx := context.Background()

	_, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("a"), 4096)
	blob, err := eng.EncryptBulk(ctx, payload, keys.TypeFinancialData)
	require.NoError(t, err)

	env, err := envelope.ParseString(blob)
	require.NoError(t, err)
	assert.False(t, env.Compressed())

	got, err := eng.DecryptBulk(ctx, blob, keys.TypeFinancialData)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecryptBulkRejectsNonEnvelope(t *testing.T) {
	t.Parallel()

	// Bulk decryption is strict even when the field-level plaintext fallback
	// is enabled.
	eng, mgr, _ := newTestEngine(t, WithLegacyFallback(LegacyFallbackPlaintext))
	ctx := context.Background()

	_, err := mgr.Generate(ctx, keys.TypeFinancialData)
	require.NoError(t, err)

	_, err = eng.DecryptBulk(ctx, "raw legacy bytes", keys.TypeFinancialData)
	require.Error(t, err)

	var malformed *envelope.MalformedError
	assert.ErrorAs(t, err, &malformed)
}

func TestSessionRoundtrip(t *testing.T) {
	t.Parallel()

	eng, mgr, _ := newTestEngine(t)
	ctx := context.Background()

	sessionKey, err := mgr.Generate(ctx, keys.TypeSession)
	require.NoError(t, err)

	data := map[string]interface{}{
		"user_id":   "u-42",
		"mfa":       true,
		"issued_at": "2025-06-01T00:00:00Z",
	}

	token, err := eng.EncryptSession(ctx, data)
	require.NoError(t, err)

	env, err := envelope.ParseString(token)
	require.NoError(t, err)
	assert.Equal(t, sessionKey.Key.ID, env.KeyID)

	got, err := eng.DecryptSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u-42", got["user_id"])
	assert.Equal(t, true, got["mfa"])
	assert.Equal(t, "2025-06-01T00:00:00Z", got["issued_at"])
}

func TestCacheEntryRoundtrip(t *testing.T) {
	t.Parallel()

	eng, mgr, _ := newTestEngine(t)
	ctx := context.Background()

	cacheKey, err := mgr.Generate(ctx, keys.TypeAPIKeys)
	require.NoError(t, err)

	entry, err := eng.EncryptCacheEntry(ctx, "user:42:balance", []byte(`{"amount":75000.0}`))
	require.NoError(t, err)
	assert.NotEqual(t, entry.Key, entry.Value)

	// Both halves ride the cache key type.
	keyEnv, err := envelope.ParseString(entry.Key)
	require.NoError(t, err)
	assert.Equal(t, cacheKey.Key.ID, keyEnv.KeyID)
	valueEnv, err := envelope.ParseString(entry.Value)
	require.NoError(t, err)
	assert.Equal(t, cacheKey.Key.ID, valueEnv.KeyID)

	gotKey, gotValue, err := eng.DecryptCacheEntry(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, "user:42:balance", gotKey)
	assert.Equal(t, []byte(`{"amount":75000.0}`), gotValue)
}

func TestCacheEntryFreshNoncePerPayload(t *testing.T) {
	t.Parallel()

	eng, mgr, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := mgr.Generate(ctx, keys.TypeAPIKeys)
	require.NoError(t, err)

	a, err := eng.EncryptCacheEntry(ctx, "same-key", []byte("same-value"))
	require.NoError(t, err)
	b, err := eng.EncryptCacheEntry(ctx, "same-key", []byte("same-value"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Key, b.Key, "identical plaintexts must not produce identical ciphertexts")
	assert.NotEqual(t, a.Value, b.Value)
}
