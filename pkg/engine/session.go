package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/systmms/keyops/pkg/envelope"
	"github.com/systmms/keyops/pkg/keys"
)

// EncryptSession JSON-serializes a session map and encrypts it under the
// session key type. The returned blob is the opaque token handed to clients.
func (e *Engine) EncryptSession(ctx context.Context, data map[string]interface{}) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("serialize session data: %w", err)
	}
	return e.sealUnderActive(ctx, payload, keys.TypeSession, 0)
}

// DecryptSession decrypts a session token back into its map. Session payloads
// are always strict: an unparseable token is an error, never passed through.
func (e *Engine) DecryptSession(ctx context.Context, blob string) (map[string]interface{}, error) {
	env, err := envelope.ParseString(blob)
	if err != nil {
		return nil, err
	}

	plain, err := e.openWithCandidates(env, keys.TypeSession)
	if err != nil {
		return nil, err
	}

	var data map[string]interface{}
	if err := json.Unmarshal(plain, &data); err != nil {
		return nil, fmt.Errorf("deserialize session data: %w", err)
	}
	return data, nil
}

// CacheEntry is an independently encrypted cache key/value pair. The entry's
// TTL lives with the cache itself, supplied by the caller; it is not part of
// either ciphertext.
type CacheEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// EncryptCacheKey encrypts a cache key under the API-key type, so stored
// cache keys are not guessable from the values they index.
func (e *Engine) EncryptCacheKey(ctx context.Context, key string) (string, error) {
	return e.sealUnderActive(ctx, []byte(key), keys.TypeAPIKeys, 0)
}

// DecryptCacheKey decrypts a cache key.
func (e *Engine) DecryptCacheKey(ctx context.Context, blob string) (string, error) {
	plain, err := e.decryptCachePayload(blob)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EncryptCacheValue encrypts a cached value under the API-key type.
func (e *Engine) EncryptCacheValue(ctx context.Context, value []byte) (string, error) {
	return e.sealUnderActive(ctx, value, keys.TypeAPIKeys, 0)
}

// DecryptCacheValue decrypts a cached value.
func (e *Engine) DecryptCacheValue(ctx context.Context, blob string) ([]byte, error) {
	return e.decryptCachePayload(blob)
}

// EncryptCacheEntry encrypts a cache key and its value as two separate
// payloads, each under its own nonce.
func (e *Engine) EncryptCacheEntry(ctx context.Context, key string, value []byte) (CacheEntry, error) {
	encKey, err := e.EncryptCacheKey(ctx, key)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("encrypt cache key: %w", err)
	}
	encValue, err := e.EncryptCacheValue(ctx, value)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("encrypt cache value: %w", err)
	}
	return CacheEntry{Key: encKey, Value: encValue}, nil
}

// DecryptCacheEntry decrypts both halves of a cache entry.
func (e *Engine) DecryptCacheEntry(ctx context.Context, entry CacheEntry) (string, []byte, error) {
	key, err := e.DecryptCacheKey(ctx, entry.Key)
	if err != nil {
		return "", nil, fmt.Errorf("decrypt cache key: %w", err)
	}
	value, err := e.DecryptCacheValue(ctx, entry.Value)
	if err != nil {
		return "", nil, fmt.Errorf("decrypt cache value: %w", err)
	}
	return key, value, nil
}

func (e *Engine) decryptCachePayload(blob string) ([]byte, error) {
	env, err := envelope.ParseString(blob)
	if err != nil {
		return nil, err
	}
	return e.openWithCandidates(env, keys.TypeAPIKeys)
}
