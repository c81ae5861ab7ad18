// Package engine performs field-level encryption for application data. Every
// payload is AES-256-GCM under the Active key of the caller's data type,
// framed in the versioned envelope from pkg/envelope, and returned
// base64-encoded.
//
// Decryption tries the Active key first, then Rotating keys newest-first, so
// payloads written before a rotation keep decrypting throughout the grace
// period without a synchronous migration. Compromised, Expired, and Archived
// keys are never tried. When no eligible key authenticates a payload the
// operation fails with errors.AuthenticationError; a tag mismatch is never
// downgraded or retried with different parameters.
//
// Blobs that predate encryption can only pass through when the engine was
// built with LegacyFallbackPlaintext, and only when the blob does not parse
// as an envelope at all. The fallback applies to field operations; bulk,
// session, and cache payloads are always strict.
package engine

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/pkg/envelope"
	"github.com/systmms/keyops/pkg/keymanager"
	"github.com/systmms/keyops/pkg/keys"
)

// LegacyFallback says what DecryptField does with blobs that do not parse as
// envelopes.
type LegacyFallback int

const (
	// LegacyFallbackReject fails on unparseable blobs. The default.
	LegacyFallbackReject LegacyFallback = iota

	// LegacyFallbackPlaintext passes unparseable blobs through as string
	// values, flagged in the Result. For migrations off pre-encryption data
	// only; an authentication failure never falls back.
	LegacyFallbackPlaintext
)

// DefaultCompressionThreshold is the bulk payload size, in bytes, at which
// compress-before-encrypt is attempted.
const DefaultCompressionThreshold = 512

// Engine encrypts and decrypts application data using keys owned by a
// keymanager.Manager. Safe for concurrent use.
type Engine struct {
	manager           *keymanager.Manager
	logger            *logging.Logger
	compressThreshold int
	fallback          LegacyFallback
	nowFn             func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCompressionThreshold sets the bulk payload size at which compression is
// attempted. Zero or negative disables compression entirely.
func WithCompressionThreshold(n int) Option {
	return func(e *Engine) {
		e.compressThreshold = n
	}
}

// WithLegacyFallback opts in to a fallback policy for pre-encryption blobs.
func WithLegacyFallback(policy LegacyFallback) Option {
	return func(e *Engine) {
		e.fallback = policy
	}
}

// WithEngineClock injects a time source for envelope timestamps.
func WithEngineClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.nowFn = now
	}
}

// New builds an Engine over the manager's keys.
func New(manager *keymanager.Manager, logger *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		manager:           manager,
		logger:            logger,
		compressThreshold: DefaultCompressionThreshold,
		fallback:          LegacyFallbackReject,
		nowFn:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of a field decryption: the value, and whether it came
// out of an envelope or passed through as legacy plaintext.
type Result struct {
	Value FieldValue

	// Legacy is true only when the blob did not parse as an envelope and the
	// engine was built with LegacyFallbackPlaintext.
	Legacy bool
}

// EncryptField encrypts one typed field value under the Active key for the
// type. Fails with errors.KeyNotFoundError when the type has no Active key.
func (e *Engine) EncryptField(ctx context.Context, value FieldValue, keyType keys.Type) (string, error) {
	payload, err := value.encode()
	if err != nil {
		return "", err
	}
	return e.sealUnderActive(ctx, payload, keyType, 0)
}

// DecryptField decrypts a field blob using the eligible keys of the type.
func (e *Engine) DecryptField(ctx context.Context, blob string, keyType keys.Type) (Result, error) {
	env, err := envelope.ParseString(blob)
	if err != nil {
		var malformed *envelope.MalformedError
		if e.fallback == LegacyFallbackPlaintext && errors.As(err, &malformed) {
			e.logger.Debug("Blob is not an envelope, passing through as legacy plaintext (%s)", malformed.Reason)
			return Result{Value: StringValue(blob), Legacy: true}, nil
		}
		return Result{}, err
	}

	plain, err := e.openWithCandidates(env, keyType)
	if err != nil {
		return Result{}, err
	}

	value, err := decodeField(plain)
	if err != nil {
		return Result{}, fmt.Errorf("decode field payload: %w", err)
	}
	return Result{Value: value}, nil
}

// EncryptString encrypts a string field.
func (e *Engine) EncryptString(ctx context.Context, s string, keyType keys.Type) (string, error) {
	return e.EncryptField(ctx, StringValue(s), keyType)
}

// DecryptString decrypts a field and returns its string payload.
func (e *Engine) DecryptString(ctx context.Context, blob string, keyType keys.Type) (string, error) {
	res, err := e.DecryptField(ctx, blob, keyType)
	if err != nil {
		return "", err
	}
	return res.Value.AsString()
}

// EncryptNumber encrypts a numeric field.
func (e *Engine) EncryptNumber(ctx context.Context, f float64, keyType keys.Type) (string, error) {
	return e.EncryptField(ctx, NumberValue(f), keyType)
}

// DecryptNumber decrypts a field and returns its numeric payload.
func (e *Engine) DecryptNumber(ctx context.Context, blob string, keyType keys.Type) (float64, error) {
	res, err := e.DecryptField(ctx, blob, keyType)
	if err != nil {
		return 0, err
	}
	return res.Value.AsNumber()
}

// EncryptObject encrypts a structured field as JSON.
func (e *Engine) EncryptObject(ctx context.Context, v interface{}, keyType keys.Type) (string, error) {
	value, err := ObjectValue(v)
	if err != nil {
		return "", err
	}
	return e.EncryptField(ctx, value, keyType)
}

// DecryptObject decrypts a structured field into out.
func (e *Engine) DecryptObject(ctx context.Context, blob string, keyType keys.Type, out interface{}) error {
	res, err := e.DecryptField(ctx, blob, keyType)
	if err != nil {
		return err
	}
	return res.Value.DecodeObject(out)
}

// DecryptFieldWithKey decrypts strictly under one key, named by ID. Used by
// the rotation migrator to pin decryption to the key being retired. Unknown
// IDs fail with errors.KeyNotFoundError; keys that can no longer decrypt fail
// with errors.KeyExpiredError or errors.KeyCompromisedError.
func (e *Engine) DecryptFieldWithKey(ctx context.Context, blob string, keyID string) (FieldValue, error) {
	env, err := envelope.ParseString(blob)
	if err != nil {
		return FieldValue{}, err
	}

	h, err := e.pinnedKey(keyID)
	if err != nil {
		return FieldValue{}, err
	}

	plain, err := e.open(env, h)
	if err != nil {
		return FieldValue{}, kferrors.AuthenticationError{KeyType: string(h.Key.Type), KeysTried: 1}
	}

	plain, err = maybeDecompress(env, plain)
	if err != nil {
		return FieldValue{}, err
	}

	value, err := decodeField(plain)
	if err != nil {
		return FieldValue{}, fmt.Errorf("decode field payload: %w", err)
	}
	return value, nil
}

// ReencryptBlob moves one envelope from a specific retiring key to the
// current Active key of that key's type. The payload bytes and the
// compression flag pass through untouched, so field, bulk, session, and
// cache blobs all migrate the same way.
func (e *Engine) ReencryptBlob(ctx context.Context, blob string, oldKeyID string) (string, error) {
	env, err := envelope.ParseString(blob)
	if err != nil {
		return "", err
	}

	old, err := e.pinnedKey(oldKeyID)
	if err != nil {
		return "", err
	}

	payload, err := e.open(env, old)
	if err != nil {
		return "", kferrors.AuthenticationError{KeyType: string(old.Key.Type), KeysTried: 1}
	}

	active, err := e.manager.ActiveKey(old.Key.Type)
	if err != nil {
		return "", err
	}
	return e.seal(payload, active, env.Flags)
}

// pinnedKey resolves a key ID for single-key decryption, rejecting keys that
// are out of decryption service.
func (e *Engine) pinnedKey(keyID string) (keymanager.Handle, error) {
	h, err := e.manager.KeyByID(keyID)
	if err != nil {
		return keymanager.Handle{}, err
	}

	switch h.Key.Status {
	case keys.StatusExpired:
		return keymanager.Handle{}, kferrors.KeyExpiredError{KeyID: keyID, ExpiredAt: h.Key.ExpiresAt}
	case keys.StatusCompromised:
		return keymanager.Handle{}, kferrors.KeyCompromisedError{KeyID: keyID, Reason: h.Key.RevokeReason}
	case keys.StatusArchived:
		// The key aged out of decryption service when its grace period ended.
		out := h.Key.ExpiresAt
		if h.Key.RotatedAt != nil {
			out = h.Key.RotatedAt.Add(e.manager.Policy(h.Key.Type).GracePeriod())
		}
		return keymanager.Handle{}, kferrors.KeyExpiredError{KeyID: keyID, ExpiredAt: out}
	}
	return h, nil
}

// sealUnderActive encrypts a payload under the type's Active key.
func (e *Engine) sealUnderActive(ctx context.Context, payload []byte, keyType keys.Type, flags byte) (string, error) {
	h, err := e.manager.ActiveKey(keyType)
	if err != nil {
		return "", err
	}
	return e.seal(payload, h, flags)
}

// seal runs AES-256-GCM with a fresh nonce and frames the result.
func (e *Engine) seal(payload []byte, h keymanager.Handle, flags byte) (string, error) {
	nonce := make([]byte, envelope.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	env := envelope.Envelope{
		Version:   envelope.Version1,
		Flags:     flags,
		CreatedAt: e.nowFn().UTC(),
		KeyID:     h.Key.ID,
		Nonce:     nonce,
	}

	var sealed []byte
	err := h.Material.WithBytes(func(material []byte) error {
		gcm, cerr := newGCM(material)
		if cerr != nil {
			return cerr
		}
		sealed = gcm.Seal(nil, nonce, payload, env.AAD())
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("encrypt with key %s: %w", h.Key.ID, err)
	}

	env.Ciphertext = sealed[:len(sealed)-envelope.TagSize]
	env.Tag = sealed[len(sealed)-envelope.TagSize:]
	return env.EncodeString()
}

// openWithCandidates tries the type's eligible keys in order and decompresses
// when the envelope says to. Exhaustion is an authentication failure.
func (e *Engine) openWithCandidates(env envelope.Envelope, keyType keys.Type) ([]byte, error) {
	candidates := e.manager.DecryptCandidates(keyType)
	for _, h := range candidates {
		plain, err := e.open(env, h)
		if err != nil {
			continue
		}
		if len(candidates) > 1 && h.Key.Status != keys.StatusActive {
			e.logger.Debug("Payload decrypted under rotating key %s (version %d)", h.Key.ID, h.Key.Version)
		}
		return maybeDecompress(env, plain)
	}
	return nil, kferrors.AuthenticationError{KeyType: string(keyType), KeysTried: len(candidates)}
}

// open attempts authenticated decryption of one envelope under one key.
func (e *Engine) open(env envelope.Envelope, h keymanager.Handle) ([]byte, error) {
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	var plain []byte
	err := h.Material.WithBytes(func(material []byte) error {
		gcm, cerr := newGCM(material)
		if cerr != nil {
			return cerr
		}
		var oerr error
		plain, oerr = gcm.Open(nil, env.Nonce, sealed, env.AAD())
		return oerr
	})
	if err != nil {
		return nil, err
	}
	return plain, nil
}

func newGCM(material []byte) (cipher.AEAD, error) {
	if len(material) != keys.KeySizeBytes {
		return nil, fmt.Errorf("key material must be %d bytes, got %d", keys.KeySizeBytes, len(material))
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
