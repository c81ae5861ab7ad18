package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/envelope"
)

// Wrapping-key derivation parameters. Changing either invalidates every
// sealed record already on disk, so they are fixed for the life of the
// storage format.
const (
	sealSalt = "keyops/keystore/seal/v1"
	sealInfo = "key-material-wrapping-key"
)

// sealer encrypts key material under a wrapping key derived from the process
// master key. Every backend runs material through here before it leaves
// memory; plaintext material never reaches disk or a network.
type sealer struct {
	master *secure.SecureBuffer
}

func newSealer(master *secure.SecureBuffer) *sealer {
	return &sealer{master: master}
}

// wrappingKey derives the AES-256 wrapping key via HKDF-SHA256. The caller
// must wipe the returned slice.
func (s *sealer) wrappingKey() ([]byte, error) {
	key := make([]byte, 32)
	err := s.master.WithBytes(func(masterBytes []byte) error {
		kdf := hkdf.New(sha256.New, masterBytes, []byte(sealSalt), []byte(sealInfo))
		_, err := io.ReadFull(kdf, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	return key, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal encrypts material bound to the record ID. A sealed blob copied onto
// another record fails authentication on unseal.
func (s *sealer) seal(recordID string, material []byte) (string, error) {
	wrapping, err := s.wrappingKey()
	if err != nil {
		return "", err
	}
	defer wipe(wrapping)

	block, err := aes.NewCipher(wrapping)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize GCM: %w", err)
	}

	nonce := make([]byte, envelope.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := envelope.Envelope{
		Version:   envelope.Version1,
		CreatedAt: time.Now().UTC(),
		KeyID:     recordID,
		Nonce:     nonce,
	}

	sealed := gcm.Seal(nil, nonce, material, env.AAD())
	split := len(sealed) - envelope.TagSize
	env.Ciphertext = sealed[:split]
	env.Tag = sealed[split:]

	return env.EncodeString()
}

// unseal reverses seal. Failure here usually means the master key changed or
// the stored blob was tampered with.
func (s *sealer) unseal(recordID, sealedBlob string) ([]byte, error) {
	env, err := envelope.ParseString(sealedBlob)
	if err != nil {
		return nil, fmt.Errorf("sealed material for %s is corrupt: %w", recordID, err)
	}
	if env.KeyID != recordID {
		return nil, fmt.Errorf("sealed material belongs to %s, not %s", env.KeyID, recordID)
	}

	wrapping, err := s.wrappingKey()
	if err != nil {
		return nil, err
	}
	defer wipe(wrapping)

	block, err := aes.NewCipher(wrapping)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	combined := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	combined = append(combined, env.Ciphertext...)
	combined = append(combined, env.Tag...)

	material, err := gcm.Open(nil, env.Nonce, combined, env.AAD())
	if err != nil {
		return nil, kferrors.UserError{
			Message:    fmt.Sprintf("Failed to unseal key material for %s", recordID),
			Details:    err.Error(),
			Suggestion: "The master key may have changed since this key was stored. Restore the original master key",
		}
	}
	return material, nil
}
