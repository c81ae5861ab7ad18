package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/systmms/keyops/pkg/envelope"
	"github.com/systmms/keyops/pkg/keys"
)

// EncryptBulk encrypts an arbitrary byte blob under the Active key for the
// type. Payloads at or above the engine's compression threshold are
// gzip-compressed first, but only when compression strictly reduces the size;
// the envelope flag records the decision so DecryptBulk knows whether to
// decompress.
func (e *Engine) EncryptBulk(ctx context.Context, data []byte, keyType keys.Type) (string, error) {
	payload := data
	var flags byte

	if e.compressThreshold > 0 && len(data) >= e.compressThreshold {
		compressed, err := gzipCompress(data)
		if err != nil {
			return "", fmt.Errorf("compress payload: %w", err)
		}
		if len(compressed) < len(data) {
			payload = compressed
			flags = envelope.FlagCompressed
			e.logger.Debug("Compressed bulk payload from %d to %d bytes", len(data), len(compressed))
		}
	}

	return e.sealUnderActive(ctx, payload, keyType, flags)
}

// DecryptBulk decrypts a bulk blob using the eligible keys of the type. Bulk
// payloads are always strict: there is no legacy plaintext fallback.
func (e *Engine) DecryptBulk(ctx context.Context, blob string, keyType keys.Type) ([]byte, error) {
	env, err := envelope.ParseString(blob)
	if err != nil {
		return nil, err
	}
	return e.openWithCandidates(env, keyType)
}

// maybeDecompress reverses compress-before-encrypt when the envelope flag
// says compression was applied.
func maybeDecompress(env envelope.Envelope, plain []byte) ([]byte, error) {
	if !env.Compressed() {
		return plain, nil
	}
	out, err := gzipDecompress(plain)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
