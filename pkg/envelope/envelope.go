// Package envelope defines the versioned binary framing for every ciphertext
// this module produces:
//
//	version(1) ‖ flags(1) ‖ created(8, BE unix seconds) ‖ keyIDLen(2, BE) ‖
//	keyID ‖ nonce(12) ‖ tag(16) ‖ ciphertext
//
// The encoded form travels base64(std)-encoded. Offsets are never inferred
// from ciphertext length: every field has a declared width or a length
// prefix, and parsing validates all of them before any crypto runs. The header
// (everything before the nonce) doubles as the GCM additional authenticated
// data, so the embedded key ID, flags and timestamp cannot be swapped without
// failing authentication.
package envelope

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// Version1 is the only envelope version currently written or accepted.
	Version1 byte = 0x01

	// FlagCompressed marks a payload that was gzip-compressed before
	// encryption. Decrypt must decompress after authentication.
	FlagCompressed byte = 0x01

	// NonceSize is the AES-GCM nonce width.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag width.
	TagSize = 16

	headerFixedLen = 1 + 1 + 8 + 2 // version, flags, created, keyIDLen
	maxKeyIDLen    = 128
)

// MalformedError reports an envelope that failed structural validation. It is
// distinct from an authentication failure: no key was ever tried.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed envelope: %s", e.Reason)
}

// Envelope is the parsed form of an encrypted payload.
type Envelope struct {
	Version    byte
	Flags      byte
	CreatedAt  time.Time
	KeyID      string
	Nonce      []byte
	Tag        []byte
	Ciphertext []byte
}

// Compressed reports whether the payload was compressed before encryption.
func (e Envelope) Compressed() bool {
	return e.Flags&FlagCompressed != 0
}

// header renders the authenticated prefix. Deterministic, so encrypt and
// decrypt derive identical AAD.
func (e Envelope) header() []byte {
	id := []byte(e.KeyID)
	h := make([]byte, headerFixedLen, headerFixedLen+len(id))
	h[0] = e.Version
	h[1] = e.Flags
	binary.BigEndian.PutUint64(h[2:10], uint64(e.CreatedAt.Unix()))
	binary.BigEndian.PutUint16(h[10:12], uint16(len(id)))
	return append(h, id...)
}

// AAD returns the additional authenticated data the cipher must bind to this
// envelope.
func (e Envelope) AAD() []byte {
	return e.header()
}

// Encode renders the binary form, validating field widths first.
func (e Envelope) Encode() ([]byte, error) {
	if e.Version != Version1 {
		return nil, &MalformedError{Reason: fmt.Sprintf("unsupported version 0x%02x", e.Version)}
	}
	if e.KeyID == "" {
		return nil, &MalformedError{Reason: "empty key id"}
	}
	if len(e.KeyID) > maxKeyIDLen {
		return nil, &MalformedError{Reason: fmt.Sprintf("key id length %d exceeds %d", len(e.KeyID), maxKeyIDLen)}
	}
	if len(e.Nonce) != NonceSize {
		return nil, &MalformedError{Reason: fmt.Sprintf("nonce must be %d bytes, got %d", NonceSize, len(e.Nonce))}
	}
	if len(e.Tag) != TagSize {
		return nil, &MalformedError{Reason: fmt.Sprintf("tag must be %d bytes, got %d", TagSize, len(e.Tag))}
	}

	header := e.header()
	out := make([]byte, 0, len(header)+NonceSize+TagSize+len(e.Ciphertext))
	out = append(out, header...)
	out = append(out, e.Nonce...)
	out = append(out, e.Tag...)
	out = append(out, e.Ciphertext...)
	return out, nil
}

// EncodeString renders the base64 transport form.
func (e Envelope) EncodeString() (string, error) {
	raw, err := e.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Parse validates and decodes a binary envelope.
func Parse(data []byte) (Envelope, error) {
	if len(data) < headerFixedLen+1+NonceSize+TagSize {
		return Envelope{}, &MalformedError{Reason: fmt.Sprintf("too short: %d bytes", len(data))}
	}
	if data[0] != Version1 {
		return Envelope{}, &MalformedError{Reason: fmt.Sprintf("unsupported version 0x%02x", data[0])}
	}

	created := int64(binary.BigEndian.Uint64(data[2:10]))
	idLen := int(binary.BigEndian.Uint16(data[10:12]))
	if idLen == 0 {
		return Envelope{}, &MalformedError{Reason: "empty key id"}
	}
	if idLen > maxKeyIDLen {
		return Envelope{}, &MalformedError{Reason: fmt.Sprintf("key id length %d exceeds %d", idLen, maxKeyIDLen)}
	}
	if len(data) < headerFixedLen+idLen+NonceSize+TagSize {
		return Envelope{}, &MalformedError{Reason: "truncated after key id"}
	}

	off := headerFixedLen
	keyID := string(data[off : off+idLen])
	off += idLen

	nonce := make([]byte, NonceSize)
	copy(nonce, data[off:off+NonceSize])
	off += NonceSize

	tag := make([]byte, TagSize)
	copy(tag, data[off:off+TagSize])
	off += TagSize

	ct := make([]byte, len(data)-off)
	copy(ct, data[off:])

	return Envelope{
		Version:    data[0],
		Flags:      data[1],
		CreatedAt:  time.Unix(created, 0).UTC(),
		KeyID:      keyID,
		Nonce:      nonce,
		Tag:        tag,
		Ciphertext: ct,
	}, nil
}

// ParseString decodes the base64 transport form and parses it.
func ParseString(s string) (Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Envelope{}, &MalformedError{Reason: fmt.Sprintf("invalid base64: %v", err)}
	}
	return Parse(raw)
}
