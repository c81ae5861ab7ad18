// Package keys defines the key lifecycle domain: key types, statuses, the
// status state machine, key metadata, and per-type rotation policies.
//
// The package is intentionally free of storage and crypto concerns so it can
// be imported by every other layer (keystore backends, the key manager, the
// encryption engine, the rotation migrator) without cycles. Raw key material
// is never part of these types; the manager keeps it in locked memory and the
// stores persist it only in sealed form.
package keys

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies a class of data protected by its own key chain.
type Type string

// Key types. Each type has an independent version sequence and rotation
// policy, so compromising or rotating one class never touches another.
const (
	TypeFinancialData Type = "financial_data"
	TypePII           Type = "pii"
	TypeSession       Type = "session"
	TypeAPIKeys       Type = "api_keys"
	TypeAuditLogs     Type = "audit_logs"
)

// AllTypes returns every known key type in a stable order.
func AllTypes() []Type {
	return []Type{TypeFinancialData, TypePII, TypeSession, TypeAPIKeys, TypeAuditLogs}
}

// Valid reports whether t is one of the known key types.
func (t Type) Valid() bool {
	switch t {
	case TypeFinancialData, TypePII, TypeSession, TypeAPIKeys, TypeAuditLogs:
		return true
	}
	return false
}

// ParseType converts a user-supplied string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		names := make([]string, 0, len(AllTypes()))
		for _, kt := range AllTypes() {
			names = append(names, string(kt))
		}
		return "", fmt.Errorf("unknown key type %q (valid: %s)", s, strings.Join(names, ", "))
	}
	return t, nil
}

// Status is a key's position in the lifecycle state machine.
type Status string

const (
	// StatusActive marks the single key per type used for new encryptions.
	StatusActive Status = "active"
	// StatusRotating marks a superseded key that still decrypts its old
	// payloads during the grace period.
	StatusRotating Status = "rotating"
	// StatusExpired marks a key whose max age passed without rotation.
	StatusExpired Status = "expired"
	// StatusCompromised marks a revoked key. Terminal.
	StatusCompromised Status = "compromised"
	// StatusArchived marks a key whose grace period has fully elapsed. Terminal.
	StatusArchived Status = "archived"
)

// AllStatuses returns every status in a stable order.
func AllStatuses() []Status {
	return []Status{StatusActive, StatusRotating, StatusExpired, StatusCompromised, StatusArchived}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusRotating, StatusExpired, StatusCompromised, StatusArchived:
		return true
	}
	return false
}

// ParseStatus converts a user-supplied string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown key status %q (valid: active, rotating, expired, compromised, archived)", v)
	}
	return s, nil
}

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompromised || s == StatusArchived
}

// CanTransition reports whether the lifecycle state machine permits moving a
// key from one status to another:
//
//	active    → rotating | expired | compromised
//	rotating  → archived | expired | compromised
//	expired   → compromised
//
// Compromised and Archived are terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusRotating || to == StatusExpired || to == StatusCompromised
	case StatusRotating:
		return to == StatusArchived || to == StatusExpired || to == StatusCompromised
	case StatusExpired:
		return to == StatusCompromised
	}
	return false
}

// Algorithm and size are fixed for every key this module manages. Other
// algorithms are rejected at configuration time rather than multiplexed at
// runtime.
const (
	Algorithm    = "AES-256-GCM"
	KeySizeBits  = 256
	KeySizeBytes = KeySizeBits / 8
)

// Key is the metadata record for one encryption key. Material is deliberately
// absent: in memory it lives in a secure enclave held by the manager, at rest
// it exists only inside a sealed keystore record.
type Key struct {
	ID           string            `json:"id"`
	Type         Type              `json:"type"`
	Version      int               `json:"version"`
	Algorithm    string            `json:"algorithm"`
	SizeBits     int               `json:"size_bits"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	RotatedAt    *time.Time        `json:"rotated_at,omitempty"`
	RevokedAt    *time.Time        `json:"revoked_at,omitempty"`
	RevokeReason string            `json:"revoke_reason,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewID returns a fresh opaque key identifier.
func NewID() string {
	return "key-" + uuid.NewString()
}

// CanDecrypt reports whether the key may still authenticate old payloads.
// Only Active and Rotating keys decrypt; Expired, Compromised and Archived
// keys are out of service.
func (k Key) CanDecrypt() bool {
	return k.Status == StatusActive || k.Status == StatusRotating
}

// ExpiresWithin reports whether the key's expiry falls inside the window
// starting at now. Used to flag keys that need rotation.
func (k Key) ExpiresWithin(window time.Duration, now time.Time) bool {
	return !k.ExpiresAt.After(now.Add(window))
}

// Clone returns a deep copy so registry snapshots cannot be mutated by
// callers.
func (k Key) Clone() Key {
	out := k
	if k.RotatedAt != nil {
		t := *k.RotatedAt
		out.RotatedAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		out.RevokedAt = &t
	}
	if k.Metadata != nil {
		out.Metadata = make(map[string]string, len(k.Metadata))
		for mk, mv := range k.Metadata {
			out.Metadata[mk] = mv
		}
	}
	return out
}
