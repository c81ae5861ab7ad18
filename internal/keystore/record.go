package keystore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

// storedRecord is the serialized form shared by every backend that persists
// JSON. Material never appears in it; only the sealed blob does.
type storedRecord struct {
	ID             string            `json:"key_id"`
	Type           keys.Type         `json:"key_type"`
	Version        int               `json:"version"`
	Algorithm      string            `json:"algorithm"`
	SizeBits       int               `json:"size_bits"`
	Status         keys.Status       `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	RotatedAt      *time.Time        `json:"rotated_at,omitempty"`
	RevokedAt      *time.Time        `json:"revoked_at,omitempty"`
	RevokeReason   string            `json:"revoke_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SealedMaterial string            `json:"sealed_material"`
}

// encodeRecord serializes a record with its material already sealed.
func encodeRecord(rec keystore.Record, sealed string) ([]byte, error) {
	stored := storedRecord{
		ID:             rec.ID,
		Type:           rec.Type,
		Version:        rec.Version,
		Algorithm:      rec.Algorithm,
		SizeBits:       rec.SizeBits,
		Status:         rec.Status,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		RotatedAt:      rec.RotatedAt,
		RevokedAt:      rec.RevokedAt,
		RevokeReason:   rec.RevokeReason,
		Metadata:       rec.Metadata,
		SealedMaterial: sealed,
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key record: %w", err)
	}
	return data, nil
}

// decodeRecord parses a serialized record and validates its enums.
func decodeRecord(data []byte) (storedRecord, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return storedRecord{}, fmt.Errorf("failed to unmarshal key record: %w", err)
	}
	if stored.ID == "" {
		return storedRecord{}, fmt.Errorf("key record has no key_id")
	}
	if !stored.Type.Valid() {
		return storedRecord{}, fmt.Errorf("key record %s has unknown key_type %q", stored.ID, stored.Type)
	}
	if !stored.Status.Valid() {
		return storedRecord{}, fmt.Errorf("key record %s has unknown status %q", stored.ID, stored.Status)
	}
	return stored, nil
}

// record reassembles the contract form once material has been unsealed.
func (s storedRecord) record(material []byte) keystore.Record {
	return keystore.Record{
		ID:           s.ID,
		Type:         s.Type,
		Version:      s.Version,
		Algorithm:    s.Algorithm,
		SizeBits:     s.SizeBits,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		RotatedAt:    s.RotatedAt,
		RevokedAt:    s.RevokedAt,
		RevokeReason: s.RevokeReason,
		Metadata:     s.Metadata,
		Material:     material,
	}
}

// validateRecord rejects records a backend must never store.
func validateRecord(rec keystore.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("key record has no ID")
	}
	if len(rec.Material) == 0 {
		return fmt.Errorf("key record %s has no material", rec.ID)
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("key record %s has unknown key type %q", rec.ID, rec.Type)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("key record %s has unknown status %q", rec.ID, rec.Status)
	}
	return nil
}
