package keys

import (
	"fmt"
	"time"
)

// RotationPolicy governs the lifecycle of one key type. Durations are
// day-granular because that is how compliance requirements are written.
type RotationPolicy struct {
	RotationIntervalDays int  `yaml:"rotation_interval_days" json:"rotation_interval_days"` // How often a scheduled rotation should happen
	MaxKeyAgeDays        int  `yaml:"max_key_age_days" json:"max_key_age_days"`             // Hard expiry; keys older than this stop decrypting
	GracePeriodDays      int  `yaml:"grace_period_days" json:"grace_period_days"`           // Window after rotation in which the old key still decrypts
	AutoRotation         bool `yaml:"auto_rotation" json:"auto_rotation"`                   // Whether the scheduled rotation job may rotate this type
	BatchSize            int  `yaml:"batch_size" json:"batch_size"`                         // Records per re-encryption batch
}

// RotationInterval returns the interval as a duration.
func (p RotationPolicy) RotationInterval() time.Duration {
	return time.Duration(p.RotationIntervalDays) * 24 * time.Hour
}

// MaxKeyAge returns the hard expiry window as a duration.
func (p RotationPolicy) MaxKeyAge() time.Duration {
	return time.Duration(p.MaxKeyAgeDays) * 24 * time.Hour
}

// GracePeriod returns the post-rotation decrypt window as a duration.
func (p RotationPolicy) GracePeriod() time.Duration {
	return time.Duration(p.GracePeriodDays) * 24 * time.Hour
}

// Validate checks internal consistency of a single policy.
func (p RotationPolicy) Validate() error {
	if p.RotationIntervalDays <= 0 {
		return fmt.Errorf("rotation_interval_days must be positive, got %d", p.RotationIntervalDays)
	}
	if p.MaxKeyAgeDays <= 0 {
		return fmt.Errorf("max_key_age_days must be positive, got %d", p.MaxKeyAgeDays)
	}
	if p.GracePeriodDays < 0 {
		return fmt.Errorf("grace_period_days must not be negative, got %d", p.GracePeriodDays)
	}
	if p.RotationIntervalDays > p.MaxKeyAgeDays {
		return fmt.Errorf("rotation_interval_days (%d) exceeds max_key_age_days (%d); keys would expire before their scheduled rotation", p.RotationIntervalDays, p.MaxKeyAgeDays)
	}
	if p.GracePeriodDays > p.MaxKeyAgeDays {
		return fmt.Errorf("grace_period_days (%d) exceeds max_key_age_days (%d)", p.GracePeriodDays, p.MaxKeyAgeDays)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", p.BatchSize)
	}
	return nil
}

// PolicySet holds exactly one rotation policy per key type.
type PolicySet map[Type]RotationPolicy

// DefaultPolicies returns the documented defaults. Financial data and PII
// follow the 90/365/30 and 180/730/60 day schedules; audit log keys keep the
// seven-year retention horizon common in finance.
func DefaultPolicies() PolicySet {
	return PolicySet{
		TypeFinancialData: {RotationIntervalDays: 90, MaxKeyAgeDays: 365, GracePeriodDays: 30, AutoRotation: true, BatchSize: 1000},
		TypePII:           {RotationIntervalDays: 180, MaxKeyAgeDays: 730, GracePeriodDays: 60, AutoRotation: true, BatchSize: 500},
		TypeSession:       {RotationIntervalDays: 30, MaxKeyAgeDays: 90, GracePeriodDays: 7, AutoRotation: true, BatchSize: 2000},
		TypeAPIKeys:       {RotationIntervalDays: 90, MaxKeyAgeDays: 180, GracePeriodDays: 14, AutoRotation: false, BatchSize: 500},
		TypeAuditLogs:     {RotationIntervalDays: 365, MaxKeyAgeDays: 2555, GracePeriodDays: 90, AutoRotation: false, BatchSize: 250},
	}
}

// For returns the policy for a key type, falling back to the default when the
// set has no explicit entry. Every type always resolves to some policy.
func (ps PolicySet) For(t Type) RotationPolicy {
	if p, ok := ps[t]; ok {
		return p
	}
	return DefaultPolicies()[t]
}

// Validate checks every entry of the set.
func (ps PolicySet) Validate() error {
	for t, p := range ps {
		if !t.Valid() {
			return fmt.Errorf("policy configured for unknown key type %q", t)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy for %s: %w", t, err)
		}
	}
	return nil
}

// Merged overlays the set on top of the defaults so callers always see a
// complete policy table.
func (ps PolicySet) Merged() PolicySet {
	out := DefaultPolicies()
	for t, p := range ps {
		out[t] = p
	}
	return out
}
