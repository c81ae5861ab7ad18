package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context. Missing
// or malformed master key material, unknown backends and invalid policies are
// all fatal at startup and reported through this type.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// KeyNotFoundError reports that no key satisfied a lookup: either no Active
// key exists for a type, or an explicit key id is unknown.
type KeyNotFoundError struct {
	KeyType string
	KeyID   string
}

func (e KeyNotFoundError) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("key not found: %s", e.KeyID)
	}
	return fmt.Sprintf("no active key for type %s", e.KeyType)
}

// KeyExpiredError reports use of a key that aged out of service.
type KeyExpiredError struct {
	KeyID     string
	ExpiredAt time.Time
}

func (e KeyExpiredError) Error() string {
	return fmt.Sprintf("key %s expired at %s", e.KeyID, e.ExpiredAt.Format(time.RFC3339))
}

// KeyCompromisedError reports use of a revoked key.
type KeyCompromisedError struct {
	KeyID  string
	Reason string
}

func (e KeyCompromisedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("key %s was revoked as compromised: %s", e.KeyID, e.Reason)
	}
	return fmt.Sprintf("key %s was revoked as compromised", e.KeyID)
}

// AuthenticationError is the canonical decrypt failure: the authentication
// tag did not verify under any eligible key. It is never retried with a
// different algorithm and never downgraded to a warning.
type AuthenticationError struct {
	KeyType   string
	KeysTried int
}

func (e AuthenticationError) Error() string {
	if e.KeysTried > 0 {
		return fmt.Sprintf("decryption failed: payload did not authenticate under any of %d %s keys", e.KeysTried, e.KeyType)
	}
	return "decryption failed: authentication tag mismatch"
}

// RotationPolicyError reports an unforced rotation requested before the
// policy allows it.
type RotationPolicyError struct {
	KeyType   string
	Remaining time.Duration
	Grace     time.Duration
}

func (e RotationPolicyError) Error() string {
	return fmt.Sprintf("rotation policy violation for %s: active key has %s of lifetime left, rotation opens %s before expiry (use force to override)",
		e.KeyType, formatDuration(e.Remaining), formatDuration(e.Grace))
}

// RecordFailure captures one record that could not be migrated.
type RecordFailure struct {
	Target    string `json:"target"`
	RecordKey string `json:"record_key"`
	Column    string `json:"column"`
	Reason    string `json:"reason"`
}

// MigrationPartialError reports a re-encryption job that finished with some
// records unmigrated. The job itself completed; callers decide whether the
// failure list warrants a retry.
type MigrationPartialError struct {
	JobID     string
	Processed int
	Failures  []RecordFailure
}

func (e MigrationPartialError) Error() string {
	return fmt.Sprintf("re-encryption job %s completed with %d failed records (%d processed)",
		e.JobID, len(e.Failures), e.Processed)
}

// retryable is implemented by errors that declare their own transience, such
// as keystore backend unavailability.
type retryable interface {
	Retryable() bool
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(strings.ToLower(errStr), pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	// Already a user-friendly error
	if _, ok := err.(UserError); ok {
		return err
	}
	if _, ok := err.(ConfigError); ok {
		return err
	}

	// Simplify common technical errors
	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	// Return original error if we can't simplify it
	return err
}

func formatDuration(d time.Duration) string {
	if d >= 24*time.Hour {
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
	return d.Truncate(time.Second).String()
}
