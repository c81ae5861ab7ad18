package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// AssertSecretRedacted verifies that a secret value does not appear in a string.
//
// This is a specialized assertion for security testing. It checks that the
// secret value is not present in the output, and that the [REDACTED] marker
// is present instead.
//
// Example usage:
//
//	output := someOperation()
//	AssertSecretRedacted(t, output, "password123")
func AssertSecretRedacted(t *testing.T, output, secretValue string) {
	t.Helper()

	// Secret value must not appear
	assert.NotContains(t, output, secretValue,
		"Secret value %q should be redacted, but appears in output", secretValue)

	// [REDACTED] marker should appear
	assert.Contains(t, output, "[REDACTED]",
		"Expected [REDACTED] marker when secret is used")
}

// AssertNoSecretLeak verifies that multiple secret values are redacted in
// output. Useful for checking that none of a set of key material strings
// survived into logs or error messages.
func AssertNoSecretLeak(t *testing.T, output string, secrets []string) {
	t.Helper()

	for _, secret := range secrets {
		assert.NotContains(t, output, secret,
			"Secret %q should be redacted, but appears in output", secret)
	}

	// Verify [REDACTED] appears at least once
	assert.Contains(t, output, "[REDACTED]",
		"Expected at least one [REDACTED] marker in output")
}

// AssertFileContainsAll verifies that a file contains all specified substrings.
//
// Example usage:
//
//	AssertFileContainsAll(t, "keyops.yaml", []string{"version: 1", "policies:"})
func AssertFileContainsAll(t *testing.T, path string, substrings []string) {
	t.Helper()

	assert.FileExists(t, path, "File should exist: %s", path)

	data, err := os.ReadFile(path)
	assert.NoError(t, err, "Failed to read file %s", path)

	actual := string(data)
	for _, substr := range substrings {
		assert.Contains(t, actual, substr,
			"File %s should contain %q", path, substr)
	}
}

// AssertErrorContains verifies that an error occurred and contains a substring.
//
// Example usage:
//
//	err := someOperation()
//	AssertErrorContains(t, err, "no active key")
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()

	assert.Error(t, err, "Expected an error to occur")
	if err != nil {
		assert.Contains(t, err.Error(), substr,
			"Error message should contain %q", substr)
	}
}
