package testutil

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/systmms/keyops/internal/logging"
)

// TestLogger captures log output for validation in tests.
//
// It wraps a real logging.Logger over an in-memory buffer, so any component
// taking a *logging.Logger can be handed Logger() and its output inspected
// afterwards. Color is disabled so assertions see plain level markers.
//
// Example usage:
//
//	tl := NewTestLogger(t)
//	mgr, err := keymanager.New(ctx, store, nil, tl.Logger())
//	...
//	tl.AssertContains(t, "Loaded 0 keys")
type TestLogger struct {
	mu     sync.Mutex
	buffer bytes.Buffer
	logger *logging.Logger
}

// NewTestLogger creates a capturing logger with debug output disabled.
func NewTestLogger(t *testing.T) *TestLogger {
	t.Helper()
	return NewTestLoggerWithDebug(t, false)
}

// NewTestLoggerWithDebug creates a capturing logger. When debug is true,
// Debug() calls land in the buffer too.
func NewTestLoggerWithDebug(t *testing.T, debug bool) *TestLogger {
	t.Helper()

	tl := &TestLogger{}
	tl.logger = logging.NewWithWriter(&syncWriter{tl: tl}, debug, true)
	return tl
}

// syncWriter serializes buffer writes so components logging from multiple
// goroutines do not interleave mid-line.
type syncWriter struct {
	tl *TestLogger
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.tl.mu.Lock()
	defer w.tl.mu.Unlock()
	return w.tl.buffer.Write(p)
}

// Logger returns the injectable logger.
func (l *TestLogger) Logger() *logging.Logger {
	return l.logger
}

// GetOutput returns the captured log output as a string.
func (l *TestLogger) GetOutput() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffer.String()
}

// Clear clears the captured log output. Useful when reusing the same logger
// across multiple test cases.
func (l *TestLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer.Reset()
}

// Capture executes a function and returns the log output it produced.
func (l *TestLogger) Capture(fn func()) string {
	l.Clear()
	fn()
	return l.GetOutput()
}

// AssertContains asserts that the log output contains the substring.
func (l *TestLogger) AssertContains(t *testing.T, substr string) {
	t.Helper()
	assert.Contains(t, l.GetOutput(), substr, "Expected log output to contain %q", substr)
}

// AssertNotContains asserts that the log output does NOT contain the
// substring. This is particularly useful for verifying that secrets are
// redacted.
func (l *TestLogger) AssertNotContains(t *testing.T, substr string) {
	t.Helper()
	assert.NotContains(t, l.GetOutput(), substr, "Expected log output to NOT contain %q", substr)
}

// AssertRedacted asserts that a secret value is redacted in the log output:
// the value itself is absent and the [REDACTED] marker is present.
func (l *TestLogger) AssertRedacted(t *testing.T, secretValue string) {
	t.Helper()
	AssertSecretRedacted(t, l.GetOutput(), secretValue)
}

// AssertLogCount asserts that a log level appears a certain number of times.
//
// Level markers:
//   - Info: "✓"
//   - Warn: "⚠"
//   - Error: "✗"
//   - Debug: "[DEBUG]"
func (l *TestLogger) AssertLogCount(t *testing.T, level string, count int) {
	t.Helper()

	var marker string
	switch level {
	case "info":
		marker = "✓"
	case "warn":
		marker = "⚠"
	case "error":
		marker = "✗"
	case "debug":
		marker = "[DEBUG]"
	default:
		t.Fatalf("Unknown log level: %s", level)
	}

	actual := strings.Count(l.GetOutput(), marker)
	assert.Equal(t, count, actual,
		"Expected %d %s log messages, got %d", count, level, actual)
}

// AssertEmpty asserts that no log output was captured.
func (l *TestLogger) AssertEmpty(t *testing.T) {
	t.Helper()
	assert.Empty(t, l.GetOutput(), "Expected no log output, but got:\n%s", l.GetOutput())
}

// Lines returns the captured output split into non-empty lines.
func (l *TestLogger) Lines() []string {
	lines := strings.Split(l.GetOutput(), "\n")
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}
	return result
}
