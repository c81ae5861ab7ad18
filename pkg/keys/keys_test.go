package keys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Type
		wantErr bool
	}{
		{name: "financial", input: "financial_data", want: TypeFinancialData},
		{name: "pii uppercase", input: "PII", want: TypePII},
		{name: "session padded", input: "  session ", want: TypeSession},
		{name: "api keys", input: "api_keys", want: TypeAPIKeys},
		{name: "audit logs", input: "audit_logs", want: TypeAuditLogs},
		{name: "unknown", input: "payment_cards", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseType(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unknown key type")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	got, err := ParseStatus("Rotating")
	require.NoError(t, err)
	assert.Equal(t, StatusRotating, got)

	_, err = ParseStatus("retired")
	require.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to Status }{
		{StatusActive, StatusRotating},
		{StatusActive, StatusExpired},
		{StatusActive, StatusCompromised},
		{StatusRotating, StatusArchived},
		{StatusRotating, StatusExpired},
		{StatusRotating, StatusCompromised},
		{StatusExpired, StatusCompromised},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to Status }{
		{StatusActive, StatusArchived}, // must pass through rotating
		{StatusCompromised, StatusActive},
		{StatusCompromised, StatusArchived},
		{StatusArchived, StatusActive},
		{StatusArchived, StatusCompromised},
		{StatusExpired, StatusActive},
		{StatusExpired, StatusArchived},
		{StatusRotating, StatusActive}, // no promotion back
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusCompromised.Terminal())
	assert.True(t, StatusArchived.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusRotating.Terminal())
	assert.False(t, StatusExpired.Terminal())

	// Terminal statuses must have no outgoing edges at all.
	for _, from := range []Status{StatusCompromised, StatusArchived} {
		for _, to := range AllStatuses() {
			assert.False(t, CanTransition(from, to), "%s must be terminal", from)
		}
	}
}

func TestNewID(t *testing.T) {
	t.Parallel()

	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "key-")
}

func TestKeyCanDecrypt(t *testing.T) {
	t.Parallel()

	for status, want := range map[Status]bool{
		StatusActive:      true,
		StatusRotating:    true,
		StatusExpired:     false,
		StatusCompromised: false,
		StatusArchived:    false,
	} {
		k := Key{ID: "key-1", Status: status}
		assert.Equal(t, want, k.CanDecrypt(), "status %s", status)
	}
}

func TestKeyExpiresWithin(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	k := Key{ExpiresAt: now.Add(20 * 24 * time.Hour)}

	assert.True(t, k.ExpiresWithin(30*24*time.Hour, now))
	assert.False(t, k.ExpiresWithin(10*24*time.Hour, now))
}

func TestKeyClone(t *testing.T) {
	t.Parallel()

	rotated := time.Now().UTC()
	k := Key{
		ID:        "key-1",
		Type:      TypePII,
		RotatedAt: &rotated,
		Metadata:  map[string]string{"origin": "test"},
	}

	c := k.Clone()
	c.Metadata["origin"] = "mutated"
	*c.RotatedAt = c.RotatedAt.Add(time.Hour)

	assert.Equal(t, "test", k.Metadata["origin"])
	assert.Equal(t, rotated, *k.RotatedAt)
}
