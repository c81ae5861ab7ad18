package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/keyops/internal/logging"
)

func TestInitMetrics(t *testing.T) {
	// Note: InitMetrics uses sync.Once, so it can only be called once per test run
	// We test the behavior after initialization
	InitMetrics()

	assert.True(t, IsMetricsRegistered())
	assert.NotNil(t, GetRotationTotal())
	assert.NotNil(t, GetReencryptRecords())
	assert.NotNil(t, GetKeysByStatus())
}

func TestRotationMetrics_RecordRotation(t *testing.T) {
	InitMetrics()

	metrics := NewRotationMetrics()
	metrics.RecordRotation("financial_data", "rotated")
	metrics.RecordRotation("session", "skipped")

	assert.NotNil(t, GetRotationTotal())
}

func TestRotationMetrics_RecordRecords(t *testing.T) {
	InitMetrics()

	metrics := NewRotationMetrics()
	metrics.RecordRecords("financial_data", "accounts", "migrated", 1000)
	metrics.RecordRecords("financial_data", "accounts", "failed", 2)
	metrics.RecordRecords("financial_data", "accounts", "migrated", 0) // no-op
	metrics.RecordBatchCommitted("financial_data", "accounts")
	metrics.ObserveJobDuration("financial_data", 42.5)

	assert.NotNil(t, GetReencryptRecords())
}

func TestRotationMetrics_RecordCleanupAndGauges(t *testing.T) {
	InitMetrics()

	metrics := NewRotationMetrics()
	metrics.RecordCleanup("expired", 2)
	metrics.RecordCleanup("archived", 1)
	metrics.SetKeyCount("financial_data", "active", 1)
	metrics.SetKeyCount("financial_data", "rotating", 2)

	assert.NotNil(t, GetKeysByStatus())
}

func TestDefaultMetricsServerConfig(t *testing.T) {
	t.Parallel()

	config := DefaultMetricsServerConfig()

	assert.False(t, config.Enabled)
	assert.Equal(t, 9090, config.Port)
	assert.Equal(t, "/metrics", config.Path)
	assert.Equal(t, 5*time.Second, config.ReadTimeout)
	assert.Equal(t, 10*time.Second, config.WriteTimeout)
}

func TestMetricsServer_StartDisabled(t *testing.T) {
	t.Parallel()

	config := DefaultMetricsServerConfig()
	config.Enabled = false
	server := NewMetricsServer(config, logging.New(false, true))

	err := server.Start()
	assert.NoError(t, err)
	assert.Empty(t, server.Addr())
}

func TestMetricsServer_StartEnabled(t *testing.T) {
	InitMetrics()

	config := MetricsServerConfig{
		Enabled:      true,
		Port:         19090,
		Path:         "/metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	server := NewMetricsServer(config, logging.New(false, true))

	err := server.Start()
	require.NoError(t, err)

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:19090/metrics")
	if err != nil {
		// Port might be in use, skip test
		t.Skipf("skipping test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	bodyStr := string(body)
	assert.True(t, strings.Contains(bodyStr, "keyops_") || strings.Contains(bodyStr, "go_"),
		"expected prometheus metrics in response")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Stop(ctx)
	assert.NoError(t, err)
}

func TestMetricsServer_HealthEndpoint(t *testing.T) {
	InitMetrics()

	config := MetricsServerConfig{
		Enabled:      true,
		Port:         19091,
		Path:         "/metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	server := NewMetricsServer(config, logging.New(false, true))

	err := server.Start()
	require.NoError(t, err)

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:19091/health")
	if err != nil {
		t.Skipf("skipping test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Stop(ctx)
	assert.NoError(t, err)
}

func TestMetricsServer_StopNilServer(t *testing.T) {
	t.Parallel()

	server := NewMetricsServer(DefaultMetricsServerConfig(), logging.New(false, true))

	err := server.Stop(context.Background())
	assert.NoError(t, err)
}
