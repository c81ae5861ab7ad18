package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/systmms/keyops/internal/config"
	"github.com/systmms/keyops/tests/testutil"
)

// testConfig writes a keyops.yaml with a file keystore rooted in a temp
// directory, points the master key and checkpoint store at test-owned
// locations, and returns the config with a capturing logger. Commands built
// over the returned config share the same key registry on disk, so
// multi-command flows (generate, then rotate, then status) behave like
// separate CLI invocations against one installation.
func testConfig(t *testing.T) (*config.Config, *testutil.TestLogger) {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "keyops.yaml")

	doc := fmt.Sprintf(`version: 1
master_key:
  source: env
keystore:
  backend: file
  file:
    dir: %s
`, filepath.Join(dir, "keys"))
	require.NoError(t, os.WriteFile(configPath, []byte(doc), 0600))

	// A fixed 32-byte master key, base64 of "0123456789abcdef0123456789abcdef".
	t.Setenv("KEYOPS_MASTER_KEY", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	t.Setenv("KEYOPS_CHECKPOINT_DIR", filepath.Join(dir, "checkpoints"))

	tl := testutil.NewTestLogger(t)
	return &config.Config{
		Path:   configPath,
		Logger: tl.Logger(),
	}, tl
}
