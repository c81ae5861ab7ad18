package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/pkg/keystore"
)

func TestOpenRequiresMasterKey(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Backend: keystore.BackendCache}, nil, testLogger())
	var cfgErr kferrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "master_key", cfgErr.Field)
}

func TestOpenCache(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), Config{Backend: keystore.BackendCache}, newTestMaster(t), testLogger())
	require.NoError(t, err)
	assert.Equal(t, keystore.BackendCache, store.Name())
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	cfg := Config{Backend: keystore.BackendFile, File: FileConfig{Dir: t.TempDir()}}
	store, err := Open(context.Background(), cfg, newTestMaster(t), testLogger())
	require.NoError(t, err)
	assert.Equal(t, keystore.BackendFile, store.Name())
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Backend: "vault"}, newTestMaster(t), testLogger())
	var cfgErr kferrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Suggestion, "file, cache")

	_, err = Open(context.Background(), Config{}, newTestMaster(t), testLogger())
	require.ErrorAs(t, err, &cfgErr)
}
