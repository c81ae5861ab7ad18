// Package keystore implements the storage backends behind the
// pkg/keystore.Store contract.
//
// Every backend seals key material under the process master key before it
// leaves memory (the cache backend excepted, since nothing leaves the
// process). The two KMS-backed stores layer a provider-held wrap on top, so
// compromising the stored records alone is never enough to recover a key.
//
// Backends are chosen at construction through Open; the set is closed. Cloud
// SDK clients sit behind narrow interfaces so tests can run against mocks.
package keystore

import (
	"context"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/keystore"
)

// Config selects and configures a backend. Exactly one backend section is
// consulted, named by Backend.
type Config struct {
	// Backend is one of: file, cache, secret-manager, aws-kms, azure-kv,
	// gcp-kms.
	Backend string `yaml:"backend"`

	File          FileConfig          `yaml:"file,omitempty"`
	SecretManager SecretManagerConfig `yaml:"secret_manager,omitempty"`
	AWSKMS        AWSKMSConfig        `yaml:"aws_kms,omitempty"`
	AzureKV       AzureKVConfig       `yaml:"azure_kv,omitempty"`
	GCPKMS        GCPKMSConfig        `yaml:"gcp_kms,omitempty"`
}

// Open constructs the configured backend. The master key is required no
// matter which backend is selected: a config that works against the cache
// must keep working when pointed at a durable store.
func Open(ctx context.Context, cfg Config, master *secure.SecureBuffer, logger *logging.Logger) (keystore.Store, error) {
	if master == nil {
		return nil, kferrors.ConfigError{
			Field:      "master_key",
			Message:    "a master key is required for every keystore backend",
			Suggestion: "Generate one with 'keyops master generate' and configure master_key",
		}
	}

	switch cfg.Backend {
	case keystore.BackendFile:
		dir := cfg.File.Dir
		if dir == "" {
			dir = "~/.keyops/keys"
		}
		return NewFileStore(dir, master, logger)
	case keystore.BackendCache:
		return NewCacheStore(logger), nil
	case keystore.BackendSecretManager:
		return NewSecretManagerStore(ctx, cfg.SecretManager, master, logger)
	case keystore.BackendAWSKMS:
		return NewAWSKMSStore(ctx, cfg.AWSKMS, master, logger)
	case keystore.BackendAzureKV:
		return NewAzureKVStore(cfg.AzureKV, master, logger)
	case keystore.BackendGCPKMS:
		return NewGCPKMSStore(ctx, cfg.GCPKMS, master, logger)
	case "":
		return nil, kferrors.ConfigError{
			Field:      "keystore.backend",
			Message:    "no keystore backend configured",
			Suggestion: "Set keystore.backend to one of: file, cache, secret-manager, aws-kms, azure-kv, gcp-kms",
		}
	default:
		return nil, kferrors.ConfigError{
			Field:      "keystore.backend",
			Value:      cfg.Backend,
			Message:    "unknown keystore backend",
			Suggestion: "Use one of: file, cache, secret-manager, aws-kms, azure-kv, gcp-kms",
		}
	}
}
