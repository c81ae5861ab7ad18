package keystore

import (
	"context"
	"fmt"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/keystore"
)

// GCPKMSClientAPI defines the interface for Cloud KMS operations
// This allows for mocking in tests
type GCPKMSClientAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
}

// GCPKMSConfig configures the GCP Cloud KMS backend. Records live in a local
// directory; their sealed material is additionally wrapped by the named
// crypto key.
type GCPKMSConfig struct {
	// Dir is the local record directory.
	Dir string `yaml:"dir"`

	// KeyName is the full crypto key resource name:
	// projects/P/locations/L/keyRings/R/cryptoKeys/K
	KeyName string `yaml:"key_name"`

	// CredentialsFile is an optional service account key file. Application
	// default credentials are used when empty.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// GCPKMSOption is a functional option for configuring the store
type GCPKMSOption func(*gcpKMSBuilder)

type gcpKMSBuilder struct {
	client GCPKMSClientAPI
}

// WithGCPKMSClient sets a custom Cloud KMS client (for testing)
func WithGCPKMSClient(client GCPKMSClientAPI) GCPKMSOption {
	return func(b *gcpKMSBuilder) {
		b.client = client
	}
}

// NewGCPKMSStore creates the GCP Cloud KMS backend: a FileStore whose
// material carries a second wrap under the configured crypto key.
func NewGCPKMSStore(ctx context.Context, cfg GCPKMSConfig, master *secure.SecureBuffer, logger *logging.Logger, opts ...GCPKMSOption) (*FileStore, error) {
	if cfg.KeyName == "" {
		return nil, kferrors.ConfigError{
			Field:      "keystore.gcp_kms.key_name",
			Message:    "gcp-kms backend requires a crypto key",
			Suggestion: "Set keystore.gcp_kms.key_name to projects/P/locations/L/keyRings/R/cryptoKeys/K",
		}
	}
	if !strings.HasPrefix(cfg.KeyName, "projects/") {
		return nil, kferrors.ConfigError{
			Field:      "keystore.gcp_kms.key_name",
			Value:      cfg.KeyName,
			Message:    "key_name must be a full resource name",
			Suggestion: "Use the format projects/P/locations/L/keyRings/R/cryptoKeys/K",
		}
	}

	builder := &gcpKMSBuilder{}
	for _, opt := range opts {
		opt(builder)
	}

	if builder.client == nil {
		var clientOptions []option.ClientOption
		if cfg.CredentialsFile != "" {
			clientOptions = append(clientOptions, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		client, err := kms.NewKeyManagementClient(ctx, clientOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Cloud KMS client: %w", err)
		}
		builder.client = client
	}

	wrapper := &gcpKMSWrapper{client: builder.client, keyName: cfg.KeyName}
	return newFileStore(keystore.BackendGCPKMS, cfg.Dir, master, wrapper, logger)
}

// gcpKMSWrapper wraps sealed material under a Cloud KMS crypto key.
type gcpKMSWrapper struct {
	client  GCPKMSClientAPI
	keyName string
}

func (w *gcpKMSWrapper) wrap(ctx context.Context, sealed []byte) ([]byte, error) {
	resp, err := w.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      w.keyName,
		Plaintext: sealed,
	})
	if err != nil {
		return nil, w.handleError(err)
	}
	return resp.Ciphertext, nil
}

func (w *gcpKMSWrapper) unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	resp, err := w.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       w.keyName,
		Ciphertext: wrapped,
	})
	if err != nil {
		return nil, w.handleError(err)
	}
	return resp.Plaintext, nil
}

func (w *gcpKMSWrapper) handleError(err error) error {
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "permission") || strings.Contains(errStr, "403") || strings.Contains(errStr, "unauthenticated") {
		return kferrors.UserError{
			Message:    "Cloud KMS authorization failed",
			Details:    err.Error(),
			Suggestion: "Grant roles/cloudkms.cryptoKeyEncrypterDecrypter on " + w.keyName,
			Err:        err,
		}
	}
	return keystore.UnavailableError{Backend: keystore.BackendGCPKMS, Err: err}
}
