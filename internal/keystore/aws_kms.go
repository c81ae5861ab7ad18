package keystore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/keystore"
)

// KMSClientAPI defines the interface for AWS KMS operations
// This allows for mocking in tests
type KMSClientAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKMSConfig configures the AWS KMS backend. Records live in a local
// directory; their sealed material is additionally wrapped by the named KMS
// key, so reading any key requires both the master key and kms:Decrypt.
type AWSKMSConfig struct {
	// Dir is the local record directory.
	Dir string `yaml:"dir"`

	// KeyID is the KMS key to wrap with: an ARN, key ID or alias/ name.
	KeyID string `yaml:"key_id"`

	// Region is the AWS region (default: us-east-1).
	Region string `yaml:"region,omitempty"`

	// Profile selects a shared-config profile.
	Profile string `yaml:"profile,omitempty"`

	// Endpoint overrides the service endpoint, for LocalStack or testing.
	Endpoint string `yaml:"endpoint,omitempty"`
}

// AWSKMSOption is a functional option for configuring the store
type AWSKMSOption func(*awsKMSBuilder)

type awsKMSBuilder struct {
	client KMSClientAPI
}

// WithKMSClient sets a custom KMS client (for testing)
func WithKMSClient(client KMSClientAPI) AWSKMSOption {
	return func(b *awsKMSBuilder) {
		b.client = client
	}
}

// NewAWSKMSStore creates the AWS KMS backend: a FileStore whose material
// carries a second wrap under the configured KMS key.
func NewAWSKMSStore(ctx context.Context, cfg AWSKMSConfig, master *secure.SecureBuffer, logger *logging.Logger, opts ...AWSKMSOption) (*FileStore, error) {
	if cfg.KeyID == "" {
		return nil, kferrors.ConfigError{
			Field:      "keystore.aws_kms.key_id",
			Message:    "aws-kms backend requires a KMS key",
			Suggestion: "Set keystore.aws_kms.key_id to a key ARN, key ID or alias (e.g. alias/keyops)",
		}
	}

	builder := &awsKMSBuilder{}
	for _, opt := range opts {
		opt(builder)
	}

	if builder.client == nil {
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		var configOpts []func(*awsconfig.LoadOptions) error
		configOpts = append(configOpts, awsconfig.WithRegion(region))
		if cfg.Profile != "" {
			configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		var clientOpts []func(*kms.Options)
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			clientOpts = append(clientOpts, func(o *kms.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		builder.client = kms.NewFromConfig(awsCfg, clientOpts...)
	}

	wrapper := &awsKMSWrapper{client: builder.client, keyID: cfg.KeyID}
	return newFileStore(keystore.BackendAWSKMS, cfg.Dir, master, wrapper, logger)
}

// awsKMSWrapper wraps sealed material under a KMS key. Sealed blobs for
// 256-bit keys are a few hundred bytes, well inside the KMS 4 KiB limit.
type awsKMSWrapper struct {
	client KMSClientAPI
	keyID  string
}

func (w *awsKMSWrapper) wrap(ctx context.Context, sealed []byte) ([]byte, error) {
	out, err := w.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(w.keyID),
		Plaintext: sealed,
	})
	if err != nil {
		return nil, w.handleError(err)
	}
	return out.CiphertextBlob, nil
}

func (w *awsKMSWrapper) unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := w.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, w.handleError(err)
	}
	return out.Plaintext, nil
}

func (w *awsKMSWrapper) handleError(err error) error {
	if isAWSAuthError(err) {
		return kferrors.UserError{
			Message:    "AWS KMS authorization failed",
			Details:    err.Error(),
			Suggestion: "Check IAM permissions kms:Encrypt and kms:Decrypt on " + w.keyID,
			Err:        err,
		}
	}
	return keystore.UnavailableError{Backend: keystore.BackendAWSKMS, Err: err}
}
