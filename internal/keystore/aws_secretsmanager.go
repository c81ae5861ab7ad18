package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

// SecretsManagerClientAPI defines the interface for AWS Secrets Manager operations
// This allows for mocking in tests
type SecretsManagerClientAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// STSClientAPI defines the interface for credential validation
// This allows for mocking in tests
type STSClientAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// SecretManagerConfig configures the AWS Secrets Manager backend.
type SecretManagerConfig struct {
	// Region is the AWS region (default: us-east-1).
	Region string `yaml:"region,omitempty"`

	// Prefix namespaces secret names (default: "keyops/").
	Prefix string `yaml:"prefix,omitempty"`

	// Endpoint overrides the service endpoint, for LocalStack or testing.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Profile selects a shared-config profile.
	Profile string `yaml:"profile,omitempty"`

	// Static credentials, for LocalStack or testing.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`

	// ValidateCredentials calls STS GetCallerIdentity at construction so a
	// misconfigured deployment fails at startup instead of first use.
	ValidateCredentials bool `yaml:"validate_credentials,omitempty"`
}

// SecretManagerStore keeps one Secrets Manager secret per key record. The
// secret value is the record JSON with master-sealed material.
//
// Secrets Manager has no conditional put, so Update's compare-and-swap is
// process-local: the mutex serializes writers in this process.
type SecretManagerStore struct {
	client SecretsManagerClientAPI
	sealer *sealer
	prefix string
	region string
	logger *logging.Logger
	mu     sync.Mutex
}

// SecretManagerOption is a functional option for configuring the store
type SecretManagerOption func(*secretManagerBuilder)

type secretManagerBuilder struct {
	client    SecretsManagerClientAPI
	stsClient STSClientAPI
}

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing)
func WithSecretsManagerClient(client SecretsManagerClientAPI) SecretManagerOption {
	return func(b *secretManagerBuilder) {
		b.client = client
	}
}

// WithSTSClient sets a custom STS client (for testing)
func WithSTSClient(client STSClientAPI) SecretManagerOption {
	return func(b *secretManagerBuilder) {
		b.stsClient = client
	}
}

// NewSecretManagerStore creates the AWS Secrets Manager backend.
func NewSecretManagerStore(ctx context.Context, cfg SecretManagerConfig, master *secure.SecureBuffer, logger *logging.Logger, opts ...SecretManagerOption) (*SecretManagerStore, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "keyops/"
	}

	builder := &secretManagerBuilder{}
	for _, opt := range opts {
		opt(builder)
	}

	// If no client was provided via options, create real clients
	if builder.client == nil {
		var configOpts []func(*awsconfig.LoadOptions) error
		configOpts = append(configOpts, awsconfig.WithRegion(region))
		if cfg.Profile != "" {
			configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
		}
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		var clientOpts []func(*secretsmanager.Options)
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		builder.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)

		if cfg.ValidateCredentials && builder.stsClient == nil {
			builder.stsClient = sts.NewFromConfig(awsCfg)
		}
	}

	if cfg.ValidateCredentials && builder.stsClient != nil {
		identity, err := builder.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, kferrors.UserError{
				Message:    "AWS credential validation failed",
				Details:    err.Error(),
				Suggestion: "Check AWS credentials: environment variables, shared config profile, or IAM role",
				Err:        err,
			}
		}
		logger.Debug("AWS credentials validated for account %s (%s)",
			aws.ToString(identity.Account), aws.ToString(identity.Arn))
	}

	return &SecretManagerStore{
		client: builder.client,
		sealer: newSealer(master),
		prefix: prefix,
		region: region,
		logger: logger,
	}, nil
}

// Name returns the backend identifier.
func (s *SecretManagerStore) Name() string {
	return keystore.BackendSecretManager
}

// Put stores a new record as a fresh secret. CreateSecret fails on an
// existing name, which gives exclusive insert for free.
func (s *SecretManagerStore) Put(ctx context.Context, rec keystore.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	sealed, err := s.sealer.seal(rec.ID, rec.Material)
	if err != nil {
		return err
	}
	data, err := encodeRecord(rec, sealed)
	if err != nil {
		return err
	}

	_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(s.secretName(rec.ID)),
		SecretString: aws.String(string(data)),
		Description:  aws.String(fmt.Sprintf("keyops %s key v%d", rec.Type, rec.Version)),
	})
	if err != nil {
		var exists *smtypes.ResourceExistsException
		if errors.As(err, &exists) {
			return keystore.ConflictError{Backend: s.Name(), ID: rec.ID, Reason: "record already exists"}
		}
		return s.handleError(err, rec.ID)
	}

	s.logger.Debug("Stored key record %s in Secrets Manager (%s v%d)", rec.ID, rec.Type, rec.Version)
	return nil
}

// Get reads and unseals one record.
func (s *SecretManagerStore) Get(ctx context.Context, id string) (keystore.Record, error) {
	stored, err := s.fetch(ctx, id)
	if err != nil {
		return keystore.Record{}, err
	}
	material, err := s.sealer.unseal(stored.ID, stored.SealedMaterial)
	if err != nil {
		return keystore.Record{}, err
	}
	return stored.record(material), nil
}

// List pages through secrets under the prefix and reads each record.
func (s *SecretManagerStore) List(ctx context.Context, filter keystore.Filter) ([]keystore.Record, error) {
	var records []keystore.Record
	var nextToken *string

	for {
		out, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
			Filters: []smtypes.Filter{
				{Key: smtypes.FilterNameStringTypeName, Values: []string{s.prefix}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, s.handleError(err, "")
		}

		for _, entry := range out.SecretList {
			name := aws.ToString(entry.Name)
			if !strings.HasPrefix(name, s.prefix) {
				continue
			}
			id := strings.TrimPrefix(name, s.prefix)
			stored, err := s.fetch(ctx, id)
			if err != nil {
				// Deleted between list and read
				var notFound keystore.NotFoundError
				if errors.As(err, &notFound) {
					continue
				}
				return nil, err
			}
			rec := stored.record(nil)
			if !filter.Match(rec) {
				continue
			}
			material, err := s.sealer.unseal(stored.ID, stored.SealedMaterial)
			if err != nil {
				return nil, err
			}
			rec.Material = material
			records = append(records, rec)
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return records, nil
}

// Update replaces a record while its stored status still equals expect.
func (s *SecretManagerStore) Update(ctx context.Context, rec keystore.Record, expect keys.Status) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.fetch(ctx, rec.ID)
	if err != nil {
		return err
	}
	if current.Status != expect {
		return keystore.ConflictError{
			Backend: s.Name(),
			ID:      rec.ID,
			Reason:  fmt.Sprintf("status is %s, expected %s", current.Status, expect),
		}
	}

	sealed, err := s.sealer.seal(rec.ID, rec.Material)
	if err != nil {
		return err
	}
	data, err := encodeRecord(rec, sealed)
	if err != nil {
		return err
	}

	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(s.secretName(rec.ID)),
		SecretString: aws.String(string(data)),
	})
	if err != nil {
		return s.handleError(err, rec.ID)
	}

	s.logger.Debug("Updated key record %s in Secrets Manager (%s -> %s)", rec.ID, expect, rec.Status)
	return nil
}

func (s *SecretManagerStore) secretName(id string) string {
	return s.prefix + id
}

func (s *SecretManagerStore) fetch(ctx context.Context, id string) (storedRecord, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretName(id)),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return storedRecord{}, keystore.NotFoundError{Backend: s.Name(), ID: id}
		}
		return storedRecord{}, s.handleError(err, id)
	}
	if out.SecretString == nil {
		return storedRecord{}, fmt.Errorf("secret for key record %s has no value", id)
	}
	return decodeRecord([]byte(*out.SecretString))
}

// handleError converts AWS errors to keystore errors.
func (s *SecretManagerStore) handleError(err error, id string) error {
	if isAWSAuthError(err) {
		return kferrors.UserError{
			Message:    "AWS Secrets Manager authorization failed",
			Details:    err.Error(),
			Suggestion: "Check IAM permissions: secretsmanager:CreateSecret, GetSecretValue, PutSecretValue and ListSecrets are required",
			Err:        err,
		}
	}
	// Anything else is treated as transient: throttling, timeouts, endpoint
	// unreachable. Callers retry via keystore.WithRetry.
	return keystore.UnavailableError{Backend: s.Name(), Err: err}
}

func isAWSAuthError(err error) bool {
	// Check for common auth-related errors by string matching
	errStr := err.Error()
	return strings.Contains(errStr, "AccessDenied") ||
		strings.Contains(errStr, "UnauthorizedOperation") ||
		strings.Contains(errStr, "InvalidUserID") ||
		strings.Contains(errStr, "Forbidden") ||
		strings.Contains(errStr, "UnrecognizedClientException")
}
