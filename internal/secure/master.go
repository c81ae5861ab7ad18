package secure

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/zalando/go-keyring"
	"google.golang.org/api/option"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
)

// MasterKeySize is the required master key length. The wrapping key derived
// from it drives AES-256-GCM, so anything shorter is rejected outright.
const MasterKeySize = 32

// DefaultMasterKeyEnv is the environment variable consulted when the config
// names no other source.
const DefaultMasterKeyEnv = "KEYOPS_MASTER_KEY"

// Master key sources.
const (
	MasterSourceEnv        = "env"
	MasterSourceFile       = "file"
	MasterSourceKeyring    = "keyring"
	MasterSourceAWSSSM     = "aws-ssm"
	MasterSourceGCPSecrets = "gcp-secret-manager"
)

// MasterKeyConfig selects where the process master key comes from. The key
// itself is always base64(std) of exactly 32 random bytes.
type MasterKeyConfig struct {
	Source  string           `yaml:"source,omitempty"`  // env (default), file, keyring, aws-ssm, gcp-secret-manager
	EnvVar  string           `yaml:"env_var,omitempty"` // env source; defaults to KEYOPS_MASTER_KEY
	Path    string           `yaml:"path,omitempty"`    // file source
	Keyring KeyringSource    `yaml:"keyring,omitempty"`
	AWSSSM  SSMSource        `yaml:"aws_ssm,omitempty"`
	GCP     GCPSecretsSource `yaml:"gcp,omitempty"`
}

// KeyringSource locates the master key in the OS keyring.
type KeyringSource struct {
	Service string `yaml:"service,omitempty"` // defaults to "keyops"
	Account string `yaml:"account,omitempty"` // defaults to "master-key"
}

// SSMSource locates the master key in AWS SSM Parameter Store.
type SSMSource struct {
	Parameter string `yaml:"parameter"`
	Region    string `yaml:"region,omitempty"`
	Profile   string `yaml:"profile,omitempty"`
}

// GCPSecretsSource locates the master key in GCP Secret Manager.
type GCPSecretsSource struct {
	ProjectID       string `yaml:"project_id,omitempty"` // falls back to GOOGLE_CLOUD_PROJECT
	Secret          string `yaml:"secret"`
	Version         string `yaml:"version,omitempty"` // defaults to "latest"
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// SSMClientAPI is the slice of the SSM client the loader needs. Tests inject
// mocks through WithSSMClient.
type SSMClientAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// GCPSecretsClientAPI is the slice of the GCP Secret Manager client the
// loader needs. Tests inject mocks through WithGCPSecretsClient.
type GCPSecretsClientAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

type masterKeyLoader struct {
	ssmClient  SSMClientAPI
	gcpClient  GCPSecretsClientAPI
	keyringGet func(service, account string) (string, error)
	logger     *logging.Logger
}

// MasterKeyOption customizes master key loading, primarily for tests.
type MasterKeyOption func(*masterKeyLoader)

// WithSSMClient sets a custom SSM client (for testing)
func WithSSMClient(client SSMClientAPI) MasterKeyOption {
	return func(l *masterKeyLoader) {
		l.ssmClient = client
	}
}

// WithGCPSecretsClient sets a custom GCP Secret Manager client (for testing)
func WithGCPSecretsClient(client GCPSecretsClientAPI) MasterKeyOption {
	return func(l *masterKeyLoader) {
		l.gcpClient = client
	}
}

// WithKeyringGetter sets a custom keyring lookup (for testing)
func WithKeyringGetter(get func(service, account string) (string, error)) MasterKeyOption {
	return func(l *masterKeyLoader) {
		l.keyringGet = get
	}
}

// LoadMasterKey resolves the master key from the configured source and moves
// it into a SecureBuffer. Any failure here is fatal to startup: without the
// master key no backend can seal or unseal key material.
func LoadMasterKey(ctx context.Context, cfg MasterKeyConfig, logger *logging.Logger, opts ...MasterKeyOption) (*SecureBuffer, error) {
	loader := &masterKeyLoader{
		keyringGet: keyring.Get,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(loader)
	}

	source := cfg.Source
	if source == "" {
		source = MasterSourceEnv
	}

	var (
		encoded string
		err     error
	)
	switch source {
	case MasterSourceEnv:
		encoded, err = loader.fromEnv(cfg)
	case MasterSourceFile:
		encoded, err = loader.fromFile(cfg)
	case MasterSourceKeyring:
		encoded, err = loader.fromKeyring(cfg)
	case MasterSourceAWSSSM:
		encoded, err = loader.fromSSM(ctx, cfg)
	case MasterSourceGCPSecrets:
		encoded, err = loader.fromGCP(ctx, cfg)
	default:
		return nil, kferrors.ConfigError{
			Field:      "master_key.source",
			Value:      source,
			Message:    "unknown master key source",
			Suggestion: "Use one of: env, file, keyring, aws-ssm, gcp-secret-manager",
		}
	}
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, kferrors.ConfigError{
			Field:      "master_key",
			Message:    "master key is not valid base64",
			Suggestion: "Generate a fresh key with 'keyops master generate'",
		}
	}
	if len(raw) != MasterKeySize {
		return nil, kferrors.ConfigError{
			Field:      "master_key",
			Message:    fmt.Sprintf("master key must decode to %d bytes, got %d", MasterKeySize, len(raw)),
			Suggestion: "Generate a fresh key with 'keyops master generate'",
		}
	}

	logger.Debug("Master key loaded from source: %s", source)

	// memguard.NewEnclave wipes raw on its way in.
	return NewSecureBuffer(raw)
}

// GenerateMasterKey returns a freshly generated, base64-encoded master key
// for operators to place in their chosen source.
func GenerateMasterKey() (string, error) {
	raw := make([]byte, MasterKeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to gather entropy: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	for i := range raw {
		raw[i] = 0
	}
	return encoded, nil
}

func (l *masterKeyLoader) fromEnv(cfg MasterKeyConfig) (string, error) {
	envVar := cfg.EnvVar
	if envVar == "" {
		envVar = DefaultMasterKeyEnv
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", kferrors.ConfigError{
			Field:      "master_key",
			Message:    fmt.Sprintf("environment variable %s is not set", envVar),
			Suggestion: fmt.Sprintf("Generate a key with 'keyops master generate' and export %s", envVar),
		}
	}
	return value, nil
}

func (l *masterKeyLoader) fromFile(cfg MasterKeyConfig) (string, error) {
	if cfg.Path == "" {
		return "", kferrors.ConfigError{
			Field:      "master_key.path",
			Message:    "file source requires a path",
			Suggestion: "Set master_key.path to the key file location",
		}
	}
	path := cfg.Path
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", kferrors.ConfigError{
			Field:      "master_key.path",
			Value:      cfg.Path,
			Message:    fmt.Sprintf("cannot read master key file: %v", err),
			Suggestion: "Check the path exists and is readable by this process only (0600)",
		}
	}
	return string(data), nil
}

func (l *masterKeyLoader) fromKeyring(cfg MasterKeyConfig) (string, error) {
	service := cfg.Keyring.Service
	if service == "" {
		service = "keyops"
	}
	account := cfg.Keyring.Account
	if account == "" {
		account = "master-key"
	}

	value, err := l.keyringGet(service, account)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", kferrors.ConfigError{
				Field:      "master_key.keyring",
				Message:    fmt.Sprintf("no keyring entry for %s/%s", service, account),
				Suggestion: "Store the key with your OS keyring tooling, or switch master_key.source",
			}
		}
		return "", kferrors.ConfigError{
			Field:      "master_key.keyring",
			Message:    fmt.Sprintf("keyring lookup failed: %v", err),
			Suggestion: "Keyring access may require an unlocked desktop session; use the file or env source on headless hosts",
		}
	}
	return value, nil
}

func (l *masterKeyLoader) fromSSM(ctx context.Context, cfg MasterKeyConfig) (string, error) {
	if cfg.AWSSSM.Parameter == "" {
		return "", kferrors.ConfigError{
			Field:      "master_key.aws_ssm.parameter",
			Message:    "aws-ssm source requires a parameter name",
			Suggestion: "Set master_key.aws_ssm.parameter, e.g. /keyops/master-key",
		}
	}

	client := l.ssmClient
	if client == nil {
		var configOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSSSM.Region != "" {
			configOpts = append(configOpts, awsconfig.WithRegion(cfg.AWSSSM.Region))
		}
		if cfg.AWSSSM.Profile != "" {
			configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(cfg.AWSSSM.Profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return "", fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = ssm.NewFromConfig(awsCfg)
	}

	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(cfg.AWSSSM.Parameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", kferrors.ConfigError{
			Field:      "master_key.aws_ssm",
			Value:      cfg.AWSSSM.Parameter,
			Message:    fmt.Sprintf("cannot fetch master key parameter: %v", err),
			Suggestion: "Check IAM permissions ssm:GetParameter and kms:Decrypt, and the parameter name",
		}
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", kferrors.ConfigError{
			Field:   "master_key.aws_ssm",
			Value:   cfg.AWSSSM.Parameter,
			Message: "parameter has no value",
		}
	}
	return *result.Parameter.Value, nil
}

func (l *masterKeyLoader) fromGCP(ctx context.Context, cfg MasterKeyConfig) (string, error) {
	if cfg.GCP.Secret == "" {
		return "", kferrors.ConfigError{
			Field:      "master_key.gcp.secret",
			Message:    "gcp-secret-manager source requires a secret name",
			Suggestion: "Set master_key.gcp.secret, e.g. keyops-master-key",
		}
	}

	projectID := cfg.GCP.ProjectID
	if projectID == "" {
		projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if projectID == "" && !strings.HasPrefix(cfg.GCP.Secret, "projects/") {
		return "", kferrors.ConfigError{
			Field:      "master_key.gcp.project_id",
			Message:    "project_id is required for GCP Secret Manager",
			Suggestion: "Set master_key.gcp.project_id or the GOOGLE_CLOUD_PROJECT environment variable",
		}
	}

	client := l.gcpClient
	if client == nil {
		var clientOptions []option.ClientOption
		if cfg.GCP.CredentialsFile != "" {
			clientOptions = append(clientOptions, option.WithCredentialsFile(cfg.GCP.CredentialsFile))
		}
		real, err := secretmanager.NewClient(ctx, clientOptions...)
		if err != nil {
			return "", fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
		}
		defer real.Close()
		client = real
	}

	version := cfg.GCP.Version
	if version == "" {
		version = "latest"
	}
	name := cfg.GCP.Secret
	if !strings.HasPrefix(name, "projects/") {
		name = fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, cfg.GCP.Secret, version)
	} else if !strings.Contains(name, "/versions/") {
		name = fmt.Sprintf("%s/versions/%s", name, version)
	}

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", kferrors.ConfigError{
			Field:      "master_key.gcp",
			Value:      cfg.GCP.Secret,
			Message:    fmt.Sprintf("cannot access master key secret: %v", err),
			Suggestion: "Check secretmanager.versions.access permission and the secret name",
		}
	}
	if result.Payload == nil || result.Payload.Data == nil {
		return "", kferrors.ConfigError{
			Field:   "master_key.gcp",
			Value:   cfg.GCP.Secret,
			Message: "secret has no data",
		}
	}
	return string(result.Payload.Data), nil
}
