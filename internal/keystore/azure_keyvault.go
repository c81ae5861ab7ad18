package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

// AzureSecretsClientAPI defines the interface for Azure Key Vault operations
// This allows for mocking in tests
type AzureSecretsClientAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

// AzureKVConfig configures the Azure Key Vault backend.
type AzureKVConfig struct {
	// VaultURL is the vault endpoint, e.g. https://my-vault.vault.azure.net/.
	VaultURL string `yaml:"vault_url"`

	// Service principal credentials. Leave empty to use managed identity or
	// the default credential chain.
	TenantID     string `yaml:"tenant_id,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`

	// UseManagedIdentity selects managed identity authentication.
	UseManagedIdentity bool `yaml:"use_managed_identity,omitempty"`

	// UserAssignedID selects a user-assigned managed identity.
	UserAssignedID string `yaml:"user_assigned_identity_id,omitempty"`

	// Prefix namespaces secret names (default: "keyops-").
	Prefix string `yaml:"prefix,omitempty"`
}

// AzureKVStore keeps one Key Vault secret per key record, the value being the
// record JSON with master-sealed material. Key Vault secrets cannot be listed
// by value cheaply, so an index secret tracks the known record IDs.
type AzureKVStore struct {
	client   AzureSecretsClientAPI
	sealer   *sealer
	prefix   string
	vaultURL string
	logger   *logging.Logger
	mu       sync.Mutex
}

// AzureKVOption is a functional option for configuring the store
type AzureKVOption func(*azureKVBuilder)

type azureKVBuilder struct {
	client AzureSecretsClientAPI
}

// WithAzureSecretsClient sets a custom Key Vault client (for testing)
func WithAzureSecretsClient(client AzureSecretsClientAPI) AzureKVOption {
	return func(b *azureKVBuilder) {
		b.client = client
	}
}

// NewAzureKVStore creates the Azure Key Vault backend.
func NewAzureKVStore(cfg AzureKVConfig, master *secure.SecureBuffer, logger *logging.Logger, opts ...AzureKVOption) (*AzureKVStore, error) {
	if cfg.VaultURL == "" {
		return nil, kferrors.ConfigError{
			Field:      "keystore.azure_kv.vault_url",
			Message:    "vault_url is required for Azure Key Vault",
			Suggestion: "Provide the Key Vault URL (e.g., https://my-vault.vault.azure.net/)",
		}
	}
	if _, err := url.Parse(cfg.VaultURL); err != nil {
		return nil, kferrors.ConfigError{
			Field:      "keystore.azure_kv.vault_url",
			Value:      cfg.VaultURL,
			Message:    "Invalid vault_url format",
			Suggestion: "Use format: https://vault-name.vault.azure.net/",
		}
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "keyops-"
	}

	builder := &azureKVBuilder{}
	for _, opt := range opts {
		opt(builder)
	}

	// If no client was provided via options, create real client
	if builder.client == nil {
		client, err := createAzureKVClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Key Vault client: %w", err)
		}
		builder.client = client
	}

	return &AzureKVStore{
		client:   builder.client,
		sealer:   newSealer(master),
		prefix:   prefix,
		vaultURL: cfg.VaultURL,
		logger:   logger,
	}, nil
}

// createAzureKVClient creates a Key Vault client with appropriate authentication
func createAzureKVClient(cfg AzureKVConfig) (*azsecrets.Client, error) {
	var cred azcore.TokenCredential
	var err error

	// Determine authentication method
	if cfg.UseManagedIdentity {
		if cfg.UserAssignedID != "" {
			// User-assigned managed identity
			cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
				ID: azidentity.ClientID(cfg.UserAssignedID),
			})
		} else {
			// System-assigned managed identity
			cred, err = azidentity.NewManagedIdentityCredential(nil)
		}
	} else if cfg.ClientSecret != "" {
		// Service Principal with client secret
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		// Azure CLI or Default Azure Credential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(cfg.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return client, nil
}

// Name returns the backend identifier.
func (a *AzureKVStore) Name() string {
	return keystore.BackendAzureKV
}

// Put stores a new record and adds it to the index.
func (a *AzureKVStore) Put(ctx context.Context, rec keystore.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// SetSecret would silently version over an existing record, so probe
	// first to keep Put exclusive.
	if _, err := a.fetch(ctx, rec.ID); err == nil {
		return keystore.ConflictError{Backend: a.Name(), ID: rec.ID, Reason: "record already exists"}
	} else if !isNotFound(err) {
		return err
	}

	sealed, err := a.sealer.seal(rec.ID, rec.Material)
	if err != nil {
		return err
	}
	data, err := encodeRecord(rec, sealed)
	if err != nil {
		return err
	}

	value := string(data)
	if _, err := a.client.SetSecret(ctx, a.secretName(rec.ID), azsecrets.SetSecretParameters{Value: &value}, nil); err != nil {
		return a.handleError(err, rec.ID)
	}

	index, err := a.readIndex(ctx)
	if err != nil {
		return err
	}
	index = append(index, rec.ID)
	if err := a.writeIndex(ctx, index); err != nil {
		return err
	}

	a.logger.Debug("Stored key record %s in Key Vault (%s v%d)", rec.ID, rec.Type, rec.Version)
	return nil
}

// Get reads and unseals one record.
func (a *AzureKVStore) Get(ctx context.Context, id string) (keystore.Record, error) {
	stored, err := a.fetch(ctx, id)
	if err != nil {
		return keystore.Record{}, err
	}
	material, err := a.sealer.unseal(stored.ID, stored.SealedMaterial)
	if err != nil {
		return keystore.Record{}, err
	}
	return stored.record(material), nil
}

// List walks the index and reads each record.
func (a *AzureKVStore) List(ctx context.Context, filter keystore.Filter) ([]keystore.Record, error) {
	index, err := a.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	var records []keystore.Record
	for _, id := range index {
		stored, err := a.fetch(ctx, id)
		if err != nil {
			if isNotFound(err) {
				// Index drift: secret deleted out of band
				a.logger.Debug("Key record %s is in the index but missing from the vault", id)
				continue
			}
			return nil, err
		}
		rec := stored.record(nil)
		if !filter.Match(rec) {
			continue
		}
		material, err := a.sealer.unseal(stored.ID, stored.SealedMaterial)
		if err != nil {
			return nil, err
		}
		rec.Material = material
		records = append(records, rec)
	}
	return records, nil
}

// Update replaces a record while its stored status still equals expect. The
// compare-and-swap is process-local; Key Vault has no conditional set.
func (a *AzureKVStore) Update(ctx context.Context, rec keystore.Record, expect keys.Status) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.fetch(ctx, rec.ID)
	if err != nil {
		return err
	}
	if current.Status != expect {
		return keystore.ConflictError{
			Backend: a.Name(),
			ID:      rec.ID,
			Reason:  fmt.Sprintf("status is %s, expected %s", current.Status, expect),
		}
	}

	sealed, err := a.sealer.seal(rec.ID, rec.Material)
	if err != nil {
		return err
	}
	data, err := encodeRecord(rec, sealed)
	if err != nil {
		return err
	}

	value := string(data)
	if _, err := a.client.SetSecret(ctx, a.secretName(rec.ID), azsecrets.SetSecretParameters{Value: &value}, nil); err != nil {
		return a.handleError(err, rec.ID)
	}

	a.logger.Debug("Updated key record %s in Key Vault (%s -> %s)", rec.ID, expect, rec.Status)
	return nil
}

func (a *AzureKVStore) secretName(id string) string {
	return a.prefix + id
}

func (a *AzureKVStore) indexName() string {
	return a.prefix + "index"
}

func (a *AzureKVStore) fetch(ctx context.Context, id string) (storedRecord, error) {
	resp, err := a.client.GetSecret(ctx, a.secretName(id), "", nil)
	if err != nil {
		if isAzureNotFoundError(err) {
			return storedRecord{}, keystore.NotFoundError{Backend: a.Name(), ID: id}
		}
		return storedRecord{}, a.handleError(err, id)
	}
	if resp.Value == nil {
		return storedRecord{}, fmt.Errorf("secret for key record %s has no value", id)
	}
	return decodeRecord([]byte(*resp.Value))
}

func (a *AzureKVStore) readIndex(ctx context.Context) ([]string, error) {
	resp, err := a.client.GetSecret(ctx, a.indexName(), "", nil)
	if err != nil {
		if isAzureNotFoundError(err) {
			return nil, nil
		}
		return nil, a.handleError(err, "index")
	}
	if resp.Value == nil {
		return nil, nil
	}
	var index []string
	if err := json.Unmarshal([]byte(*resp.Value), &index); err != nil {
		return nil, fmt.Errorf("key record index is corrupt: %w", err)
	}
	return index, nil
}

func (a *AzureKVStore) writeIndex(ctx context.Context, index []string) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal key record index: %w", err)
	}
	value := string(data)
	if _, err := a.client.SetSecret(ctx, a.indexName(), azsecrets.SetSecretParameters{Value: &value}, nil); err != nil {
		return a.handleError(err, "index")
	}
	return nil
}

// handleError converts Azure errors to keystore errors.
func (a *AzureKVStore) handleError(err error, id string) error {
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "forbidden") || strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "401") || strings.Contains(errStr, "access denied") {
		return kferrors.UserError{
			Message:    fmt.Sprintf("Azure Key Vault authorization failed for %s", id),
			Details:    err.Error(),
			Suggestion: "Check Key Vault access policies: 'Get' and 'Set' permissions are required for secrets",
			Err:        err,
		}
	}
	return keystore.UnavailableError{Backend: a.Name(), Err: err}
}

// isAzureNotFoundError checks if the error indicates a secret was not found
func isAzureNotFoundError(err error) bool {
	return strings.Contains(err.Error(), "SecretNotFound") || strings.Contains(err.Error(), "404")
}

func isNotFound(err error) bool {
	var notFound keystore.NotFoundError
	return errors.As(err, &notFound)
}
