package keystore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

type mockAzureSecretsClient struct {
	mu      sync.Mutex
	secrets map[string]string
	failAll error
}

func newMockAzureSecretsClient() *mockAzureSecretsClient {
	return &mockAzureSecretsClient{secrets: make(map[string]string)}
}

func (m *mockAzureSecretsClient) GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return azsecrets.GetSecretResponse{}, m.failAll
	}
	value, exists := m.secrets[name]
	if !exists {
		return azsecrets.GetSecretResponse{}, errors.New("SecretNotFound: status 404")
	}
	return azsecrets.GetSecretResponse{Secret: azsecrets.Secret{Value: &value}}, nil
}

func (m *mockAzureSecretsClient) SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return azsecrets.SetSecretResponse{}, m.failAll
	}
	m.secrets[name] = *parameters.Value
	return azsecrets.SetSecretResponse{}, nil
}

func newTestAzureStore(t *testing.T, client AzureSecretsClientAPI) *AzureKVStore {
	t.Helper()
	store, err := NewAzureKVStore(
		AzureKVConfig{VaultURL: "https://fin-vault.vault.azure.net/"},
		newTestMaster(t), testLogger(), WithAzureSecretsClient(client))
	require.NoError(t, err)
	return store
}

func TestAzureKVStorePutGet(t *testing.T) {
	t.Parallel()

	mock := newMockAzureSecretsClient()
	store := newTestAzureStore(t, mock)
	assert.Equal(t, keystore.BackendAzureKV, store.Name())

	material := testMaterial(t)
	rec := testRecord("key-1", keys.TypeFinancialData, 1, keys.StatusActive, material)
	require.NoError(t, store.Put(context.Background(), rec))

	stored := mock.secrets["keyops-key-1"]
	require.NotEmpty(t, stored)
	assert.NotContains(t, stored, string(material))

	got, err := store.Get(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, material, got.Material)
}

func TestAzureKVStoreRequiresVaultURL(t *testing.T) {
	t.Parallel()

	_, err := NewAzureKVStore(AzureKVConfig{}, newTestMaster(t), testLogger(),
		WithAzureSecretsClient(newMockAzureSecretsClient()))
	var cfgErr kferrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestAzureKVStorePutConflict(t *testing.T) {
	t.Parallel()

	store := newTestAzureStore(t, newMockAzureSecretsClient())
	rec := testRecord("key-1", keys.TypeSession, 1, keys.StatusActive, testMaterial(t))
	require.NoError(t, store.Put(context.Background(), rec))

	err := store.Put(context.Background(), rec)
	var conflict keystore.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestAzureKVStoreListUsesIndex(t *testing.T) {
	t.Parallel()

	mock := newMockAzureSecretsClient()
	store := newTestAzureStore(t, mock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord("key-1", keys.TypeFinancialData, 1, keys.StatusRotating, testMaterial(t))))
	require.NoError(t, store.Put(ctx, testRecord("key-2", keys.TypeFinancialData, 2, keys.StatusActive, testMaterial(t))))
	require.NoError(t, store.Put(ctx, testRecord("key-3", keys.TypePII, 1, keys.StatusActive, testMaterial(t))))
	assert.Contains(t, mock.secrets, "keyops-index")

	financial, err := store.List(ctx, keystore.Filter{Type: keys.TypeFinancialData})
	require.NoError(t, err)
	assert.Len(t, financial, 2)

	active, err := store.List(ctx, keystore.Filter{Type: keys.TypeFinancialData, Status: keys.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "key-2", active[0].ID)
}

func TestAzureKVStoreListSkipsIndexDrift(t *testing.T) {
	t.Parallel()

	mock := newMockAzureSecretsClient()
	store := newTestAzureStore(t, mock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord("key-1", keys.TypeSession, 1, keys.StatusActive, testMaterial(t))))
	require.NoError(t, store.Put(ctx, testRecord("key-2", keys.TypeSession, 2, keys.StatusActive, testMaterial(t))))

	// Simulate out-of-band deletion: the secret vanishes, the index keeps it.
	mock.mu.Lock()
	delete(mock.secrets, "keyops-key-1")
	mock.mu.Unlock()

	records, err := store.List(ctx, keystore.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "key-2", records[0].ID)
}

func TestAzureKVStoreUpdateCAS(t *testing.T) {
	t.Parallel()

	store := newTestAzureStore(t, newMockAzureSecretsClient())
	rec := testRecord("key-1", keys.TypePII, 1, keys.StatusActive, testMaterial(t))
	require.NoError(t, store.Put(context.Background(), rec))

	rec.Status = keys.StatusRotating
	require.NoError(t, store.Update(context.Background(), rec, keys.StatusActive))

	rec.Status = keys.StatusArchived
	err := store.Update(context.Background(), rec, keys.StatusActive)
	var conflict keystore.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestAzureKVStoreAuthError(t *testing.T) {
	t.Parallel()

	mock := newMockAzureSecretsClient()
	mock.failAll = errors.New("caller is not authorized: Forbidden")
	store := newTestAzureStore(t, mock)

	_, err := store.Get(context.Background(), "key-1")
	var userErr kferrors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Suggestion, "access policies")
}
