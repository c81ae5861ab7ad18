package keystore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

// mockKMSClient marks wrapped blobs with a prefix instead of encrypting, so
// tests can verify the second wrap is actually applied and reversed.
type mockKMSClient struct {
	encryptCalls int
	decryptCalls int
	failAll      error
	gotKeyID     string
}

var kmsMarker = []byte("kms-wrapped:")

func (m *mockKMSClient) Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if m.failAll != nil {
		return nil, m.failAll
	}
	m.encryptCalls++
	m.gotKeyID = aws.ToString(params.KeyId)
	blob := append([]byte{}, kmsMarker...)
	blob = append(blob, params.Plaintext...)
	return &kms.EncryptOutput{CiphertextBlob: blob, KeyId: params.KeyId}, nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if m.failAll != nil {
		return nil, m.failAll
	}
	m.decryptCalls++
	if !bytes.HasPrefix(params.CiphertextBlob, kmsMarker) {
		return nil, errors.New("InvalidCiphertextException")
	}
	return &kms.DecryptOutput{Plaintext: bytes.TrimPrefix(params.CiphertextBlob, kmsMarker)}, nil
}

func TestAWSKMSStoreRoundTrip(t *testing.T) {
	t.Parallel()

	mock := &mockKMSClient{}
	dir := t.TempDir()
	store, err := NewAWSKMSStore(context.Background(),
		AWSKMSConfig{Dir: dir, KeyID: "alias/keyops"},
		newTestMaster(t), testLogger(), WithKMSClient(mock))
	require.NoError(t, err)
	assert.Equal(t, keystore.BackendAWSKMS, store.Name())

	material := testMaterial(t)
	rec := testRecord("key-1", keys.TypeFinancialData, 1, keys.StatusActive, material)
	require.NoError(t, store.Put(context.Background(), rec))
	assert.Equal(t, 1, mock.encryptCalls)
	assert.Equal(t, "alias/keyops", mock.gotKeyID)

	got, err := store.Get(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, material, got.Material)
	assert.Equal(t, 1, mock.decryptCalls)

	// Disk holds neither raw material nor an unwrapped sealed envelope.
	data, err := os.ReadFile(filepath.Join(dir, "key-1.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), string(material))
}

func TestAWSKMSStoreRequiresKeyID(t *testing.T) {
	t.Parallel()

	_, err := NewAWSKMSStore(context.Background(), AWSKMSConfig{Dir: t.TempDir()},
		newTestMaster(t), testLogger(), WithKMSClient(&mockKMSClient{}))
	var cfgErr kferrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestAWSKMSStoreUnavailable(t *testing.T) {
	t.Parallel()

	mock := &mockKMSClient{failAll: errors.New("RequestTimeout")}
	store, err := NewAWSKMSStore(context.Background(),
		AWSKMSConfig{Dir: t.TempDir(), KeyID: "alias/keyops"},
		newTestMaster(t), testLogger(), WithKMSClient(mock))
	require.NoError(t, err)

	rec := testRecord("key-1", keys.TypeSession, 1, keys.StatusActive, testMaterial(t))
	err = store.Put(context.Background(), rec)
	var unavailable keystore.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, keystore.BackendAWSKMS, unavailable.Backend)
}
