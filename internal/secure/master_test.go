package secure

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/zalando/go-keyring"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/logging"
)

func testKeyB64(t *testing.T) string {
	t.Helper()
	raw := make([]byte, MasterKeySize)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func assertBufferHolds(t *testing.T, buf *SecureBuffer, wantB64 string) {
	t.Helper()
	locked, err := buf.Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer locked.Destroy()
	got := base64.StdEncoding.EncodeToString(locked.Bytes())
	if got != wantB64 {
		t.Errorf("buffer holds %s, want %s", got, wantB64)
	}
}

func TestLoadMasterKey_Env(t *testing.T) {
	key := testKeyB64(t)
	t.Setenv(DefaultMasterKeyEnv, key)

	buf, err := LoadMasterKey(context.Background(), MasterKeyConfig{}, logging.New(false, true))
	if err != nil {
		t.Fatalf("LoadMasterKey() error = %v", err)
	}
	defer buf.Destroy()
	assertBufferHolds(t, buf, key)
}

func TestLoadMasterKey_EnvCustomVar(t *testing.T) {
	key := testKeyB64(t)
	t.Setenv("VAULT_ROOT_KEY", key)

	cfg := MasterKeyConfig{Source: MasterSourceEnv, EnvVar: "VAULT_ROOT_KEY"}
	buf, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true))
	if err != nil {
		t.Fatalf("LoadMasterKey() error = %v", err)
	}
	defer buf.Destroy()
	assertBufferHolds(t, buf, key)
}

func TestLoadMasterKey_EnvMissing(t *testing.T) {
	t.Setenv(DefaultMasterKeyEnv, "")

	_, err := LoadMasterKey(context.Background(), MasterKeyConfig{}, logging.New(false, true))
	if err == nil {
		t.Fatal("LoadMasterKey() expected error for unset variable")
	}
	var cfgErr kferrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadMasterKey() error = %T, want ConfigError", err)
	}
	if cfgErr.Suggestion == "" {
		t.Error("ConfigError should carry a suggestion")
	}
}

func TestLoadMasterKey_RejectsBadEncoding(t *testing.T) {
	t.Setenv(DefaultMasterKeyEnv, "not-base64!!!")

	_, err := LoadMasterKey(context.Background(), MasterKeyConfig{}, logging.New(false, true))
	var cfgErr kferrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadMasterKey() error = %v, want ConfigError", err)
	}
}

func TestLoadMasterKey_RejectsWrongLength(t *testing.T) {
	// 16 bytes instead of 32
	t.Setenv(DefaultMasterKeyEnv, base64.StdEncoding.EncodeToString(make([]byte, 16)))

	_, err := LoadMasterKey(context.Background(), MasterKeyConfig{}, logging.New(false, true))
	var cfgErr kferrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadMasterKey() error = %v, want ConfigError", err)
	}
}

func TestLoadMasterKey_UnknownSource(t *testing.T) {
	t.Parallel()

	_, err := LoadMasterKey(context.Background(), MasterKeyConfig{Source: "vault"}, logging.New(false, true))
	var cfgErr kferrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadMasterKey() error = %v, want ConfigError", err)
	}
}

func TestLoadMasterKey_File(t *testing.T) {
	t.Parallel()

	key := testKeyB64(t)
	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := MasterKeyConfig{Source: MasterSourceFile, Path: path}
	buf, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true))
	if err != nil {
		t.Fatalf("LoadMasterKey() error = %v", err)
	}
	defer buf.Destroy()
	assertBufferHolds(t, buf, key)
}

func TestLoadMasterKey_FileMissing(t *testing.T) {
	t.Parallel()

	cfg := MasterKeyConfig{Source: MasterSourceFile, Path: filepath.Join(t.TempDir(), "absent.key")}
	_, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true))
	var cfgErr kferrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadMasterKey() error = %v, want ConfigError", err)
	}
}

func TestLoadMasterKey_Keyring(t *testing.T) {
	t.Parallel()

	key := testKeyB64(t)
	get := func(service, account string) (string, error) {
		if service != "billing" || account != "root" {
			t.Errorf("keyring lookup %s/%s, want billing/root", service, account)
		}
		return key, nil
	}

	cfg := MasterKeyConfig{
		Source:  MasterSourceKeyring,
		Keyring: KeyringSource{Service: "billing", Account: "root"},
	}
	buf, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true), WithKeyringGetter(get))
	if err != nil {
		t.Fatalf("LoadMasterKey() error = %v", err)
	}
	defer buf.Destroy()
	assertBufferHolds(t, buf, key)
}

func TestLoadMasterKey_KeyringDefaults(t *testing.T) {
	t.Parallel()

	key := testKeyB64(t)
	get := func(service, account string) (string, error) {
		if service != "keyops" || account != "master-key" {
			t.Errorf("keyring lookup %s/%s, want keyops/master-key", service, account)
		}
		return key, nil
	}

	cfg := MasterKeyConfig{Source: MasterSourceKeyring}
	buf, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true), WithKeyringGetter(get))
	if err != nil {
		t.Fatalf("LoadMasterKey() error = %v", err)
	}
	defer buf.Destroy()
}

func TestLoadMasterKey_KeyringNotFound(t *testing.T) {
	t.Parallel()

	get := func(service, account string) (string, error) {
		return "", keyring.ErrNotFound
	}

	cfg := MasterKeyConfig{Source: MasterSourceKeyring}
	_, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true), WithKeyringGetter(get))
	var cfgErr kferrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadMasterKey() error = %v, want ConfigError", err)
	}
}

type mockSSMClient struct {
	params map[string]string
	err    error
}

func (m *mockSSMClient) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	value, ok := m.params[aws.ToString(params.Name)]
	if !ok {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{
		Parameter: &types.Parameter{
			Name:  params.Name,
			Value: aws.String(value),
		},
	}, nil
}

func TestLoadMasterKey_SSM(t *testing.T) {
	t.Parallel()

	key := testKeyB64(t)
	mock := &mockSSMClient{params: map[string]string{"/keyops/master-key": key}}

	cfg := MasterKeyConfig{
		Source: MasterSourceAWSSSM,
		AWSSSM: SSMSource{Parameter: "/keyops/master-key", Region: "us-east-1"},
	}
	buf, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true), WithSSMClient(mock))
	if err != nil {
		t.Fatalf("LoadMasterKey() error = %v", err)
	}
	defer buf.Destroy()
	assertBufferHolds(t, buf, key)
}

func TestLoadMasterKey_SSMNotFound(t *testing.T) {
	t.Parallel()

	mock := &mockSSMClient{params: map[string]string{}}
	cfg := MasterKeyConfig{
		Source: MasterSourceAWSSSM,
		AWSSSM: SSMSource{Parameter: "/keyops/missing"},
	}
	_, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true), WithSSMClient(mock))
	var cfgErr kferrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadMasterKey() error = %v, want ConfigError", err)
	}
}

func TestLoadMasterKey_SSMRequiresParameter(t *testing.T) {
	t.Parallel()

	cfg := MasterKeyConfig{Source: MasterSourceAWSSSM}
	_, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true), WithSSMClient(&mockSSMClient{}))
	var cfgErr kferrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadMasterKey() error = %v, want ConfigError", err)
	}
}

type mockGCPSecretsClient struct {
	secrets map[string][]byte
	gotName string
	err     error
}

func (m *mockGCPSecretsClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	m.gotName = req.Name
	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.secrets[req.Name]
	if !ok {
		return nil, errors.New("rpc error: code = NotFound")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.Name,
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	}, nil
}

func TestLoadMasterKey_GCP(t *testing.T) {
	t.Parallel()

	key := testKeyB64(t)
	resource := "projects/fin-prod/secrets/keyops-master-key/versions/latest"
	mock := &mockGCPSecretsClient{secrets: map[string][]byte{resource: []byte(key)}}

	cfg := MasterKeyConfig{
		Source: MasterSourceGCPSecrets,
		GCP:    GCPSecretsSource{ProjectID: "fin-prod", Secret: "keyops-master-key"},
	}
	buf, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true), WithGCPSecretsClient(mock))
	if err != nil {
		t.Fatalf("LoadMasterKey() error = %v", err)
	}
	defer buf.Destroy()
	assertBufferHolds(t, buf, key)

	if mock.gotName != resource {
		t.Errorf("requested %s, want %s", mock.gotName, resource)
	}
}

func TestLoadMasterKey_GCPFullResourceName(t *testing.T) {
	t.Parallel()

	key := testKeyB64(t)
	resource := "projects/fin-prod/secrets/keyops-master-key/versions/7"
	mock := &mockGCPSecretsClient{secrets: map[string][]byte{resource: []byte(key)}}

	cfg := MasterKeyConfig{
		Source: MasterSourceGCPSecrets,
		GCP:    GCPSecretsSource{Secret: "projects/fin-prod/secrets/keyops-master-key", Version: "7"},
	}
	buf, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true), WithGCPSecretsClient(mock))
	if err != nil {
		t.Fatalf("LoadMasterKey() error = %v", err)
	}
	defer buf.Destroy()
}

func TestLoadMasterKey_GCPRequiresProject(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")

	cfg := MasterKeyConfig{
		Source: MasterSourceGCPSecrets,
		GCP:    GCPSecretsSource{Secret: "keyops-master-key"},
	}
	_, err := LoadMasterKey(context.Background(), cfg, logging.New(false, true), WithGCPSecretsClient(&mockGCPSecretsClient{}))
	var cfgErr kferrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadMasterKey() error = %v, want ConfigError", err)
	}
}

func TestGenerateMasterKey(t *testing.T) {
	t.Parallel()

	first, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(first)
	if err != nil {
		t.Fatalf("generated key is not base64: %v", err)
	}
	if len(raw) != MasterKeySize {
		t.Errorf("generated key is %d bytes, want %d", len(raw), MasterKeySize)
	}

	second, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	if first == second {
		t.Error("two generated keys are identical")
	}
}
