// Package config loads, validates and persists keyops.yaml.
//
// Loading happens in two passes: the raw document is checked against an
// embedded JSON schema first, so violations are reported with the field names
// the user actually wrote, then the document is decoded into the typed
// Definition and cross-field rules (version, algorithm, policy consistency)
// are enforced in Go.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	kferrors "github.com/systmms/keyops/internal/errors"
	"github.com/systmms/keyops/internal/keystore"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/rotation/health"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/rotation"
)

// DefaultFileName is the configuration file consulted when --config is not
// given.
const DefaultFileName = "keyops.yaml"

// Version is the only supported configuration format version.
const Version = 1

//go:embed schema.json
var schemaJSON []byte

// Config holds the runtime configuration
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition
}

// Definition represents the keyops.yaml structure.
type Definition struct {
	Version   int                        `yaml:"version"`
	Algorithm string                     `yaml:"algorithm,omitempty"`
	MasterKey secure.MasterKeyConfig     `yaml:"master_key,omitempty"`
	Keystore  keystore.Config            `yaml:"keystore"`
	Policies  keys.PolicySet             `yaml:"policies,omitempty"`
	Targets   []rotation.SQLTargetConfig `yaml:"targets,omitempty"`
	Metrics   MetricsConfig              `yaml:"metrics,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint served while a long
// rotation or re-encryption job runs. Timeouts are not configurable here;
// the server defaults apply.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// ServerConfig converts the section to a metrics server configuration,
// filling unset fields from the server defaults.
func (m MetricsConfig) ServerConfig() health.MetricsServerConfig {
	cfg := health.DefaultMetricsServerConfig()
	cfg.Enabled = m.Enabled
	if m.Port != 0 {
		cfg.Port = m.Port
	}
	if m.Path != "" {
		cfg.Path = m.Path
	}
	return cfg
}

// DefaultPath returns the configuration path used when --config is not
// given: $KEYOPS_CONFIG if set, otherwise keyops.yaml in the working
// directory.
func DefaultPath() string {
	if p := os.Getenv("KEYOPS_CONFIG"); p != "" {
		return p
	}
	return DefaultFileName
}

// Load reads and parses the keyops.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return kferrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Run 'keyops init' to create a starter configuration file",
			}
		}
		return kferrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	// Schema-check the raw document before decoding so errors name the keys
	// as written, typos included.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return kferrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}
	if err := validateSchema(raw); err != nil {
		return err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return kferrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	// Validate version
	if def.Version != Version {
		return kferrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: fmt.Sprintf("Set 'version: %d' at the top of your keyops.yaml file", Version),
		}
	}

	// The cipher suite is fixed. The field exists so a config reads
	// completely, not so it can be changed.
	if def.Algorithm != "" && def.Algorithm != keys.Algorithm {
		return kferrors.ConfigError{
			Field:      "algorithm",
			Value:      def.Algorithm,
			Message:    "unsupported encryption algorithm",
			Suggestion: fmt.Sprintf("Only %s is supported; remove the setting or set it to %s", keys.Algorithm, keys.Algorithm),
		}
	}

	if err := def.Policies.Validate(); err != nil {
		return kferrors.ConfigError{
			Field:      "policies",
			Message:    err.Error(),
			Suggestion: "Keep rotation_interval_days and grace_period_days within max_key_age_days, and all counts positive",
		}
	}

	c.Definition = &def
	return nil
}

// validateSchema checks the raw document against the embedded JSON schema.
func validateSchema(doc map[string]interface{}) error {
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return kferrors.ConfigError{
			Message:    fmt.Sprintf("configuration does not match the expected layout:\n  - %s", strings.Join(errorMessages, "\n  - ")),
			Suggestion: "Fix the listed fields; 'keyops init' writes a documented starter file",
		}
	}

	return nil
}

// Policies returns the complete policy table: configured entries overlaid on
// the documented defaults, so every key type resolves.
func (c *Config) Policies() keys.PolicySet {
	if c.Definition == nil {
		return keys.DefaultPolicies()
	}
	return c.Definition.Policies.Merged()
}

// SavePolicies writes an updated policies section back to the configuration
// file. The rest of the document, comments included, is left as the user
// wrote it.
func (c *Config) SavePolicies(policies keys.PolicySet) error {
	if err := policies.Validate(); err != nil {
		return kferrors.ConfigError{
			Field:   "policies",
			Message: err.Error(),
		}
	}

	data, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return fmt.Errorf("configuration file %s is empty", c.Path)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("configuration file %s is not a YAML mapping", c.Path)
	}

	var section yaml.Node
	if err := section.Encode(policies); err != nil {
		return fmt.Errorf("failed to encode policies: %w", err)
	}

	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "policies" {
			root.Content[i+1] = &section
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "policies"},
			&section,
		)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	// The file may hold master key locations and DSNs with credentials.
	if err := os.WriteFile(c.Path, out, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	if c.Definition != nil {
		c.Definition.Policies = policies
	}
	return nil
}

// Starter is the commented skeleton written by 'keyops init'.
const Starter = `# keyops configuration
version: 1

master_key:
  source: env # env | file | keyring | aws-ssm | gcp-secret-manager

keystore:
  backend: file # file | cache | secret-manager | aws-kms | azure-kv | gcp-kms
  file:
    dir: ~/.keyops/keys

# Per-type rotation policies. Types without an entry use the documented
# defaults. An entry replaces the default for its type completely.
policies:
  financial_data:
    rotation_interval_days: 90
    max_key_age_days: 365
    grace_period_days: 30
    auto_rotation: true
    batch_size: 1000

# Tables holding encrypted columns, for 'keyops reencrypt'.
#targets:
#  - driver: postgresql
#    dsn: postgres://keyops@localhost/finance?sslmode=disable
#    table: accounts
#    key_column: id
#    columns: [balance_encrypted, iban_encrypted]

# Prometheus endpoint served while rotation jobs run.
#metrics:
#  enabled: true
#  port: 9090
`

// WriteStarter writes the starter configuration to path. It refuses to
// overwrite an existing file.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return kferrors.ConfigError{
			Field:      "path",
			Value:      path,
			Message:    "configuration file already exists",
			Suggestion: "Edit the existing file, or remove it before running 'keyops init' again",
		}
	}
	if err := os.WriteFile(path, []byte(Starter), 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}
