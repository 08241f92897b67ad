package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workhub/metastore/pkg/metastore"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "filesystem", cfg.Store.Type)
	assert.Equal(t, "/var/lib/metastore", cfg.Store.Filesystem["path"])
	assert.NotNil(t, cfg.IndexedProperties)
}

func TestApplyDefaultsNormalizesLogLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))

	bad := GetDefaultConfig()
	bad.Logging.Level = "VERBOSE"
	assert.Error(t, Validate(bad))

	bad = GetDefaultConfig()
	bad.Store.Type = "cloud"
	assert.Error(t, Validate(bad))
}

func TestValidateIndexedProperties(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.IndexedProperties = []string{"Email", "Email"}
	assert.Error(t, Validate(cfg), "duplicate keys must be rejected")

	cfg = GetDefaultConfig()
	cfg.IndexedProperties = []string{metastore.UserNameProperty}
	assert.Error(t, Validate(cfg), "the username key is registered automatically")

	cfg = GetDefaultConfig()
	cfg.IndexedProperties = []string{"Email", "OAuth"}
	assert.NoError(t, Validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
store:
  type: filesystem
  filesystem:
    path: ` + dir + `/metadata
indexed_properties:
  - Email
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, dir+"/metadata", cfg.Store.Filesystem["path"])
	assert.Equal(t, []string{"Email"}, cfg.IndexedProperties)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	// A config file named explicitly must exist; only the default search
	// path tolerates absence.
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCreateMetadataStore(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Store.Filesystem["path"] = t.TempDir()
	cfg.IndexedProperties = []string{"Email"}

	store, err := CreateMetadataStore(cfg)
	require.NoError(t, err)

	// The configured index keys are registered and usable immediately.
	user, err := store.ReadUserByProperty("Email", "nobody@example.com", false, false)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestCreateMetadataStoreUnknownType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Store.Type = "cloud"

	_, err := CreateMetadataStore(cfg)
	assert.Error(t, err)
}

func TestCreateMetadataStoreRequiresPath(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Store.Filesystem = map[string]any{}

	_, err := CreateMetadataStore(cfg)
	assert.Error(t, err)
}
