package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.ReceiptStore)
	assert.Equal(t, "deny-wins", cfg.TieBreak)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, 2, cfg.OverrideQuorum)
	assert.Equal(t, 24*time.Hour, cfg.OverrideSLA)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: DEBUG
receipt_store: sqlite
sqlite_path: /tmp/receipts.db
tie_break: allow
pool_size: 4
tolerances:
  default:
    relative: 0.01
  kinds:
    score:
      relative: 0.05
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.ReceiptStore)
	assert.Equal(t, "allow-wins", cfg.TieBreak)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 0.05, cfg.Tolerances.Kinds["score"].Relative)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("receipt_store: sqlite\n"), 0o600))

	t.Setenv("PROVENACT_RECEIPT_STORE", "postgres")
	t.Setenv("PROVENACT_POSTGRES_DSN", "postgres://engine@localhost/provenact?sslmode=disable")
	t.Setenv("PROVENACT_OVERRIDE_SLA", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.ReceiptStore)
	assert.Equal(t, time.Hour, cfg.OverrideSLA)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("PROVENACT_RECEIPT_STORE", "cassandra")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("PROVENACT_RECEIPT_STORE", "postgres")
	_, err := Load("")
	assert.Error(t, err)
}
