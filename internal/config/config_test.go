package config

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aidledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
storage: badger
databasePath: /var/lib/aidledger
bindAddr: 127.0.0.1
port: 9000
metricsPort: 9100
maxCommitments: 500
loggingFee: 250
authorities:
  - ST1AUTH
  - ST2AUTH
duplicationOracleURL: http://dup.local
updateOracleURL: http://upd.local
oracleTimeout: 2s
journalPath: /var/lib/aidledger/journal
anchorEvery: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	expected := Default()
	expected.Storage = StorageBadger
	expected.DatabasePath = "/var/lib/aidledger"
	expected.BindAddr = "127.0.0.1"
	expected.Port = 9000
	expected.MetricsPort = 9100
	expected.MaxCommitments = 500
	expected.LoggingFee = 250
	expected.Authorities = []string{"ST1AUTH", "ST2AUTH"}
	expected.DuplicationOracleURL = "http://dup.local"
	expected.UpdateOracleURL = "http://upd.local"
	expected.OracleTimeout = "2s"
	expected.JournalPath = "/var/lib/aidledger/journal"
	expected.AnchorEvery = 10
	assert.Equal(t, expected, cfg)

	d, err := cfg.OracleTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
	assert.Equal(t, "127.0.0.1:9000", cfg.APIAddr())
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "storage: sqlite\nport: 9000\n")
	t.Setenv("AIDLEDGER_STORAGE", "memory")
	t.Setenv("AIDLEDGER_PORT", "9500")
	t.Setenv("AIDLEDGER_DATABASE_PATH", "/tmp/ledger")
	t.Setenv("AIDLEDGER_AUTHORITIES", "ST1A,ST1B")
	t.Setenv("AIDLEDGER_DUPLICATION_ORACLE_URL", "http://oracle")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, uint(9500), cfg.Port)
	assert.Equal(t, "/tmp/ledger", cfg.DatabasePath)
	assert.Equal(t, []string{"ST1A", "ST1B"}, cfg.Authorities)
	assert.Equal(t, "http://oracle", cfg.DuplicationOracleURL)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "storage: [unclosed"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "storage: postgres\n"))
	require.ErrorIs(t, err, ErrInvalidStorage)

	_, err = Load(writeConfig(t, "oracleTimeout: soon\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "shutdownTimeout: -1s\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "maxCommitments: 18446744073709551615\n"))
	require.ErrorContains(t, err, "maxCommitments")
}

func TestValidate_MaxCommitmentsBound(t *testing.T) {
	cfg := Default()
	cfg.MaxCommitments = math.MaxInt64
	require.NoError(t, cfg.Validate())
	cfg.MaxCommitments = math.MaxInt64 + 1
	require.Error(t, cfg.Validate())
}

func TestContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	cfg := Default()
	ctx := WithContext(context.Background(), cfg)
	assert.Same(t, cfg, FromContext(ctx))
}
