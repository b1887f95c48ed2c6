package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/piper/piper/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "piper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 120*time.Second, cfg.Ingest.SettleWindow)
	assert.Equal(t, time.Hour, cfg.Ingest.ClockSkewTolerance)
	assert.Equal(t, ".jsonl", cfg.Ingest.Extension)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.File)
	assert.Equal(t, DefaultConfig().Paths, cfg.Paths)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
paths:
  raw_root: /tmp/raw
  data_root: /tmp/data
ingest:
  settle_window: 30s
  extension: ndjson
logging:
  level: DEBUG
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/tmp/raw", cfg.Paths.RawRoot)
	assert.Equal(t, "/tmp/data", cfg.Paths.DataRoot)
	assert.Equal(t, 30*time.Second, cfg.Ingest.SettleWindow)
	assert.Equal(t, ".ndjson", cfg.Ingest.Extension)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	// Untouched keys keep their defaults.
	assert.Equal(t, time.Hour, cfg.Ingest.ClockSkewTolerance)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
paths:
  raw_root: /tmp/raw
ingest:
  settle_window: 30s
`)
	t.Setenv("PIPER_PATHS__RAW_ROOT", "/custom/raw")
	t.Setenv("PIPER_INGEST__SETTLE_WINDOW", "1m")
	t.Setenv("PIPER_LOGGING__LEVEL", "warning")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/custom/raw", cfg.Paths.RawRoot)
	assert.Equal(t, time.Minute, cfg.Ingest.SettleWindow)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_ConfigFileEnv(t *testing.T) {
	path := writeConfig(t, "paths:\n  data_root: /from/env\n")
	t.Setenv(ConfigFileEnv, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Paths.DataRoot)
}

func TestLoad_MissingConfigFileEnv(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load("")
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCategoryConfig, perrors.GetCategory(err))
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad level", "logging:\n  level: verbose\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"bad destination", "export:\n  destination: ftp\n"},
		{"s3 without bucket", "export:\n  destination: s3\n"},
		{"local without path", "export:\n  destination: local\n"},
		{"negative settle", "ingest:\n  settle_window: -5s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ConfigFileEnv, "")
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Equal(t, perrors.CodeInvalidConfig, perrors.GetCode(err))
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.DataRoot = "/data"

	assert.Equal(t, "/data/warehouse/telemetry.db", cfg.WarehousePath())
	assert.Equal(t, "/data/silver", cfg.SilverDir())
	assert.Equal(t, "/data/state", cfg.StateDir())
	assert.Equal(t, "/data/quarantine/invalid_jsonl", cfg.QuarantineDir())
	assert.Equal(t, "/data/run_logs", cfg.RunLogsDir())
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.DataRoot = t.TempDir()
	cfg.Paths.RawRoot = filepath.Join(cfg.Paths.DataRoot, "raw")

	require.NoError(t, cfg.EnsureDirectories())
	for _, dir := range []string{cfg.WarehouseDir(), cfg.SilverDir(), cfg.StateDir(), cfg.QuarantineDir(), cfg.RunLogsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
	_, err := os.Stat(cfg.Paths.RawRoot)
	assert.True(t, os.IsNotExist(err), "raw root is producer-owned and must not be created")
}
