package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnc-iiot/backend/internal/ingest"
	"github.com/cnc-iiot/backend/internal/models"
)

func TestLoadConfig_WritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config written on first run")

	assert.Equal(t, 8089, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Storage.DataDirectory)
	assert.Equal(t, filepath.Join(dir, "data", "grbl.duckdb"), cfg.Storage.DatabasePath)
	assert.Equal(t, 3, cfg.Ingest.DebounceSamples)

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again, "written defaults read back unchanged")
}

func TestLoadConfig_FileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
storage:
  dataDirectory: /var/lib/grbl
ingest:
  errorPolicy: abort
  frame: MPos
  debounceSamples: 5
  debounceMinIdle: 2s
  sampleInterval: 50ms
logging:
  level: debug
  format: json
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/var/lib/grbl/grbl.duckdb", cfg.Storage.DatabasePath)
	assert.Equal(t, 2*time.Second, cfg.Ingest.DebounceMinIdle)
	assert.Equal(t, "0.0.0.0", cfg.Server.BindAddress, "unset keys keep defaults")

	opts, err := cfg.IngestOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, ingest.AbortOnError, opts.Policy)
	assert.Equal(t, models.FrameMachine, opts.Frame)
	assert.Equal(t, 5, opts.Debounce.IdleSamples)
	assert.Equal(t, 50*time.Millisecond, opts.SampleInterval)
	assert.True(t, opts.BaseTime.IsZero(), "the server derives a base per source")
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PORT", "7000")
	t.Setenv("DATA_DIR", "/srv/grbl")
	t.Setenv("GRBL_DB_PATH", "/tmp/other.duckdb")
	t.Setenv("INGEST_ERROR_POLICY", "abort")
	t.Setenv("INGEST_DEBOUNCE_SAMPLES", "7")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/srv/grbl", cfg.Storage.DataDirectory)
	assert.Equal(t, "/tmp/other.duckdb", cfg.Storage.DatabasePath)
	assert.Equal(t, "abort", cfg.Ingest.ErrorPolicy)
	assert.Equal(t, 7, cfg.Ingest.DebounceSamples)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad yaml", body: "server: [1, 2"},
		{name: "bad policy", body: "ingest:\n  errorPolicy: retry\n"},
		{name: "bad frame", body: "ingest:\n  frame: Tool\n"},
		{name: "zero debounce", body: "ingest:\n  debounceSamples: 0\n"},
		{name: "bad level", body: "logging:\n  level: loud\n"},
		{name: "bad port env", body: "", env: map[string]string{"PORT": "http"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDirectories())

	info, err := os.Stat(cfg.Storage.DataDirectory)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"

	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "job_id", 3)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"job_id":3`)
}
