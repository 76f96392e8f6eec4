package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig_Defaults verifies that an absent config file on the
// search path yields the documented defaults.
func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB)
	assert.Equal(t, 1000000, cfg.Capture.MaxPacketCount)
	assert.Equal(t, int64(400), cfg.Upload.MaxFileMB)
	assert.Equal(t, 5, cfg.Upload.MaxAttempts)
	assert.Equal(t, ":8088", cfg.Server.ListenAddr)
	assert.Empty(t, cfg.Storage.PostgresDSN)
}

// TestLoadConfig_File verifies that values from a JSON file override
// defaults while unset fields keep them.
func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{
		"logging": {"level": "debug", "file": "/tmp/scaniot.log"},
		"capture": {"output_dir": "/tmp/caps", "max_packet_count": 5000},
		"storage": {"postgres_dsn": "host=localhost user=scaniot dbname=scaniot"},
		"upload": {"server": "https://artifacts.example.com", "api_key": "k123", "max_file_mb": 10},
		"server": {"listen_addr": ":9000"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/scaniot.log", cfg.Logging.File)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB) // default kept
	assert.Equal(t, "/tmp/caps", cfg.Capture.OutputDir)
	assert.Equal(t, 5000, cfg.Capture.MaxPacketCount)
	assert.Equal(t, 720, cfg.Capture.MaxDurationMinutes) // default kept
	assert.Equal(t, "host=localhost user=scaniot dbname=scaniot", cfg.Storage.PostgresDSN)
	assert.Equal(t, "https://artifacts.example.com", cfg.Upload.Server)
	assert.Equal(t, int64(10), cfg.Upload.MaxFileMB)
	assert.Equal(t, 5, cfg.Upload.MaxAttempts) // default kept
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
}

// TestLoadConfig_InvalidJSON verifies that malformed config is rejected.
func TestLoadConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

// TestConfig_MaxDuration sanity-checks the administrative time cap.
func TestConfig_MaxDuration(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, time.Duration(cfg.Capture.MaxDurationMinutes)*time.Minute)
}
