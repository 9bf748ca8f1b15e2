package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "queue_events", cfg.Storage.EventChannel)
	assert.Equal(t, "relay", cfg.Actors.Relay)
	assert.Equal(t, "manual", cfg.Actors.Manual)
	assert.Equal(t, int64(50), cfg.Detectors.FlashThresholdMs)
	assert.Equal(t, 3.0, cfg.Detectors.ZombieMultiplier)
	assert.False(t, cfg.Buffer.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	content := `
log:
  level: debug
storage:
  driver: memory
buffer:
  enabled: true
  max_size: 32
detectors:
  bulk_threshold: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.Buffer.Enabled)
	assert.Equal(t, 32, cfg.Buffer.MaxSize)
	assert.Equal(t, 5, cfg.Detectors.BulkThreshold)

	// Untouched fields keep their defaults
	assert.Equal(t, 10*1024*1024, cfg.Engine.MaxPayloadBytes)
	assert.Equal(t, "queue_events", cfg.Storage.EventChannel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "bad log level",
			content: "log:\n  level: verbose\n",
		},
		{
			name:    "bad driver",
			content: "storage:\n  driver: sqlite\n",
		},
		{
			name:    "zombie multiplier below one",
			content: "detectors:\n  zombie_multiplier: 0.5\n",
		},
		{
			name:    "zero buffer size",
			content: "buffer:\n  max_size: -1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "courier.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COURIER_DATABASE_URL", "postgres://db:5432/test")
	t.Setenv("COURIER_LOG_LEVEL", "warn")
	t.Setenv("COURIER_BUFFER_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://db:5432/test", cfg.Storage.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Buffer.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/courier.yaml")
	assert.Error(t, err)
}
