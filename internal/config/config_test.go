package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir changes the working directory for the duration of the test.
// It mirrors testing.T.Chdir, which requires Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restoring working directory: %v", err)
		}
	})
}

func TestLoadRequiresAPIKey(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(APIKeyEnv, "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), APIKeyEnv)
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(APIKeyEnv, "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, 0, cfg.CaptureDisplay)
	assert.Equal(t, 5*time.Second, cfg.CaptureInterval)
	assert.Equal(t, "127.0.0.1:8745", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.MapZoom)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(APIKeyEnv, "test-key")
	t.Setenv("GEOCHEATR_CAPTURE_INTERVAL", "2s")
	t.Setenv("GEOCHEATR_CAPTURE_DISPLAY", "1")
	t.Setenv("GEOCHEATR_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.CaptureInterval)
	assert.Equal(t, 1, cfg.CaptureDisplay)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadRejectsNonPositiveInterval(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(APIKeyEnv, "test-key")
	t.Setenv("GEOCHEATR_CAPTURE_INTERVAL", "0s")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv(APIKeyEnv, "test-key")

	yaml := "capture:\n  interval: 9s\nmap:\n  zoom: 7\n"
	require.NoError(t, os.WriteFile(dir+"/geocheatr.yaml", []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9*time.Second, cfg.CaptureInterval)
	assert.Equal(t, 7, cfg.MapZoom)
}
