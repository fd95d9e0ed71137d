package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	path := ConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	require.NoError(t, cfg.Load())
	require.Equal(t, DefaultPort, cfg.Port)
	require.True(t, cfg.FallbackEnabled)
	require.Equal(t, EndpointFallbacks, cfg.Endpoints)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	writeConfigFile(t, `{"port": 9999, "strategy": "round-robin", "maxRetries": 3}`)

	cfg := DefaultConfig()
	require.NoError(t, cfg.Load())
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, StrategyRoundRobin, cfg.Strategy)
	require.Equal(t, 3, cfg.MaxRetries)
	// Untouched fields keep their defaults.
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.EqualValues(t, MaxWaitBeforeErrorMs, cfg.MaxWaitBeforeErrorMs)
}

func TestLoadCanDisableFallback(t *testing.T) {
	writeConfigFile(t, `{"fallbackEnabled": false}`)

	cfg := DefaultConfig()
	require.NoError(t, cfg.Load())
	require.False(t, cfg.FallbackEnabled)
}

func TestLoadOmittedFallbackKeepsDefault(t *testing.T) {
	writeConfigFile(t, `{"port": 8081}`)

	cfg := DefaultConfig()
	require.NoError(t, cfg.Load())
	require.True(t, cfg.FallbackEnabled)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	writeConfigFile(t, `{broken`)

	cfg := DefaultConfig()
	require.Error(t, cfg.Load())
}

func TestLoadOverridesEndpoints(t *testing.T) {
	writeConfigFile(t, `{"endpoints": ["http://localhost:9001"], "defaultProjectId": "my-project"}`)

	cfg := DefaultConfig()
	require.NoError(t, cfg.Load())
	require.Equal(t, []string{"http://localhost:9001"}, cfg.Endpoints)
	require.Equal(t, "my-project", cfg.DefaultProjectID)
}
