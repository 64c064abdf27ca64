package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-labs/torii/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	configuration, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", configuration.Server.Address())
	assert.Equal(t, 15*time.Minute, configuration.Server.TaskRetention)
	assert.Equal(t, 100, configuration.Server.MaxFinishedTasks)
	assert.Equal(t, "info", configuration.Log.Level)
	assert.Equal(t, "https://www.toriigateway.com", configuration.Gateway.BaseURL)
	assert.Equal(t, 15*time.Second, configuration.Gateway.Timeout)
	assert.Equal(t, 30*time.Minute, configuration.Scan.CacheTTL)
	assert.Equal(t, 5*time.Minute, configuration.Scan.RateLimitWindow)
	assert.Equal(t, 5, configuration.Scan.MaxConcurrent)
	assert.False(t, configuration.NATS.Enabled)
	assert.Equal(t, "torii.scans", configuration.NATS.SubjectPrefix)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "torii.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server:
  port: 9090
scan:
  cache_ttl: 1h
nats:
  enabled: true
  url: nats://bus:4222
`), 0o600))
	t.Setenv("TORII_SERVER_HOST", "0.0.0.0")
	t.Setenv("TORII_SCAN_RATE_LIMIT_WINDOW", "2m")
	t.Setenv("TORII_LOG_LEVEL", "debug")

	configuration, err := config.Load(viper.New(), configPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", configuration.Server.Address())
	assert.Equal(t, time.Hour, configuration.Scan.CacheTTL)
	assert.Equal(t, 2*time.Minute, configuration.Scan.RateLimitWindow)
	assert.Equal(t, "debug", configuration.Log.Level)
	assert.True(t, configuration.NATS.Enabled)
	assert.Equal(t, "nats://bus:4222", configuration.NATS.URL)
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("TORII_SERVER_PORT", "70000")
	chdir(t, t.TempDir())
	_, err = config.Load(viper.New(), "")
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	previous, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		require.NoError(t, os.Chdir(previous))
	})
}
