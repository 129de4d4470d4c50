package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strivecrm/backend/internal/logging"
	"github.com/strivecrm/backend/internal/sandbox"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, int64(5000), cfg.Sandbox.TimeoutMS)
	assert.Equal(t, int64(128), cfg.Sandbox.MemoryMB)
	assert.Equal(t, int64(50), cfg.Sandbox.MaxAPICalls)
	assert.Equal(t, 1024, cfg.Sandbox.MaxCallStack)
	assert.False(t, cfg.Sandbox.EnforcePermissions)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SANDBOX_TIMEOUT_MS", "1000")
	t.Setenv("SANDBOX_MEMORY_MB", "64")
	t.Setenv("SANDBOX_ENFORCE_PERMISSIONS", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1000), cfg.Sandbox.TimeoutMS)
	assert.Equal(t, int64(64), cfg.Sandbox.MemoryMB)
	assert.True(t, cfg.Sandbox.EnforcePermissions)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset values fall back to struct tag defaults
	assert.Equal(t, int64(50), cfg.Sandbox.MaxAPICalls)
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("SANDBOX_MAX_API_CALLS", "not-a-number")

	cfg := LoadOrDefault()
	assert.Equal(t, int64(50), cfg.Sandbox.MaxAPICalls)
}

func TestConversionBridges(t *testing.T) {
	cfg := Default()

	limits := cfg.Sandbox.Limits()
	assert.Equal(t, sandbox.DefaultTimeout, limits.Timeout)
	assert.Equal(t, int64(sandbox.DefaultMemoryMB), limits.MemoryMB)
	assert.Equal(t, int64(sandbox.DefaultMaxAPICalls), limits.MaxAPICalls)

	opts := cfg.Sandbox.Options(logging.NewNop(), nil)
	assert.Equal(t, sandbox.DefaultCallStack, opts.MaxCallStack)
	assert.Equal(t, sandbox.DefaultHistorySize, opts.HistorySize)
	assert.False(t, opts.EnforcePermissions)

	logCfg := cfg.Logging.Logging()
	assert.Equal(t, "info", logCfg.Level)
	assert.Equal(t, []string{"stdout"}, logCfg.OutputPaths)
}

// The envconfig struct tag defaults and the sandbox constants describe
// the same values; this keeps them from drifting apart.
func TestDefaultsMatchSandbox(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Sandbox, cfg.Sandbox)
}
