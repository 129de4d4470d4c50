package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strivecrm/backend/internal/config"
	"github.com/strivecrm/backend/internal/sandbox"
)

func agentCtx(agentID, sessionID string) sandbox.AgentContext {
	return sandbox.AgentContext{
		UserID:    "user-1",
		AgentID:   agentID,
		SessionID: sessionID,
	}
}

func TestNewWiresEnvKnobsIntoRegistry(t *testing.T) {
	t.Setenv("SANDBOX_TIMEOUT_MS", "1500")
	t.Setenv("SANDBOX_MEMORY_MB", "64")
	t.Setenv("SANDBOX_MAX_API_CALLS", "3")
	t.Setenv("SANDBOX_ENFORCE_PERMISSIONS", "true")
	t.Setenv("SANDBOX_HISTORY_SIZE", "2")
	t.Setenv("LOG_LEVEL", "error")

	a, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Shutdown()

	engine, err := a.CreateSandbox(agentCtx("agent-1", "sess-1"))
	require.NoError(t, err)

	limits := engine.Context().Limits
	assert.Equal(t, 1500*time.Millisecond, limits.Timeout)
	assert.Equal(t, int64(64), limits.MemoryMB)
	assert.Equal(t, int64(3), limits.MaxAPICalls)

	// Enforcement comes from the environment, not the caller.
	result, err := engine.Execute(context.Background(),
		"try { api.call('crm.leads.list', {}); return 'allowed' } catch (e) { return e.message }", nil)
	require.NoError(t, err)
	require.True(t, result.Success, "error: %s", result.Error)
	assert.Contains(t, result.Result, "permission denied")

	// History keeps only the configured number of records.
	for i := 0; i < 3; i++ {
		_, err := engine.Execute(context.Background(), "return 1", nil)
		require.NoError(t, err)
	}
	assert.Len(t, engine.History().Recent(0), 2)
}

func TestCreateSandboxKeepsCallerLimits(t *testing.T) {
	a, err := NewWithConfig(config.Default(), nil)
	require.NoError(t, err)
	defer a.Shutdown()

	ctx := agentCtx("agent-1", "sess-1")
	ctx.Limits = sandbox.ResourceLimits{Timeout: 250 * time.Millisecond}
	engine, err := a.CreateSandbox(ctx)
	require.NoError(t, err)

	limits := engine.Context().Limits
	assert.Equal(t, 250*time.Millisecond, limits.Timeout, "caller-provided limits win")
	assert.Equal(t, int64(sandbox.DefaultMemoryMB), limits.MemoryMB, "unset limits fall back to config")
}

func TestShutdownDestroysAll(t *testing.T) {
	a, err := NewWithConfig(config.Default(), nil)
	require.NoError(t, err)

	_, err = a.CreateSandbox(agentCtx("agent-1", "sess-1"))
	require.NoError(t, err)
	_, err = a.CreateSandbox(agentCtx("agent-2", "sess-1"))
	require.NoError(t, err)
	require.Equal(t, 2, a.Registry.ActiveCount())

	a.Shutdown()
	assert.Equal(t, 0, a.Registry.ActiveCount())
}
