package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/strivecrm/backend/internal/logging"
)

// The counter increments before the limit check, so the crossing call
// itself counts: with a limit of 2, the third call trips and
// APICallsMade reports 3.
func TestAPICallBudgetExceeded(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{MaxAPICalls: 2})

	result, err := engine.Execute(context.Background(), `
		api.call('foo', {});
		api.call('foo', {});
		api.call('foo', {});
		return 'unreachable';
	`, nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "api call limit exceeded")
	assert.Equal(t, int64(3), result.Usage.APICallsMade)
}

func TestAPICallBudgetErrorIsCatchable(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{MaxAPICalls: 1})

	result, err := engine.Execute(context.Background(), `
		api.call('foo', {});
		try {
			api.call('foo', {});
		} catch (e) {
			return 'caught: ' + e.message;
		}
		return 'not caught';
	`, nil)
	require.NoError(t, err)

	require.True(t, result.Success, "error: %s", result.Error)
	assert.Contains(t, result.Result, "caught: ")
	assert.Contains(t, result.Result, "api call limit exceeded")
}

func TestAPICallEmitsEvent(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{MaxAPICalls: 10})

	var events []APICallEvent
	engine.Events().Subscribe(func(ev Event) {
		if e, ok := ev.(APICallEvent); ok {
			events = append(events, e)
		}
	})

	result, err := engine.Execute(context.Background(),
		"var ack = api.call('crm.leads.list', {limit: 5}); return ack.success", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, true, result.Result, "the script sees a synchronous acknowledgement")

	require.Len(t, events, 1)
	assert.Equal(t, "agent-1", events[0].AgentID)
	assert.Equal(t, "crm.leads.list", events[0].Endpoint)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestAPICallAcknowledgement(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{MaxAPICalls: 10})

	result, err := engine.Execute(context.Background(),
		"var ack = api.call('foo', {a: 1}); return ack.endpoint", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "foo", result.Result)
}

func TestPermissionGating(t *testing.T) {
	ctx := testContext("agent-1", "sess-1", ResourceLimits{MaxAPICalls: 10})
	ctx.Permissions = []Permission{{Resource: "crm", Scope: "read"}}

	engine, err := New(ctx, Options{EnforcePermissions: true})
	require.NoError(t, err)
	defer engine.Destroy()

	result, err := engine.Execute(context.Background(),
		"api.call('crm.leads.list', {}); return 'ok'", nil)
	require.NoError(t, err)
	assert.True(t, result.Success, "error: %s", result.Error)

	result, err = engine.Execute(context.Background(),
		"api.call('admin.users.delete', {}); return 'ok'", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "permission denied")
	assert.Equal(t, int64(0), result.Usage.APICallsMade, "denied calls are not counted")
}

func TestPermissionsAdvisoryByDefault(t *testing.T) {
	ctx := testContext("agent-1", "sess-1", ResourceLimits{MaxAPICalls: 10})
	ctx.Permissions = []Permission{{Resource: "crm"}}

	engine, err := New(ctx, Options{})
	require.NoError(t, err)
	defer engine.Destroy()

	result, err := engine.Execute(context.Background(),
		"api.call('anything.goes', {}); return 'ok'", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestSetTimeoutDelayExceedsBudget(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{Timeout: time.Second})

	result, err := engine.Execute(context.Background(),
		"setTimeout(function() {}, 999999); return 'ok'", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timer delay exceeds execution timeout")

	// And it is catchable inside the script.
	result, err = engine.Execute(context.Background(), `
		try {
			setTimeout(function() {}, 999999);
		} catch (e) {
			return 'caught';
		}
		return 'not caught';
	`, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "caught", result.Result)
}

func TestSetTimeoutCallbackRuns(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{Timeout: 2 * time.Second, MaxAPICalls: 10})

	var events []APICallEvent
	engine.Events().Subscribe(func(ev Event) {
		if e, ok := ev.(APICallEvent); ok {
			events = append(events, e)
		}
	})

	result, err := engine.Execute(context.Background(),
		"setTimeout(function() { api.call('tick', {}); }, 20); return 'scheduled'", nil)
	require.NoError(t, err)
	require.True(t, result.Success, "error: %s", result.Error)

	assert.Equal(t, int64(1), result.Usage.APICallsMade, "callback ran before Execute returned")
	require.Len(t, events, 1)
	assert.Equal(t, "tick", events[0].Endpoint)
}

func TestClearTimeoutCancelsCallback(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{Timeout: 2 * time.Second, MaxAPICalls: 10})

	result, err := engine.Execute(context.Background(), `
		var id = setTimeout(function() { api.call('tick', {}); }, 50);
		clearTimeout(id);
		return 'ok';
	`, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, int64(0), result.Usage.APICallsMade)
}

func TestSetTimeoutRequiresFunction(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{})

	result, err := engine.Execute(context.Background(), "setTimeout('nope', 10)", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "callback must be a function")
}

func TestJSONBridgeRoundTrip(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{})

	result, err := engine.Execute(context.Background(),
		"return JSON.parse(JSON.stringify({a: 1, b: [1, 2]})).b[1]", nil)
	require.NoError(t, err)
	require.True(t, result.Success, "error: %s", result.Error)
	assert.EqualValues(t, 2, result.Result)
}

func TestJSONParseError(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{})

	result, err := engine.Execute(context.Background(), `
		try {
			JSON.parse('{not json');
		} catch (e) {
			return 'caught';
		}
		return 'not caught';
	`, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "caught", result.Result)
}

func TestConsoleForwardsToLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := logging.Wrap(zap.New(core))

	engine, err := New(testContext("agent-1", "sess-1", ResourceLimits{}), Options{Logger: logger})
	require.NoError(t, err)
	defer engine.Destroy()

	result, err := engine.Execute(context.Background(), `
		console.log('hello', {a: 1});
		console.warn('careful');
		console.error('broken');
		return 'done';
	`, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	infoLogs := logs.FilterMessageSnippet("hello").All()
	require.Len(t, infoLogs, 1)
	assert.Equal(t, zap.InfoLevel, infoLogs[0].Level)
	assert.Contains(t, infoLogs[0].Message, `{"a":1}`)
	assert.Equal(t, "agent-1", infoLogs[0].ContextMap()["agent_id"])

	assert.Len(t, logs.FilterMessageSnippet("careful").All(), 1)
	assert.Len(t, logs.FilterMessageSnippet("broken").All(), 1)
}

func TestDangerousGlobalsNeutralized(t *testing.T) {
	engine := newTestEngine(t, ResourceLimits{})

	for _, script := range []string{
		"return typeof require",
		"return typeof process",
		"return typeof module",
	} {
		result, err := engine.Execute(context.Background(), script, nil)
		require.NoError(t, err)
		require.True(t, result.Success)
		assert.Equal(t, "undefined", result.Result)
	}
}
