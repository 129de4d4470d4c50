/*
Package sandbox executes untrusted AI agent scripts inside isolated
JavaScript micro-VMs, one per (agent, session), using the goja engine.

# Overview

Each sandbox is an Engine wrapping a single VM with:

  - Wall-clock execution timeout (interrupt-based, never hangs)
  - Per-execution API call budget
  - Call-stack ceiling, heap-usage reporting, and a memory-limit bound
    on the encoded size of execution input and result
  - A bridged-only environment: console, api.call, setTimeout, JSON

The Registry owns the mapping from agent+session to live engines,
guaranteeing at most one sandbox per pair, destroy-before-replace on
collisions, and bulk teardown for process shutdown.

# Bridging Model

The VM starts with no ambient globals. Every host interaction goes
through an explicitly installed bridge function; there is no network,
filesystem, or process access inside the VM:

 1. console.log/warn/error forward JSON-serialized arguments to the
    structured logger, fire-and-forget.
 2. api.call(endpoint, data) counts against the execution's call
    budget, emits an api-call event for the host to handle, and returns
    a synthesized acknowledgement synchronously.
 3. setTimeout schedules on the host; delays past the execution timeout
    raise inside the VM, and pending callbacks are cancelled on
    teardown.
 4. JSON.stringify/parse are host-side, keeping serialization behavior
    uniform with the rest of the backend.

# Result Model

Every Execute call returns a SandboxResult with success flag, value or
message-only error, and resource usage (elapsed time, heap used, API
calls made). Usage is populated on every path, including timeouts.
Raw VM stack traces never cross the boundary.

# Lifecycle

absent -> live -> absent. UpdateResourceLimits always tears the VM down
and recreates it (a VM's memory policy is fixed at creation); it takes
the same single-flight guard as Execute, so a running script never
observes the swap. Listeners attached to the old generation are
dropped. Destroy is idempotent.

# Usage Example

	registry := sandbox.NewRegistry(sandbox.Options{Logger: log})
	defer registry.DestroyAll()

	engine, err := registry.Create(sandbox.AgentContext{
		AgentID:   "agent-1",
		SessionID: "sess-1",
		Limits:    sandbox.ResourceLimits{Timeout: time.Second, MaxAPICalls: 10},
	})
	if err != nil {
		return err
	}

	result, err := engine.Execute(ctx, "return input.x + 1", map[string]any{"x": 41})

# Integration

The REST layer calls Execute in-process; the real-time notification
layer subscribes to engine events; metrics are exported via Prometheus.
*/
package sandbox
