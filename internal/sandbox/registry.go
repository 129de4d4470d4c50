package sandbox

import (
	"sync"

	"go.uber.org/zap"

	"github.com/strivecrm/backend/internal/logging"
)

// Registry owns the (agentID, sessionID) -> Engine mapping and its
// lifecycle. It is constructed and injected by whatever owns the API
// layer; there is no process-wide singleton. Create and Destroy are
// atomic per sandbox ID.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
	opts    Options
	log     *logging.Logger
	metrics *Metrics
}

// NewRegistry creates an empty registry. Engines it creates inherit
// the given options.
func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		engines: make(map[string]*Engine),
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// SandboxID derives the registry key for an agent session.
func SandboxID(agentID, sessionID string) string {
	return agentID + ":" + sessionID
}

// Create builds an engine for the agent context and registers it. An
// existing entry for the same ID is destroyed first, so no isolate or
// listener leaks across replacement.
func (r *Registry) Create(agentCtx AgentContext) (*Engine, error) {
	sandboxID := SandboxID(agentCtx.AgentID, agentCtx.SessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.engines[sandboxID]; ok {
		r.log.Info("replacing existing sandbox", zap.String("sandbox_id", sandboxID))
		old.Destroy()
		delete(r.engines, sandboxID)
	}

	engine, err := New(agentCtx, r.opts)
	if err != nil {
		r.metrics.SetActive(len(r.engines))
		return nil, err
	}
	r.wire(engine)

	r.engines[sandboxID] = engine
	r.metrics.IncCreated()
	r.metrics.SetActive(len(r.engines))
	r.log.Info("sandbox created",
		zap.String("sandbox_id", sandboxID),
		zap.String("user_id", agentCtx.UserID),
	)
	return engine, nil
}

// wire forwards engine lifecycle events to the registry logger. The
// notification layer attaches its own listeners via Engine.Events.
func (r *Registry) wire(engine *Engine) {
	agentCtx := engine.Context()
	engine.Events().Subscribe(func(ev Event) {
		switch e := ev.(type) {
		case ExecutionCompletedEvent:
			r.log.Info("agent execution completed",
				zap.String("agent_id", e.AgentID),
				zap.String("execution_id", e.ExecutionID),
				zap.Int64("execution_time_ms", e.ExecutionTimeMS),
			)
		case ExecutionFailedEvent:
			r.log.Error("agent execution failed",
				zap.String("agent_id", e.AgentID),
				zap.String("execution_id", e.ExecutionID),
				zap.String("error", e.Error),
			)
		case APICallEvent:
			r.log.Debug("agent api call",
				zap.String("agent_id", e.AgentID),
				zap.String("endpoint", e.Endpoint),
				zap.String("session_id", agentCtx.SessionID),
			)
		}
	})
}

// Get looks up a live engine. Pure lookup; never creates.
func (r *Registry) Get(agentID, sessionID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	engine, ok := r.engines[SandboxID(agentID, sessionID)]
	return engine, ok
}

// Destroy tears down and removes one entry. Returns whether anything
// was removed; destroying a missing ID is not an error.
func (r *Registry) Destroy(sandboxID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	engine, ok := r.engines[sandboxID]
	if !ok {
		return false
	}
	engine.Destroy()
	delete(r.engines, sandboxID)
	r.metrics.SetActive(len(r.engines))
	r.log.Info("sandbox removed", zap.String("sandbox_id", sandboxID))
	return true
}

// DestroyAll tears down every entry. Called from the host process
// shutdown sequence.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sandboxID, engine := range r.engines {
		engine.Destroy()
		delete(r.engines, sandboxID)
	}
	r.metrics.SetActive(0)
	r.log.Info("all sandboxes destroyed")
}

// ActiveCount returns the number of live sandboxes.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}
