// Package app assembles the sandbox subsystem from environment
// configuration. The host backend embeds this instead of wiring the
// logger, metrics, and registry by hand; it is the single place where
// the env knobs reach the running components.
package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/strivecrm/backend/internal/config"
	"github.com/strivecrm/backend/internal/logging"
	"github.com/strivecrm/backend/internal/sandbox"
)

// App holds the wired sandbox subsystem.
type App struct {
	Config   *config.Config
	Log      *logging.Logger
	Registry *sandbox.Registry
}

// New loads configuration from the environment and wires the sandbox
// registry with it. reg receives the sandbox metrics; a nil registerer
// disables metrics.
func New(reg prometheus.Registerer) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, reg)
}

// NewWithConfig wires the subsystem from an explicit configuration.
func NewWithConfig(cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	log, err := logging.New(cfg.Logging.Logging())
	if err != nil {
		return nil, err
	}

	var metrics *sandbox.Metrics
	if reg != nil {
		metrics = sandbox.NewMetrics(reg)
	}

	registry := sandbox.NewRegistry(cfg.Sandbox.Options(log, metrics))
	return &App{Config: cfg, Log: log, Registry: registry}, nil
}

// CreateSandbox registers an engine for the agent context, filling
// unset resource limits from the configured session defaults.
func (a *App) CreateSandbox(agentCtx sandbox.AgentContext) (*sandbox.Engine, error) {
	defaults := a.Config.Sandbox.Limits()
	if agentCtx.Limits.Timeout <= 0 {
		agentCtx.Limits.Timeout = defaults.Timeout
	}
	if agentCtx.Limits.MemoryMB <= 0 {
		agentCtx.Limits.MemoryMB = defaults.MemoryMB
	}
	if agentCtx.Limits.MaxAPICalls <= 0 {
		agentCtx.Limits.MaxAPICalls = defaults.MaxAPICalls
	}
	return a.Registry.Create(agentCtx)
}

// Shutdown tears down every live sandbox and flushes the logger.
func (a *App) Shutdown() {
	a.Registry.DestroyAll()
	_ = a.Log.Sync()
}
