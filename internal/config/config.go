package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/strivecrm/backend/internal/logging"
	"github.com/strivecrm/backend/internal/sandbox"
)

// Config holds all sandbox subsystem configuration.
type Config struct {
	Sandbox SandboxConfig
	Logging LogConfig
}

// SandboxConfig holds defaults and hard caps for agent execution sandboxes.
// Per-agent resource limits arrive with the AgentContext; these values fill
// in whatever the caller leaves unset. The struct tag defaults mirror the
// sandbox package constants; TestDefaultsMatchSandbox keeps them in sync.
type SandboxConfig struct {
	TimeoutMS          int64 `envconfig:"SANDBOX_TIMEOUT_MS" default:"5000"`
	MemoryMB           int64 `envconfig:"SANDBOX_MEMORY_MB" default:"128"`
	MaxAPICalls        int64 `envconfig:"SANDBOX_MAX_API_CALLS" default:"50"`
	MaxCallStack       int   `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024"`
	EnforcePermissions bool  `envconfig:"SANDBOX_ENFORCE_PERMISSIONS" default:"false"`
	HistorySize        int   `envconfig:"SANDBOX_HISTORY_SIZE" default:"64"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Options converts the sandbox settings into engine options. The
// logger and metrics are supplied by the startup path because they
// carry process-level state.
func (c SandboxConfig) Options(log *logging.Logger, metrics *sandbox.Metrics) sandbox.Options {
	return sandbox.Options{
		Logger:             log,
		Metrics:            metrics,
		MaxCallStack:       c.MaxCallStack,
		EnforcePermissions: c.EnforcePermissions,
		HistorySize:        c.HistorySize,
	}
}

// Limits converts the configured session defaults into resource limits.
func (c SandboxConfig) Limits() sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		Timeout:     time.Duration(c.TimeoutMS) * time.Millisecond,
		MemoryMB:    c.MemoryMB,
		MaxAPICalls: c.MaxAPICalls,
	}
}

// Logging converts the log settings into a logger configuration.
func (c LogConfig) Logging() logging.Config {
	return logging.Config{
		Level:       c.Level,
		Development: c.Development,
		OutputPaths: []string{"stdout"},
	}
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			TimeoutMS:          sandbox.DefaultTimeout.Milliseconds(),
			MemoryMB:           sandbox.DefaultMemoryMB,
			MaxAPICalls:        sandbox.DefaultMaxAPICalls,
			MaxCallStack:       sandbox.DefaultCallStack,
			EnforcePermissions: false,
			HistorySize:        sandbox.DefaultHistorySize,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
