// Package config loads sandbox subsystem configuration from environment
// variables with sane defaults.
//
// Per-agent resource limits (timeout, memory ceiling, API call budget)
// arrive at runtime with each AgentContext; this package only supplies
// process-wide defaults and operational knobs (call-stack ceiling,
// permission enforcement, history depth, log level).
package config
