package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default resource limits applied when an AgentContext leaves them unset.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMemoryMB    = 128
	DefaultMaxAPICalls = 50
	DefaultCallStack   = 1024
	DefaultHistorySize = 64
)

// Engine-level errors. These are the only errors Execute returns as Go
// errors; everything that happens inside the VM comes back as a failed
// SandboxResult instead.
var (
	ErrNotInitialized    = errors.New("sandbox not initialized")
	ErrExecutionInFlight = errors.New("execution already in progress")
	ErrInvalidLimits     = errors.New("invalid resource limits")
)

// Policy errors raised inside the VM by bridge functions. Scripts can
// catch them; uncaught they surface as a failed SandboxResult.
var (
	ErrAPICallLimit      = errors.New("api call limit exceeded")
	ErrTimerDelayTooLong = errors.New("timer delay exceeds execution timeout")
	ErrPermissionDenied  = errors.New("permission denied")
)

var errSandboxDestroyed = errors.New("sandbox destroyed")

// ErrPayloadTooLarge marks an execution input or result whose encoded
// form exceeds the session memory limit. It only ever appears inside a
// failed SandboxResult, not as a Go error.
var ErrPayloadTooLarge = errors.New("payload exceeds memory limit")

// Permission declares access to one host resource. Matching is by
// resource name with a prefix rule: "crm" covers "crm.leads.list".
// Scope is carried for the API layer; the bridge does not interpret it.
type Permission struct {
	Resource string `json:"resource"`
	Scope    string `json:"scope,omitempty"`
}

// ResourceLimits bounds one execution session. The VM has no per-heap
// ceiling, so MemoryMB is enforced structurally: the JSON-encoded
// input and result of an execution may not exceed MemoryMB megabytes,
// and reported usage is a process-level heap delta.
type ResourceLimits struct {
	Timeout     time.Duration `json:"timeout_ms"`
	MemoryMB    int64         `json:"memory_mb"`
	MaxAPICalls int64         `json:"max_api_calls"`
}

// LimitsPatch is a partial update to ResourceLimits. Nil fields keep
// their current value.
type LimitsPatch struct {
	Timeout     *time.Duration `json:"timeout_ms,omitempty"`
	MemoryMB    *int64         `json:"memory_mb,omitempty"`
	MaxAPICalls *int64         `json:"max_api_calls,omitempty"`
}

// Normalize fills unset fields with defaults.
func (l ResourceLimits) Normalize() ResourceLimits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = DefaultMemoryMB
	}
	if l.MaxAPICalls <= 0 {
		l.MaxAPICalls = DefaultMaxAPICalls
	}
	return l
}

// Merge applies a patch and validates the result. Negative values are
// rejected at the boundary rather than trusted.
func (l ResourceLimits) Merge(patch LimitsPatch) (ResourceLimits, error) {
	merged := l
	if patch.Timeout != nil {
		if *patch.Timeout < 0 {
			return l, fmt.Errorf("%w: negative timeout", ErrInvalidLimits)
		}
		merged.Timeout = *patch.Timeout
	}
	if patch.MemoryMB != nil {
		if *patch.MemoryMB < 0 {
			return l, fmt.Errorf("%w: negative memory", ErrInvalidLimits)
		}
		merged.MemoryMB = *patch.MemoryMB
	}
	if patch.MaxAPICalls != nil {
		if *patch.MaxAPICalls < 0 {
			return l, fmt.Errorf("%w: negative max api calls", ErrInvalidLimits)
		}
		merged.MaxAPICalls = *patch.MaxAPICalls
	}
	return merged.Normalize(), nil
}

// AgentContext bundles the identity, permissions, and resource policy
// for one agent execution session. (AgentID, SessionID) is the
// uniqueness key for a live sandbox.
type AgentContext struct {
	UserID      string         `json:"user_id"`
	AgentID     string         `json:"agent_id"`
	SessionID   string         `json:"session_id"`
	Permissions []Permission   `json:"permissions,omitempty"`
	Limits      ResourceLimits `json:"resource_limits"`
}

// Allows reports whether the context grants access to an endpoint.
// A "*" resource grants everything.
func (c AgentContext) Allows(endpoint string) bool {
	for _, p := range c.Permissions {
		if p.Resource == "*" || p.Resource == endpoint {
			return true
		}
		if strings.HasPrefix(endpoint, p.Resource+".") {
			return true
		}
	}
	return false
}

// clone returns a copy with its own permissions slice, so callers
// cannot mutate engine state through it.
func (c AgentContext) clone() AgentContext {
	out := c
	out.Permissions = append([]Permission(nil), c.Permissions...)
	return out
}

// ResourceUsage reports what one execution consumed. Populated on every
// path, including failures and timeouts.
type ResourceUsage struct {
	ExecutionTimeMS int64   `json:"execution_time_ms"`
	MemoryUsedMB    float64 `json:"memory_used_mb"`
	APICallsMade    int64   `json:"api_calls_made"`
}

// SandboxResult is the uniform outcome of one Execute call. Callers
// never see raw VM internals, only a message string on failure.
type SandboxResult struct {
	Success bool          `json:"success"`
	Result  interface{}   `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
	Usage   ResourceUsage `json:"resource_usage"`
}

// ExecutionRecord is one entry in an engine's execution history.
type ExecutionRecord struct {
	ExecutionID string        `json:"execution_id"`
	StartedAt   time.Time     `json:"started_at"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Usage       ResourceUsage `json:"resource_usage"`
}
