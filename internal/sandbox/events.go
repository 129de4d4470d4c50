package sandbox

import (
	"sync"
	"time"
)

// EventKind discriminates sandbox lifecycle events.
type EventKind string

const (
	EventAPICall            EventKind = "api-call"
	EventExecutionCompleted EventKind = "execution-completed"
	EventExecutionFailed    EventKind = "execution-failed"
)

// Event is implemented by all sandbox event payloads.
type Event interface {
	Kind() EventKind
}

// APICallEvent fires whenever bridged script code invokes api.call.
type APICallEvent struct {
	AgentID     string      `json:"agent_id"`
	ExecutionID string      `json:"execution_id"`
	Endpoint    string      `json:"endpoint"`
	Data        interface{} `json:"data,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (APICallEvent) Kind() EventKind { return EventAPICall }

// ExecutionCompletedEvent fires after a successful execution.
type ExecutionCompletedEvent struct {
	AgentID         string `json:"agent_id"`
	ExecutionID     string `json:"execution_id"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	Success         bool   `json:"success"`
}

func (ExecutionCompletedEvent) Kind() EventKind { return EventExecutionCompleted }

// ExecutionFailedEvent fires after a failed execution, including
// timeouts and bridge policy violations.
type ExecutionFailedEvent struct {
	AgentID         string `json:"agent_id"`
	ExecutionID     string `json:"execution_id"`
	Error           string `json:"error"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

func (ExecutionFailedEvent) Kind() EventKind { return EventExecutionFailed }

// Emitter is a typed callback registry. The notification layer
// subscribes here without coupling to any emitter implementation.
// Emission order is "after the bridge call that raised the event",
// nothing stronger.
type Emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]func(Event))}
}

// Subscribe registers a listener and returns its unsubscribe func.
func (e *Emitter) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	idx := e.nextID
	e.nextID++
	e.subs[idx] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, idx)
		e.mu.Unlock()
	}
}

// Emit delivers an event to all listeners synchronously.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// RemoveAll detaches every listener. Called on engine teardown.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	e.subs = make(map[int]func(Event))
	e.mu.Unlock()
}

// Len returns the number of attached listeners.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
