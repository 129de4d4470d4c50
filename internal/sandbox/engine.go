package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strivecrm/backend/internal/logging"
	"github.com/strivecrm/backend/internal/shared/id"
)

// Interrupt reasons surfaced to the script as execution errors.
const (
	interruptTimeout   = "execution timeout exceeded"
	interruptCancelled = "context cancelled"
	interruptDestroyed = "sandbox destroyed"
)

// scriptName labels compiled agent scripts in VM errors.
const scriptName = "agent_script"

// Options configures engine construction. Zero value is usable.
type Options struct {
	Logger             *logging.Logger
	Metrics            *Metrics
	MaxCallStack       int
	EnforcePermissions bool
	HistorySize        int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.MaxCallStack <= 0 {
		o.MaxCallStack = DefaultCallStack
	}
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
	return o
}

// Engine wraps exactly one goja VM bound to one agent session. All host
// interaction from script code goes through the bridges installed at
// init; nothing else is reachable from inside the VM.
type Engine struct {
	agentCtx AgentContext
	opts     Options
	log      *logging.Logger
	metrics  *Metrics
	history  *History

	mu         sync.Mutex // guards vm, events, destroyCh, timers, instanceID
	vm         *goja.Runtime
	events     *Emitter
	destroyCh  chan struct{}
	timers     []pendingTimer
	timerSeq   int64
	instanceID string

	executing atomic.Bool
	apiCalls  atomic.Int64

	// Set at the top of Execute while the single-flight guard is held;
	// bridges read it on the execute goroutine.
	curExecID id.ExecutionID
}

// New creates an engine for the given agent context. Limits are
// normalized and validated; any VM setup failure is fatal for the
// instance.
func New(agentCtx AgentContext, opts Options) (*Engine, error) {
	if agentCtx.AgentID == "" || agentCtx.SessionID == "" {
		return nil, fmt.Errorf("%w: agent and session IDs are required", ErrInvalidLimits)
	}
	agentCtx.Limits = agentCtx.Limits.Normalize()
	opts = opts.withDefaults()

	e := &Engine{
		agentCtx: agentCtx.clone(),
		opts:     opts,
		log:      opts.Logger.ForAgent(agentCtx.AgentID, agentCtx.SessionID),
		metrics:  opts.Metrics,
		history:  NewHistory(opts.HistorySize),
	}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

// init builds a fresh VM, emitter, and timer state. Called from New and
// after UpdateResourceLimits. The VM is published only after every
// bridge is installed, so no caller can observe a half-built sandbox.
// Listeners from a previous generation are not carried over.
func (e *Engine) init() error {
	vm := goja.New()
	vm.SetMaxCallStackSize(e.opts.MaxCallStack)

	if err := e.setupGlobals(vm); err != nil {
		return fmt.Errorf("sandbox initialization failed: %w", err)
	}

	instanceID := uuid.New().String()
	e.mu.Lock()
	e.vm = vm
	e.events = NewEmitter()
	e.destroyCh = make(chan struct{})
	e.timers = nil
	e.instanceID = instanceID
	limits := e.agentCtx.Limits
	e.mu.Unlock()

	e.log.Info("sandbox initialized",
		zap.String("instance_id", instanceID),
		zap.Int64("memory_mb", limits.MemoryMB),
		zap.Duration("timeout", limits.Timeout),
	)
	return nil
}

// Execute compiles and runs code inside the VM with the configured
// wall-clock timeout. input is injected as the VM global "input" after
// a JSON round trip, so the script only ever sees a value copy.
//
// Precondition violations (uninitialized engine, concurrent call) come
// back as Go errors; every other failure is a SandboxResult with
// Success=false and resource usage still populated.
func (e *Engine) Execute(ctx context.Context, code string, input interface{}) (*SandboxResult, error) {
	if !e.executing.CompareAndSwap(false, true) {
		return nil, ErrExecutionInFlight
	}
	defer e.executing.Store(false)

	e.mu.Lock()
	vm := e.vm
	destroyCh := e.destroyCh
	e.mu.Unlock()
	if vm == nil {
		return nil, ErrNotInitialized
	}
	vm.ClearInterrupt()

	e.curExecID = id.NewExecutionID()
	e.apiCalls.Store(0)
	start := time.Now()
	heapBefore := heapAllocMB()
	limits := e.limits()

	maxBytes := limits.MemoryMB << 20
	copied, err := valueCopy(input, maxBytes)
	if err != nil {
		return e.fail(start, heapBefore, fmt.Sprintf("input rejected: %v", err)), nil
	}
	if err := vm.Set("input", copied); err != nil {
		return e.fail(start, heapBefore, fmt.Sprintf("input injection failed: %v", err)), nil
	}

	prg, err := goja.Compile(scriptName, wrapScript(code), false)
	if err != nil {
		return e.fail(start, heapBefore, normalizeError(err)), nil
	}

	// Interrupt watchdog: stays armed through timer drain so a late
	// callback cannot outrun the wall-clock budget.
	done := make(chan struct{})
	watchdog := time.NewTimer(limits.Timeout)
	go func() {
		select {
		case <-watchdog.C:
			vm.Interrupt(interruptTimeout)
		case <-ctx.Done():
			vm.Interrupt(interruptCancelled)
		case <-destroyCh:
			vm.Interrupt(interruptDestroyed)
		case <-done:
		}
	}()

	val, runErr := vm.RunProgram(prg)
	if runErr == nil {
		runErr = e.drainTimers(destroyCh)
	}
	close(done)
	watchdog.Stop()
	e.clearTimers()
	if !e.destroyed() {
		vm.ClearInterrupt()
	}

	if runErr != nil {
		return e.fail(start, heapBefore, normalizeError(runErr)), nil
	}

	result, err := exportValue(val, maxBytes)
	if err != nil {
		return e.fail(start, heapBefore, fmt.Sprintf("result rejected: %v", err)), nil
	}
	usage := e.usage(start, heapBefore)

	e.Events().Emit(ExecutionCompletedEvent{
		AgentID:         e.agentCtx.AgentID,
		ExecutionID:     e.curExecID.String(),
		ExecutionTimeMS: usage.ExecutionTimeMS,
		Success:         true,
	})
	e.metrics.RecordExecution(true, time.Since(start), usage.MemoryUsedMB)
	e.history.Add(ExecutionRecord{
		ExecutionID: e.curExecID.String(),
		StartedAt:   start,
		Success:     true,
		Usage:       usage,
	})
	e.log.Debug("execution completed",
		zap.String("execution_id", e.curExecID.String()),
		zap.Int64("execution_time_ms", usage.ExecutionTimeMS),
	)

	return &SandboxResult{Success: true, Result: result, Usage: usage}, nil
}

// fail builds the uniform failure result. Resource usage is reported
// even on error paths; the memory read is defensive against a VM that
// is already gone.
func (e *Engine) fail(start time.Time, heapBefore float64, msg string) *SandboxResult {
	usage := e.usage(start, heapBefore)

	e.Events().Emit(ExecutionFailedEvent{
		AgentID:         e.agentCtx.AgentID,
		ExecutionID:     e.curExecID.String(),
		Error:           msg,
		ExecutionTimeMS: usage.ExecutionTimeMS,
	})
	e.metrics.RecordExecution(false, time.Since(start), usage.MemoryUsedMB)
	e.history.Add(ExecutionRecord{
		ExecutionID: e.curExecID.String(),
		StartedAt:   start,
		Success:     false,
		Error:       msg,
		Usage:       usage,
	})
	e.log.Warn("execution failed",
		zap.String("execution_id", e.curExecID.String()),
		zap.String("error", msg),
	)

	return &SandboxResult{Success: false, Error: msg, Usage: usage}
}

func (e *Engine) usage(start time.Time, heapBefore float64) ResourceUsage {
	var memMB float64
	if !e.destroyed() {
		if delta := heapAllocMB() - heapBefore; delta > 0 {
			memMB = delta
		}
	}
	return ResourceUsage{
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		MemoryUsedMB:    memMB,
		APICallsMade:    e.apiCalls.Load(),
	}
}

// Destroy tears the VM down: cancels pending timers, drops the VM
// reference, interrupts any in-flight script, and detaches every event
// listener. Idempotent.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.vm == nil {
		e.mu.Unlock()
		return
	}
	vm := e.vm
	e.vm = nil
	e.timers = nil
	close(e.destroyCh)
	events := e.events
	instanceID := e.instanceID
	e.mu.Unlock()

	vm.Interrupt(interruptDestroyed)
	events.RemoveAll()
	e.log.Info("sandbox destroyed", zap.String("instance_id", instanceID))
}

// UpdateResourceLimits merges the patch, then fully recreates the VM.
// There is no in-place adjustment: the memory policy of a VM is fixed
// at creation. Listeners attached to the old generation are dropped.
//
// The update takes the same single-flight guard as Execute, so a
// running script never observes a limits change or a half-built VM;
// callers get ErrExecutionInFlight and retry.
func (e *Engine) UpdateResourceLimits(patch LimitsPatch) error {
	if !e.executing.CompareAndSwap(false, true) {
		return ErrExecutionInFlight
	}
	defer e.executing.Store(false)

	merged, err := e.limits().Merge(patch)
	if err != nil {
		return err
	}

	e.Destroy()
	e.mu.Lock()
	e.agentCtx.Limits = merged
	e.mu.Unlock()

	e.log.Info("resource limits updated, recreating sandbox",
		zap.Duration("timeout", merged.Timeout),
		zap.Int64("memory_mb", merged.MemoryMB),
		zap.Int64("max_api_calls", merged.MaxAPICalls),
	)
	return e.init()
}

// Context returns a copy of the agent context. Mutating it does not
// affect the engine.
func (e *Engine) Context() AgentContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agentCtx.clone()
}

// limits snapshots the current resource limits. Limits are only
// mutated by UpdateResourceLimits, under both mu and the single-flight
// guard.
func (e *Engine) limits() ResourceLimits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agentCtx.Limits
}

// InstanceID identifies the current VM generation; it changes on every
// UpdateResourceLimits.
func (e *Engine) InstanceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instanceID
}

// Events returns the emitter for the current VM generation.
func (e *Engine) Events() *Emitter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// History returns the execution history for this session.
func (e *Engine) History() *History {
	return e.history
}

func (e *Engine) destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm == nil
}

// wrapScript wraps user code in a strict-mode IIFE so top-level return
// works, and normalizes thrown values to a message-only Error. Raw VM
// stack details never cross the boundary.
func wrapScript(code string) string {
	return "(function() {\n\"use strict\";\ntry {\n" + code + "\n} catch (e) {\n" +
		"throw new Error(\"execution error: \" + (e && e.message ? e.message : String(e)));\n" +
		"}\n})();"
}

// valueCopy round-trips a host value through JSON so the VM only ever
// sees a non-referential snapshot. maxBytes bounds the encoded size;
// zero or negative disables the bound.
func valueCopy(v interface{}, maxBytes int64) (interface{}, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes encoded, limit is %d",
			ErrPayloadTooLarge, len(data), maxBytes)
	}
	var out interface{}
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// exportValue copies the VM's return value out to host memory, bounded
// by the session memory limit. Values that are too large fail the
// execution; values that do not survive a JSON round trip are passed
// through as exported.
func exportValue(val goja.Value, maxBytes int64) (interface{}, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	exported := val.Export()
	copied, err := valueCopy(exported, maxBytes)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			return nil, err
		}
		return exported, nil
	}
	return copied, nil
}

// normalizeError maps VM failures to safe message strings.
func normalizeError(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprintf("execution interrupted: %v", interrupted.Value())
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return "call stack size exceeded"
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value().String()
	}
	return err.Error()
}

// heapAllocMB reads the process heap statistic. goja has no per-VM heap
// accounting, so per-execution memory is a process-level delta.
func heapAllocMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1024 * 1024)
}
