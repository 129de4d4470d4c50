package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// pendingTimer is a host-side timer scheduled by bridged setTimeout.
// Callbacks run on the execute goroutine after the main script; the
// queue is dropped on Destroy so nothing fires into a dead VM.
type pendingTimer struct {
	id     int64
	fireAt time.Time
	fn     goja.Callable
}

// setupGlobals installs the bridged environment. The VM starts with no
// ambient host access; these bridges are the only channel in or out.
func (e *Engine) setupGlobals(vm *goja.Runtime) error {
	// Neutralize module-system escape hatches.
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	console := vm.NewObject()
	if err := console.Set("log", e.makeConsoleFunc("log")); err != nil {
		return err
	}
	if err := console.Set("warn", e.makeConsoleFunc("warn")); err != nil {
		return err
	}
	if err := console.Set("error", e.makeConsoleFunc("error")); err != nil {
		return err
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	api := vm.NewObject()
	if err := api.Set("call", e.makeAPICall(vm)); err != nil {
		return err
	}
	if err := vm.Set("api", api); err != nil {
		return err
	}

	if err := vm.Set("setTimeout", e.makeSetTimeout(vm)); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", e.makeClearTimeout()); err != nil {
		return err
	}

	// Host-side JSON keeps serialization behavior uniform with the rest
	// of the backend.
	jsonObj := vm.NewObject()
	if err := jsonObj.Set("stringify", e.makeJSONStringify(vm)); err != nil {
		return err
	}
	if err := jsonObj.Set("parse", e.makeJSONParse(vm)); err != nil {
		return err
	}
	return vm.Set("JSON", jsonObj)
}

// makeConsoleFunc bridges console.<level> to the structured logger.
// Fire-and-forget: nothing crosses back into the VM.
func (e *Engine) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			if data, err := sonic.Marshal(arg.Export()); err == nil {
				parts = append(parts, string(data))
			} else {
				parts = append(parts, arg.String())
			}
		}
		msg := strings.Join(parts, " ")

		fields := []zap.Field{
			zap.String("source", "vm_console"),
			zap.String("execution_id", e.curExecID.String()),
		}
		switch level {
		case "error":
			e.log.Error(msg, fields...)
		case "warn":
			e.log.Warn(msg, fields...)
		default:
			e.log.Info(msg, fields...)
		}
		return goja.Undefined()
	}
}

// makeAPICall bridges api.call(endpoint, data). The counter increments
// first and the limit check follows, so the crossing call itself counts
// toward APICallsMade. The raised error is catchable by the script.
func (e *Engine) makeAPICall(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		endpoint := call.Argument(0).String()
		var data interface{}
		if len(call.Arguments) > 1 {
			data = call.Arguments[1].Export()
		}

		if e.opts.EnforcePermissions && !e.agentCtx.Allows(endpoint) {
			panic(vm.NewGoError(fmt.Errorf("%w: %s", ErrPermissionDenied, endpoint)))
		}

		count := e.apiCalls.Add(1)
		if max := e.limits().MaxAPICalls; count > max {
			panic(vm.NewGoError(fmt.Errorf("%w: %d calls, limit is %d",
				ErrAPICallLimit, count, max)))
		}

		e.Events().Emit(APICallEvent{
			AgentID:     e.agentCtx.AgentID,
			ExecutionID: e.curExecID.String(),
			Endpoint:    endpoint,
			Data:        data,
			Timestamp:   time.Now(),
		})
		e.metrics.RecordAPICall()

		// Synthesized acknowledgement; the real call is handled by the
		// api-call subscriber outside the sandbox.
		return vm.ToValue(map[string]interface{}{
			"success":  true,
			"endpoint": endpoint,
			"data":     data,
		})
	}
}

// makeSetTimeout bridges setTimeout with a policy check: a delay past
// the execution timeout raises inside the VM instead of scheduling.
func (e *Engine) makeSetTimeout(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		if limit := e.limits().Timeout; delay > limit {
			panic(vm.NewGoError(fmt.Errorf("%w: %v > %v",
				ErrTimerDelayTooLong, delay, limit)))
		}

		e.mu.Lock()
		e.timerSeq++
		timerID := e.timerSeq
		e.timers = append(e.timers, pendingTimer{
			id:     timerID,
			fireAt: time.Now().Add(delay),
			fn:     fn,
		})
		e.mu.Unlock()

		return vm.ToValue(timerID)
	}
}

// makeClearTimeout cancels a pending timer by ID. Unknown IDs are
// ignored, matching host setTimeout semantics.
func (e *Engine) makeClearTimeout() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		timerID := call.Argument(0).ToInteger()

		e.mu.Lock()
		for i, t := range e.timers {
			if t.id == timerID {
				e.timers = append(e.timers[:i], e.timers[i+1:]...)
				break
			}
		}
		e.mu.Unlock()

		return goja.Undefined()
	}
}

func (e *Engine) makeJSONStringify(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0)
		if goja.IsUndefined(v) {
			return goja.Undefined()
		}
		data, err := sonic.Marshal(v.Export())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("stringify failed: %w", err)))
		}
		return vm.ToValue(string(data))
	}
}

func (e *Engine) makeJSONParse(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var out interface{}
		if err := sonic.Unmarshal([]byte(call.Argument(0).String()), &out); err != nil {
			panic(vm.NewGoError(fmt.Errorf("parse failed: %w", err)))
		}
		return vm.ToValue(out)
	}
}

// drainTimers runs queued callbacks on the execute goroutine, in fire
// order, until the queue is empty. The watchdog stays armed while this
// runs, so the wall-clock timeout still applies; destroy aborts waits.
func (e *Engine) drainTimers(destroyCh chan struct{}) error {
	for {
		e.mu.Lock()
		if e.vm == nil {
			e.mu.Unlock()
			return errSandboxDestroyed
		}
		if len(e.timers) == 0 {
			e.mu.Unlock()
			return nil
		}
		next := 0
		for i, t := range e.timers {
			if t.fireAt.Before(e.timers[next].fireAt) {
				next = i
			}
		}
		timer := e.timers[next]
		e.timers = append(e.timers[:next], e.timers[next+1:]...)
		e.mu.Unlock()

		if wait := time.Until(timer.fireAt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-destroyCh:
				return errSandboxDestroyed
			}
		}

		if _, err := timer.fn(goja.Undefined()); err != nil {
			return err
		}
	}
}

// clearTimers drops any callbacks still queued when Execute finishes.
func (e *Engine) clearTimers() {
	e.mu.Lock()
	e.timers = nil
	e.mu.Unlock()
}
