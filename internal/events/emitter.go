package events

import (
	"fmt"
	"sync"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/measurement"
)

// Emitter is a typed publish/subscribe registry for one device's pipeline.
//
// Emission is fire-and-forget: observers run synchronously on the emitting
// goroutine, must not block, and a panicking observer is recovered and
// dropped. Emitting with no observers is a no-op.
//
// Thread Safety: All methods are safe for concurrent use.
type Emitter struct {
	deviceID string

	mu                  sync.RWMutex
	onError             []func(ErrorEvent)
	onCommandReport     []func(CommandReport)
	onSlowSent          []func(SlowSentCommand)
	onSlowFulfilled     []func(SlowFulfilledCommand)
	onTimeTrace         []func(TimeTrace)
	onStateChangeReport []func(measurement.StateChangeReport)
}

// NewEmitter creates an emitter that stamps deviceID on every event.
func NewEmitter(deviceID string) *Emitter {
	return &Emitter{deviceID: deviceID}
}

// DeviceID returns the device the emitter belongs to.
func (e *Emitter) DeviceID() string {
	if e == nil {
		return ""
	}
	return e.deviceID
}

// OnError registers an error observer.
func (e *Emitter) OnError(fn func(ErrorEvent)) {
	e.mu.Lock()
	e.onError = append(e.onError, fn)
	e.mu.Unlock()
}

// OnCommandReport registers a command report observer.
func (e *Emitter) OnCommandReport(fn func(CommandReport)) {
	e.mu.Lock()
	e.onCommandReport = append(e.onCommandReport, fn)
	e.mu.Unlock()
}

// OnSlowSentCommand registers a slow-sent observer.
func (e *Emitter) OnSlowSentCommand(fn func(SlowSentCommand)) {
	e.mu.Lock()
	e.onSlowSent = append(e.onSlowSent, fn)
	e.mu.Unlock()
}

// OnSlowFulfilledCommand registers a slow-fulfilled observer.
func (e *Emitter) OnSlowFulfilledCommand(fn func(SlowFulfilledCommand)) {
	e.mu.Lock()
	e.onSlowFulfilled = append(e.onSlowFulfilled, fn)
	e.mu.Unlock()
}

// OnTimeTrace registers a time trace observer.
func (e *Emitter) OnTimeTrace(fn func(TimeTrace)) {
	e.mu.Lock()
	e.onTimeTrace = append(e.onTimeTrace, fn)
	e.mu.Unlock()
}

// OnStateChangeReport registers a state change report observer.
func (e *Emitter) OnStateChangeReport(fn func(measurement.StateChangeReport)) {
	e.mu.Lock()
	e.onStateChangeReport = append(e.onStateChangeReport, fn)
	e.mu.Unlock()
}

// HasCommandReportObservers reports whether building a CommandReport is
// worth the cost.
func (e *Emitter) HasCommandReportObservers() bool {
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.onCommandReport) > 0
}

// Error emits an error event.
func (e *Emitter) Error(context string, err error) {
	if e == nil || err == nil {
		return
	}
	e.mu.RLock()
	observers := e.onError
	e.mu.RUnlock()

	ev := ErrorEvent{DeviceID: e.deviceID, Context: context, Err: err}
	for _, fn := range observers {
		call(fn, ev)
	}
}

// CommandReport emits a command report.
func (e *Emitter) CommandReport(r CommandReport) {
	if e == nil {
		return
	}
	e.mu.RLock()
	observers := e.onCommandReport
	e.mu.RUnlock()

	if r.DeviceID == "" {
		r.DeviceID = e.deviceID
	}
	for _, fn := range observers {
		call(fn, r)
	}
}

// SlowSentCommand emits a slow-sent report.
func (e *Emitter) SlowSentCommand(info SlowSentCommand) {
	if e == nil {
		return
	}
	e.mu.RLock()
	observers := e.onSlowSent
	e.mu.RUnlock()

	if info.DeviceID == "" {
		info.DeviceID = e.deviceID
	}
	for _, fn := range observers {
		call(fn, info)
	}
}

// SlowFulfilledCommand emits a slow-fulfilled report.
func (e *Emitter) SlowFulfilledCommand(info SlowFulfilledCommand) {
	if e == nil {
		return
	}
	e.mu.RLock()
	observers := e.onSlowFulfilled
	e.mu.RUnlock()

	if info.DeviceID == "" {
		info.DeviceID = e.deviceID
	}
	for _, fn := range observers {
		call(fn, info)
	}
}

// TimeTrace emits a time trace span.
func (e *Emitter) TimeTrace(trace TimeTrace) {
	if e == nil {
		return
	}
	e.mu.RLock()
	observers := e.onTimeTrace
	e.mu.RUnlock()

	if trace.DeviceID == "" {
		trace.DeviceID = e.deviceID
	}
	for _, fn := range observers {
		call(fn, trace)
	}
}

// StateChangeReport emits the report of an executed state.
func (e *Emitter) StateChangeReport(r measurement.StateChangeReport) {
	if e == nil {
		return
	}
	e.mu.RLock()
	observers := e.onStateChangeReport
	e.mu.RUnlock()

	if r.DeviceID == "" {
		r.DeviceID = e.deviceID
	}
	for _, fn := range observers {
		call(fn, r)
	}
}

// call invokes one observer, swallowing its panic.
func call[T any](fn func(T), v T) {
	defer func() {
		_ = recover() //nolint:errcheck // observers are fire-and-forget
	}()
	fn(v)
}

// Errorf is a convenience for emitting a formatted error.
func (e *Emitter) Errorf(context string, format string, args ...any) {
	e.Error(context, fmt.Errorf(format, args...))
}
