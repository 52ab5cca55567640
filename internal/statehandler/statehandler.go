package statehandler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/clock"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/device"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/history"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/measurement"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/timeline"
)

// DefaultTickInterval is the clock period used when none is configured.
const DefaultTickInterval = 20 * time.Millisecond

// Error contexts attached to emitted error events.
const (
	ContextDiff  = "statehandler: diff"
	ContextSend  = "statehandler: send"
	ContextClock = "statehandler: clock"
)

// Logger defines the logging interface used by the StateHandler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TimeSource returns the current time or fails transiently.
type TimeSource func() (time.Time, error)

// Options configures a StateHandler. The zero value is usable.
type Options[S any] struct {
	// Clock drives the tick loop and timers. Defaults to the wall clock.
	Clock clock.Clock

	// TimeSource is consulted on every tick. Defaults to Clock.Now.
	TimeSource TimeSource

	Logger  Logger
	Emitter *events.Emitter

	ExecutionMode device.ExecutionMode

	// TickInterval defaults to DefaultTickInterval.
	TickInterval time.Duration

	// History, when set, records every executed state.
	History *history.StateHistory[S]

	// DeviceType is reported in Status.
	DeviceType string
}

// timedState is a converted state waiting in the queue.
type timedState[S, C any] struct {
	time     time.Time
	state    S
	mappings timeline.Mappings
	added    time.Time

	// Cached diff, valid while the handler's generation equals diffedGen.
	diffed    bool
	diffedGen uint64
	commands  []device.CommandWithContext[C]
}

// sendJob is one transition's command list on the sequential send worker.
type sendJob[C any] struct {
	commands []device.CommandWithContext[C]
	send     func(i int, cmd device.CommandWithContext[C])
}

// StateHandler runs the convert, queue, diff and send pipeline for one
// device.
//
// Thread Safety: All methods are safe for concurrent use.
type StateHandler[S, C any] struct {
	deviceID   string
	deviceType string
	adapter    device.Adapter[S, C]
	clock      clock.Clock
	timeSource TimeSource
	logger     Logger
	emitter    *events.Emitter
	mode       device.ExecutionMode
	tick       time.Duration
	history    *history.StateHistory[S]

	mu           sync.Mutex
	queue        []*timedState[S, C] // ordered by time
	current      *S
	generation   uint64 // bumped whenever current changes
	executing    bool
	terminated   bool
	lastExecuted time.Time
	timer        *clock.Timer
	timerFor     *timedState[S, C]

	sendMu      sync.Mutex
	sendJobs    []sendJob[C]
	sendRunning bool

	ctx      context.Context
	cancel   context.CancelFunc
	ticker   *clock.Ticker
	done     chan struct{}
	loopDone chan struct{}
}

// New creates a StateHandler and starts its clock.
//
// Parameters:
//   - deviceID: Identifier stamped on logs, measurements and events
//   - adapter: The protocol driver
//   - opts: Clock, logging, events, execution mode and optional history
//
// Returns:
//   - *StateHandler: Running handler; call Terminate to stop it
func New[S, C any](deviceID string, adapter device.Adapter[S, C], opts Options[S]) *StateHandler[S, C] {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TimeSource == nil {
		c := opts.Clock
		opts.TimeSource = func() (time.Time, error) { return c.Now(), nil }
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &StateHandler[S, C]{
		deviceID:   deviceID,
		deviceType: opts.DeviceType,
		adapter:    adapter,
		clock:      opts.Clock,
		timeSource: opts.TimeSource,
		logger:     opts.Logger,
		emitter:    opts.Emitter,
		mode:       opts.ExecutionMode,
		tick:       opts.TickInterval,
		history:    opts.History,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	h.ticker = h.clock.Ticker(h.tick)
	go h.loop()
	return h
}

// ID returns the device identifier.
func (h *StateHandler[S, C]) ID() string {
	return h.deviceID
}

// PruneHistory drops recorded states older than the one in effect at
// before. It returns 0 when the handler keeps no history.
func (h *StateHandler[S, C]) PruneHistory(before time.Time) int {
	if h.history == nil {
		return 0
	}
	return h.history.PurgeBefore(before)
}

// HandleState converts state and queues it, discarding every queued state
// at or after its time. A queued state with the same time is replaced.
//
// Returns:
//   - error: ErrTerminated, or ErrConversionFailed wrapping the adapter error
func (h *StateHandler[S, C]) HandleState(state timeline.State, mappings timeline.Mappings) error {
	h.mu.Lock()
	terminated := h.terminated
	h.mu.Unlock()
	if terminated {
		return ErrTerminated
	}

	start := h.clock.Now()
	devState, err := h.convert(state, mappings)
	h.trace(events.TraceConvertState, start)
	if err != nil {
		h.logger.Warn("timeline state conversion failed",
			"device_id", h.deviceID,
			"time", state.Time,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}

	entry := &timedState[S, C]{
		time:     state.Time,
		state:    devState,
		mappings: mappings,
		added:    start,
	}

	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return ErrTerminated
	}
	var oldHead *timedState[S, C]
	if len(h.queue) > 0 {
		oldHead = h.queue[0]
	}
	kept := make([]*timedState[S, C], 0, len(h.queue)+1)
	for _, q := range h.queue {
		if q.time.Before(entry.time) {
			kept = append(kept, q)
		}
	}
	h.queue = append(kept, entry)
	headChanged := h.queue[0] != oldHead
	h.mu.Unlock()

	h.logger.Debug("state queued", "device_id", h.deviceID, "time", state.Time)
	if headChanged {
		go h.prepareHead()
	}
	return nil
}

// ClearFutureStates drops every queued state.
func (h *StateHandler[S, C]) ClearFutureStates() {
	h.mu.Lock()
	h.queue = nil
	h.stopTimerLocked()
	h.mu.Unlock()
}

// ClearFutureAfterTimestamp drops queued states after t and forgets
// recorded history after t.
func (h *StateHandler[S, C]) ClearFutureAfterTimestamp(t time.Time) {
	h.mu.Lock()
	var oldHead *timedState[S, C]
	if len(h.queue) > 0 {
		oldHead = h.queue[0]
	}
	kept := h.queue[:0]
	for _, q := range h.queue {
		if !q.time.After(t) {
			kept = append(kept, q)
		}
	}
	for i := len(kept); i < len(h.queue); i++ {
		h.queue[i] = nil
	}
	h.queue = kept
	headChanged := len(h.queue) == 0 || h.queue[0] != oldHead
	if headChanged {
		h.stopTimerLocked()
	}
	h.mu.Unlock()

	if h.history != nil {
		h.history.Prune(time.Time{}, t)
	}
	if headChanged && len(kept) > 0 {
		go h.prepareHead()
	}
}

// SetCurrentState replaces the assumed device state. A nil state means the
// device state is unknown; the next diff starts from nothing.
func (h *StateHandler[S, C]) SetCurrentState(state *S) {
	h.mu.Lock()
	if state == nil {
		h.current = nil
	} else {
		s := *state
		h.current = &s
	}
	h.generation++
	h.mu.Unlock()
}

// CurrentState returns the last executed device state.
func (h *StateHandler[S, C]) CurrentState() (S, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		var zero S
		return zero, false
	}
	return *h.current, true
}

// Status returns a snapshot of the pipeline.
func (h *StateHandler[S, C]) Status() device.Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := device.Status{
		ID:           h.deviceID,
		Type:         h.deviceType,
		Pipeline:     "statehandler",
		Mode:         h.mode.String(),
		Executing:    h.executing,
		LastExecuted: h.lastExecuted,
		Terminated:   h.terminated,
	}
	for _, q := range h.queue {
		st.QueuedStates = append(st.QueuedStates, q.time)
	}
	if h.current != nil {
		st.CurrentState = *h.current
	}
	return st
}

// Terminate stops the clock and drops queued states. Commands already
// being sent see their context cancelled. Terminate is idempotent.
func (h *StateHandler[S, C]) Terminate() {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.queue = nil
	h.stopTimerLocked()
	h.mu.Unlock()

	h.sendMu.Lock()
	h.sendJobs = nil
	h.sendMu.Unlock()

	close(h.done)
	h.ticker.Stop()
	<-h.loopDone
	h.cancel()
}

func (h *StateHandler[S, C]) loop() {
	defer close(h.loopDone)
	for {
		select {
		case <-h.done:
			return
		case <-h.ticker.C:
			h.onTick()
		}
	}
}

// onTick arms the one-shot timer once the head is within one tick.
func (h *StateHandler[S, C]) onTick() {
	defer func() {
		if r := recover(); r != nil {
			h.reportError(ContextClock, fmt.Errorf("tick panicked: %v", r))
		}
	}()

	now, err := h.timeSource()
	if err != nil {
		h.reportError(ContextClock, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated || h.executing || len(h.queue) == 0 {
		return
	}
	head := h.queue[0]
	wait := head.time.Sub(now)
	if wait > h.tick || h.timerFor == head {
		return
	}
	h.stopTimerLocked()
	h.timerFor = head
	if wait <= 0 {
		go h.onTimer(head)
		return
	}
	h.timer = h.clock.AfterFunc(wait, func() { h.onTimer(head) })
}

// onTimer executes head if it is still the head and nothing is executing.
func (h *StateHandler[S, C]) onTimer(head *timedState[S, C]) {
	h.mu.Lock()
	if h.timerFor == head {
		h.timerFor = nil
		h.timer = nil
	}
	ready := !h.terminated && !h.executing && len(h.queue) > 0 && h.queue[0] == head
	h.mu.Unlock()

	if ready {
		h.executeDue()
	}
}

// prepareHead computes the head's diff ahead of time and executes it right
// away if it is already due.
func (h *StateHandler[S, C]) prepareHead() {
	h.mu.Lock()
	if h.terminated || len(h.queue) == 0 {
		h.mu.Unlock()
		return
	}
	head := h.queue[0]
	needsDiff := !h.executing && (!head.diffed || head.diffedGen != h.generation)
	var prev *S
	if h.current != nil {
		s := *h.current
		prev = &s
	}
	gen := h.generation
	h.mu.Unlock()

	if needsDiff {
		commands := h.diff(prev, head)
		h.mu.Lock()
		if h.generation == gen {
			head.commands = commands
			head.diffed = true
			head.diffedGen = gen
		}
		h.mu.Unlock()
	}

	now, err := h.timeSource()
	if err != nil {
		h.reportError(ContextClock, err)
		return
	}
	if !head.time.After(now) {
		h.executeDue()
	}
}

// executeDue executes queue heads for as long as they are due.
func (h *StateHandler[S, C]) executeDue() {
	for {
		now, err := h.timeSource()
		if err != nil {
			h.reportError(ContextClock, err)
			return
		}

		h.mu.Lock()
		if h.terminated || h.executing || len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		head := h.queue[0]
		if head.time.After(now) {
			h.mu.Unlock()
			return
		}
		h.executing = true
		h.queue[0] = nil
		h.queue = h.queue[1:]
		if h.timerFor == head {
			h.stopTimerLocked()
		}
		prev := h.current
		cached := head.diffed && head.diffedGen == h.generation
		commands := head.commands
		// No settled state while the transition is being dispatched.
		h.current = nil
		h.generation++
		h.mu.Unlock()

		if !cached {
			commands = h.diff(prev, head)
		}
		h.dispatch(head, commands)

		h.mu.Lock()
		s := head.state
		h.current = &s
		h.generation++
		h.lastExecuted = head.time
		h.executing = false
		more := len(h.queue) > 0
		h.mu.Unlock()

		if h.history != nil {
			h.history.RecordState(head.state, head.time)
		}
		h.logger.Debug("state executed",
			"device_id", h.deviceID,
			"time", head.time,
			"commands", len(commands),
		)
		if !more {
			return
		}
	}
}

// dispatch starts sending commands and returns without waiting for them.
func (h *StateHandler[S, C]) dispatch(head *timedState[S, C], commands []device.CommandWithContext[C]) {
	m := measurement.New(h.deviceID, head.time,
		measurement.WithClock(h.clock),
		measurement.WithAdded(head.added),
		measurement.WithStateTime(head.time),
	)
	m.MarkExecuting()
	started := h.clock.Now()

	if len(commands) == 0 {
		h.emitter.StateChangeReport(m.Report())
		return
	}

	remaining := int32(len(commands))
	send := func(i int, cmd device.CommandWithContext[C]) {
		key := strconv.Itoa(i)
		m.MarkCommandDispatched(key, cmd.Command, cmd.Context)
		err := h.send(cmd)
		m.MarkCommandCompleted(key, err)
		if err != nil {
			h.reportError(ContextSend, &device.CommandError{
				DeviceID:         h.deviceID,
				Context:          cmd.Context,
				TimelineObjectID: cmd.TimelineObjectID,
				Err:              err,
			})
		}
		if atomic.AddInt32(&remaining, -1) == 0 {
			h.trace(events.TraceSendCommands, started)
			h.emitter.StateChangeReport(m.Report())
		}
	}

	switch h.mode {
	case device.ExecutionModeSequential:
		h.enqueueSend(sendJob[C]{commands: commands, send: send})
	default:
		for i, cmd := range commands {
			go send(i, cmd)
		}
	}
}

// enqueueSend appends a job to the sequential send worker, starting it if
// idle. Jobs run in submission order.
func (h *StateHandler[S, C]) enqueueSend(job sendJob[C]) {
	h.sendMu.Lock()
	h.sendJobs = append(h.sendJobs, job)
	start := !h.sendRunning
	h.sendRunning = true
	h.sendMu.Unlock()

	if start {
		go h.runSends()
	}
}

func (h *StateHandler[S, C]) runSends() {
	for {
		h.sendMu.Lock()
		if len(h.sendJobs) == 0 {
			h.sendRunning = false
			h.sendMu.Unlock()
			return
		}
		job := h.sendJobs[0]
		h.sendJobs[0] = sendJob[C]{}
		h.sendJobs = h.sendJobs[1:]
		h.sendMu.Unlock()

		for i, cmd := range job.commands {
			job.send(i, cmd)
		}
	}
}

func (h *StateHandler[S, C]) convert(state timeline.State, mappings timeline.Mappings) (s S, err error) {
	defer func() { device.Recover(recover(), &err) }()
	return h.adapter.ConvertTimelineStateToDeviceState(state, mappings)
}

// diff returns the head's commands; failures yield none.
func (h *StateHandler[S, C]) diff(prev *S, head *timedState[S, C]) []device.CommandWithContext[C] {
	start := h.clock.Now()
	commands, err := func() (cmds []device.CommandWithContext[C], err error) {
		defer func() { device.Recover(recover(), &err) }()
		return h.adapter.DiffStates(prev, head.state, head.mappings)
	}()
	h.trace(events.TraceDiffState, start)
	if err != nil {
		h.reportError(ContextDiff, &device.DiffError{DeviceID: h.deviceID, Err: err})
		return nil
	}
	return commands
}

func (h *StateHandler[S, C]) send(cmd device.CommandWithContext[C]) (err error) {
	defer func() { device.Recover(recover(), &err) }()
	return h.adapter.SendCommand(h.ctx, cmd)
}

func (h *StateHandler[S, C]) reportError(where string, err error) {
	h.logger.Error("state handler error",
		"device_id", h.deviceID,
		"context", where,
		"error", err,
	)
	h.emitter.Error(where, err)
}

func (h *StateHandler[S, C]) trace(name string, start time.Time) {
	h.emitter.TimeTrace(events.TimeTrace{
		Measurement: name,
		Start:       start,
		Duration:    h.clock.Now().Sub(start),
	})
}

// stopTimerLocked disarms the one-shot timer. Callers must hold mu.
func (h *StateHandler[S, C]) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = nil
	h.timerFor = nil
}
