// Package sequencer implements the per-device pipeline that schedules diff
// commands ahead of time on a scheduler.Scheduler.
//
// Every HandleState call diffs the new state against the state the device is
// assumed to have just before it (from its StateHistory), cancels every
// command scheduled at or after the new time, schedules the new commands at
// the state's time, and records the state in history. Timing precision comes
// from the scheduler rather than a clock tick.
package sequencer

import (
	"context"
	"errors"
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
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/scheduler"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/timeline"
)

// Domain errors for the sequencer package.
var (
	// ErrTerminated is returned when using a terminated sequencer.
	ErrTerminated = errors.New("sequencer: terminated")

	// ErrConversionFailed is returned by HandleState when the adapter cannot
	// convert the timeline state.
	ErrConversionFailed = errors.New("sequencer: conversion failed")
)

// ContextDiff is the error event context for failed diffs.
const ContextDiff = "sequencer: diff"

// Logger defines the logging interface used by the Sequencer.
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

// Options configures a Sequencer. The zero value is usable.
type Options[C any] struct {
	Clock   clock.Clock
	Logger  Logger
	Emitter *events.Emitter

	SendMode           scheduler.SendMode
	LimitSlowSent      time.Duration
	LimitSlowFulfilled time.Duration

	// QueueKey assigns a command to a scheduler queue. Defaults to one
	// queue per device.
	QueueKey func(cmd device.CommandWithContext[C]) string

	// PurgeInterval is the history purge interval in writes.
	// Zero means history.DefaultPurgeInterval.
	PurgeInterval int

	DeviceType string
}

// Sequencer runs the history-plus-scheduler pipeline for one device.
//
// Thread Safety: All methods are safe for concurrent use.
type Sequencer[S, C any] struct {
	deviceID   string
	deviceType string
	adapter    device.Adapter[S, C]
	clock      clock.Clock
	logger     Logger
	emitter    *events.Emitter
	queueKey   func(device.CommandWithContext[C]) string

	scheduler *scheduler.Scheduler
	history   *history.StateHistory[S]

	// mu serializes HandleState so cancel, schedule and record happen as one
	// step per state.
	mu         sync.Mutex
	current    *S
	terminated bool
	markers    []*marker
}

// marker reports a state without commands once its time has come.
type marker struct {
	at        time.Time
	timer     *clock.Timer
	cancelled bool
}

// New creates a Sequencer with its own scheduler and history.
func New[S, C any](deviceID string, adapter device.Adapter[S, C], opts Options[C]) *Sequencer[S, C] {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.PurgeInterval == 0 {
		opts.PurgeInterval = history.DefaultPurgeInterval
	}
	s := &Sequencer[S, C]{
		deviceID:   deviceID,
		deviceType: opts.DeviceType,
		adapter:    adapter,
		clock:      opts.Clock,
		logger:     opts.Logger,
		emitter:    opts.Emitter,
		queueKey:   opts.QueueKey,
		history: history.New[S](
			history.WithClock(opts.Clock),
			history.WithPurgeInterval(opts.PurgeInterval),
		),
	}
	s.scheduler = scheduler.New(opts.SendMode,
		scheduler.WithClock(opts.Clock),
		scheduler.WithLogger(opts.Logger),
		scheduler.WithEmitter(opts.Emitter),
		scheduler.WithSlowSentLimit(opts.LimitSlowSent),
		scheduler.WithSlowFulfilledLimit(opts.LimitSlowFulfilled),
		scheduler.WithName(deviceID),
	)
	return s
}

// ID returns the device identifier.
func (s *Sequencer[S, C]) ID() string {
	return s.deviceID
}

// History exposes the recorded states.
func (s *Sequencer[S, C]) History() *history.StateHistory[S] {
	return s.history
}

// PruneHistory drops recorded states older than the one in effect at
// before. Future states are never touched.
func (s *Sequencer[S, C]) PruneHistory(before time.Time) int {
	return s.history.PurgeBefore(before)
}

// HandleState converts state, diffs it against the state assumed just
// before it, and schedules the resulting commands at its time.
func (s *Sequencer[S, C]) HandleState(state timeline.State, mappings timeline.Mappings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrTerminated
	}

	added := s.clock.Now()
	next, err := s.convert(state, mappings)
	s.trace(events.TraceConvertState, added)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}

	var baseline *S
	if prev, ok := s.history.StateBefore(state.Time); ok {
		baseline = &prev.State
	} else if s.current != nil {
		c := *s.current
		baseline = &c
	}

	start := s.clock.Now()
	commands, err := s.diff(baseline, next, mappings)
	s.trace(events.TraceDiffState, start)
	if err != nil {
		diffErr := &device.DiffError{DeviceID: s.deviceID, Err: err}
		s.logger.Error("diff failed", "device_id", s.deviceID, "error", err)
		s.emitter.Error(ContextDiff, diffErr)
		commands = nil
	}

	cancelled := s.scheduler.CancelAtOrAfter(state.Time)
	s.cancelMarkersLocked(func(at time.Time) bool { return !at.Before(state.Time) })
	tracker := newTracker(s, state.Time, added, len(commands))
	if len(commands) == 0 {
		s.reportAtLocked(tracker, state.Time)
	}
	for i, cmd := range commands {
		queueID := s.deviceID
		if s.queueKey != nil {
			if q := s.queueKey(cmd); q != "" {
				queueID = q
			}
		}
		if _, err := s.scheduler.Schedule(state.Time, queueID, tracker.sendFunc(i, cmd), cmd.Command); err != nil {
			return fmt.Errorf("scheduling command for %s: %w", s.deviceID, err)
		}
	}
	s.history.RecordState(next, state.Time)

	s.logger.Debug("state sequenced",
		"device_id", s.deviceID,
		"time", state.Time,
		"commands", len(commands),
		"cancelled", cancelled,
	)
	return nil
}

// ClearFutureStates cancels every scheduled command and forgets states
// that have not happened yet.
func (s *Sequencer[S, C]) ClearFutureStates() {
	s.ClearFutureAfterTimestamp(s.clock.Now())
}

// ClearFutureAfterTimestamp cancels commands after t and forgets recorded
// states after t.
func (s *Sequencer[S, C]) ClearFutureAfterTimestamp(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler.CancelAfter(t)
	s.cancelMarkersLocked(func(at time.Time) bool { return at.After(t) })
	s.history.Prune(time.Time{}, t)
}

// SetCurrentState sets the baseline used when history has no earlier
// state. Nil means unknown.
func (s *Sequencer[S, C]) SetCurrentState(state *S) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == nil {
		s.current = nil
		return
	}
	c := *state
	s.current = &c
}

// CurrentState returns the state assumed to be applied now.
func (s *Sequencer[S, C]) CurrentState() (S, bool) {
	if e, ok := s.history.StateAtOrBefore(s.clock.Now()); ok {
		return e.State, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return *s.current, true
	}
	var zero S
	return zero, false
}

// Status returns a snapshot of the pipeline.
func (s *Sequencer[S, C]) Status() device.Status {
	now := s.clock.Now()
	st := device.Status{
		ID:              s.deviceID,
		Type:            s.deviceType,
		Pipeline:        "sequencer",
		Mode:            s.scheduler.Mode().String(),
		PendingCommands: len(s.scheduler.ListPending()),
	}
	for _, e := range s.history.Entries() {
		if e.Time.After(now) {
			st.QueuedStates = append(st.QueuedStates, e.Time)
		} else {
			st.LastExecuted = e.Time
		}
	}
	if cur, ok := s.CurrentState(); ok {
		st.CurrentState = cur
	}
	s.mu.Lock()
	st.Terminated = s.terminated
	s.mu.Unlock()
	return st
}

// Terminate disposes the scheduler and clears history. It is idempotent.
func (s *Sequencer[S, C]) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.cancelMarkersLocked(func(time.Time) bool { return true })
	s.mu.Unlock()

	s.scheduler.Dispose()
	s.history.Clear()
}

// reportAtLocked emits the report of a command-less state at its time.
// Callers must hold mu.
func (s *Sequencer[S, C]) reportAtLocked(t *tracker[S, C], at time.Time) {
	wait := at.Sub(s.clock.Now())
	if wait <= 0 {
		t.report()
		return
	}
	mk := &marker{at: at}
	mk.timer = s.clock.AfterFunc(wait, func() {
		s.mu.Lock()
		if mk.cancelled {
			s.mu.Unlock()
			return
		}
		s.removeMarkerLocked(mk)
		s.mu.Unlock()
		t.report()
	})
	s.markers = append(s.markers, mk)
}

// cancelMarkersLocked stops the markers whose time matches. Callers must
// hold mu.
func (s *Sequencer[S, C]) cancelMarkersLocked(match func(at time.Time) bool) {
	kept := s.markers[:0]
	for _, mk := range s.markers {
		if match(mk.at) {
			mk.cancelled = true
			mk.timer.Stop()
			continue
		}
		kept = append(kept, mk)
	}
	clear(s.markers[len(kept):])
	s.markers = kept
}

func (s *Sequencer[S, C]) removeMarkerLocked(mk *marker) {
	for i, candidate := range s.markers {
		if candidate == mk {
			s.markers = append(s.markers[:i], s.markers[i+1:]...)
			return
		}
	}
}

func (s *Sequencer[S, C]) convert(state timeline.State, mappings timeline.Mappings) (out S, err error) {
	defer func() { device.Recover(recover(), &err) }()
	return s.adapter.ConvertTimelineStateToDeviceState(state, mappings)
}

func (s *Sequencer[S, C]) diff(prev *S, next S, mappings timeline.Mappings) (cmds []device.CommandWithContext[C], err error) {
	defer func() { device.Recover(recover(), &err) }()
	return s.adapter.DiffStates(prev, next, mappings)
}

func (s *Sequencer[S, C]) trace(name string, start time.Time) {
	s.emitter.TimeTrace(events.TimeTrace{
		Measurement: name,
		Start:       start,
		Duration:    s.clock.Now().Sub(start),
	})
}

// tracker measures the commands scheduled for one state. The report is
// emitted once every command has completed, or at the state's time when it
// has none. Cancelled states never report.
type tracker[S, C any] struct {
	seq       *Sequencer[S, C]
	m         *measurement.Measurement
	remaining int32
}

func newTracker[S, C any](s *Sequencer[S, C], at, added time.Time, n int) *tracker[S, C] {
	return &tracker[S, C]{
		seq: s,
		m: measurement.New(s.deviceID, at,
			measurement.WithClock(s.clock),
			measurement.WithAdded(added),
		),
		remaining: int32(n),
	}
}

// report marks the state executed and emits its report.
func (t *tracker[S, C]) report() {
	t.m.MarkExecuting()
	t.seq.emitter.StateChangeReport(t.m.Report())
}

func (t *tracker[S, C]) sendFunc(i int, cmd device.CommandWithContext[C]) scheduler.CommandFunc {
	key := strconv.Itoa(i)
	return func(ctx context.Context, _ ...any) (err error) {
		t.m.MarkExecuting()
		t.m.MarkCommandDispatched(key, cmd.Command, cmd.Context)
		defer func() {
			t.m.MarkCommandCompleted(key, err)
			if atomic.AddInt32(&t.remaining, -1) == 0 {
				t.seq.emitter.StateChangeReport(t.m.Report())
			}
		}()
		defer func() { device.Recover(recover(), &err) }()

		if sendErr := t.seq.adapter.SendCommand(ctx, cmd); sendErr != nil {
			return &device.CommandError{
				DeviceID:         t.seq.deviceID,
				Context:          cmd.Context,
				TimelineObjectID: cmd.TimelineObjectID,
				Err:              sendErr,
			}
		}
		return nil
	}
}
