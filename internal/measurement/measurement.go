// Package measurement records the timing of one state transition: when it
// was requested, when it was due, when it ran, and when each of its commands
// was sent and fulfilled.
//
// A Measurement is append-only. Every mark records the first observation and
// ignores repeats, so command completions racing each other cannot overwrite
// one another.
package measurement

import (
	"sort"
	"sync"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/clock"
)

// StateChangeReport is the immutable timing summary of one executed state.
type StateChangeReport struct {
	DeviceID       string          `json:"deviceId"`
	StateTime      time.Time       `json:"stateTime"`
	Added          time.Time       `json:"added"`
	Scheduled      time.Time       `json:"scheduled"`
	Executed       time.Time       `json:"executed"`
	ExecutionDelay time.Duration   `json:"executionDelay"`
	Commands       []CommandReport `json:"commands"`
}

// CommandReport is the timing of one command inside a state change.
type CommandReport struct {
	Key          string        `json:"key"`
	Args         any           `json:"args,omitempty"`
	Context      string        `json:"context,omitempty"`
	Executed     time.Time     `json:"executed"`
	ExecuteDelay time.Duration `json:"executeDelay"`

	// Fulfilled is zero while the command has not reported completion.
	Fulfilled      time.Time     `json:"fulfilled,omitempty"`
	FulfilledDelay time.Duration `json:"fulfilledDelay,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// IsFulfilled reports whether the command reported completion.
func (c CommandReport) IsFulfilled() bool {
	return !c.Fulfilled.IsZero()
}

// Failed reports whether any command of the state change failed.
func (r StateChangeReport) Failed() int {
	n := 0
	for _, c := range r.Commands {
		if c.Error != "" {
			n++
		}
	}
	return n
}

// Option configures a Measurement.
type Option func(*Measurement)

// WithClock sets the time source used for marks.
func WithClock(c clock.Clock) Option {
	return func(m *Measurement) {
		m.clock = c
	}
}

// WithAdded sets when the transition was requested. Defaults to creation time.
func WithAdded(t time.Time) Option {
	return func(m *Measurement) {
		m.added = t
	}
}

// WithStateTime sets the timeline time of the state being executed.
func WithStateTime(t time.Time) Option {
	return func(m *Measurement) {
		m.stateTime = t
	}
}

// Measurement records one state transition.
//
// Thread Safety: All methods are safe for concurrent use.
type Measurement struct {
	mu        sync.Mutex
	clock     clock.Clock
	deviceID  string
	stateTime time.Time
	added     time.Time
	scheduled time.Time
	executed  time.Time
	commands  map[string]*CommandReport
	order     []string
}

// New starts a measurement for a transition scheduled at scheduled.
func New(deviceID string, scheduled time.Time, opts ...Option) *Measurement {
	m := &Measurement{
		clock:     clock.New(),
		deviceID:  deviceID,
		scheduled: scheduled,
		commands:  make(map[string]*CommandReport),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.added.IsZero() {
		m.added = m.clock.Now()
	}
	if m.stateTime.IsZero() {
		m.stateTime = scheduled
	}
	return m
}

// MarkExecuting records the moment the transition started executing.
func (m *Measurement) MarkExecuting() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executed.IsZero() {
		m.executed = now
	}
}

// MarkCommandDispatched records that the command identified by key was sent.
func (m *Measurement) MarkCommandDispatched(key string, args any, context string) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.commands[key]; exists {
		return
	}
	m.commands[key] = &CommandReport{
		Key:          key,
		Args:         args,
		Context:      context,
		Executed:     now,
		ExecuteDelay: now.Sub(m.scheduled),
	}
	m.order = append(m.order, key)
}

// MarkCommandCompleted records the completion of the command identified by
// key. A non-nil err marks the command as failed.
func (m *Measurement) MarkCommandCompleted(key string, err error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[key]
	if !ok {
		// Completion without dispatch; record both at once.
		cmd = &CommandReport{Key: key, Executed: now, ExecuteDelay: now.Sub(m.scheduled)}
		m.commands[key] = cmd
		m.order = append(m.order, key)
	}
	if !cmd.Fulfilled.IsZero() {
		return
	}
	cmd.Fulfilled = now
	cmd.FulfilledDelay = now.Sub(m.scheduled)
	if err != nil {
		cmd.Error = err.Error()
	}
}

// Report returns a snapshot of the measurement. Commands are listed in
// dispatch order.
func (m *Measurement) Report() StateChangeReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := StateChangeReport{
		DeviceID:  m.deviceID,
		StateTime: m.stateTime,
		Added:     m.added,
		Scheduled: m.scheduled,
		Executed:  m.executed,
		Commands:  make([]CommandReport, 0, len(m.order)),
	}
	if !m.executed.IsZero() {
		report.ExecutionDelay = m.executed.Sub(m.scheduled)
	}
	for _, key := range m.order {
		report.Commands = append(report.Commands, *m.commands[key])
	}
	sort.SliceStable(report.Commands, func(i, j int) bool {
		return report.Commands[i].Executed.Before(report.Commands[j].Executed)
	})
	return report
}
