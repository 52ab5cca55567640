package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/clock"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
)

// DefaultQueue is the queue used when Schedule is given an empty queue ID.
const DefaultQueue = "_default"

// maxWakeInterval caps how long the loop sleeps between scans.
const maxWakeInterval = time.Second

// SendMode selects how ready commands of one queue are dispatched.
type SendMode int

const (
	// SendModeBurst fires every ready command concurrently.
	SendModeBurst SendMode = iota

	// SendModeInOrder runs the ready commands of a queue one at a time,
	// each awaited before the next starts.
	SendModeInOrder
)

// String returns the config name of the mode.
func (m SendMode) String() string {
	switch m {
	case SendModeBurst:
		return "burst"
	case SendModeInOrder:
		return "in_order"
	default:
		return fmt.Sprintf("SendMode(%d)", int(m))
	}
}

// ParseSendMode parses a config value ("burst", "in_order").
func ParseSendMode(s string) (SendMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "burst":
		return SendModeBurst, nil
	case "in_order", "inorder", "in-order":
		return SendModeInOrder, nil
	default:
		return SendModeBurst, fmt.Errorf("scheduler: unknown send mode %q", s)
	}
}

// CommandFunc is a scheduled callable. The context is cancelled when the
// scheduler is disposed.
type CommandFunc func(ctx context.Context, args ...any) error

// QueuedCommand is a command waiting for its target time.
type QueuedCommand struct {
	ID         string      `json:"id"`
	QueueID    string      `json:"queueId"`
	TargetTime time.Time   `json:"targetTime"`
	AddedTime  time.Time   `json:"addedTime"`
	Fn         CommandFunc `json:"-"`
	Args       []any       `json:"args,omitempty"`

	seq uint64
}

// Logger defines the logging interface used by the Scheduler.
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

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEmitter sets where error, report and slow-command events go.
func WithEmitter(e *events.Emitter) Option {
	return func(s *Scheduler) {
		s.emitter = e
	}
}

// WithSlowSentLimit reports commands that start more than d after their
// target time. Zero disables the check.
func WithSlowSentLimit(d time.Duration) Option {
	return func(s *Scheduler) {
		s.limitSlowSent = d
	}
}

// WithSlowFulfilledLimit reports commands that complete more than d after
// their target time. Zero disables the check.
func WithSlowFulfilledLimit(d time.Duration) Option {
	return func(s *Scheduler) {
		s.limitSlowFulfilled = d
	}
}

// WithName labels the scheduler in log output.
func WithName(name string) Option {
	return func(s *Scheduler) {
		s.name = name
	}
}

// readyCommand is a command taken off the pending map by a scan.
type readyCommand struct {
	cmd     *QueuedCommand
	prepare time.Time
}

// orderedQueue is the ready list of one queue in SendModeInOrder.
type orderedQueue struct {
	items   []readyCommand
	running bool
}

// Scheduler executes callables at their target time ("do on time").
//
// Thread Safety: All methods are safe for concurrent use.
type Scheduler struct {
	mode               SendMode
	clock              clock.Clock
	logger             Logger
	emitter            *events.Emitter
	limitSlowSent      time.Duration
	limitSlowFulfilled time.Duration
	name               string

	mu       sync.Mutex
	pending  map[string]map[string]*QueuedCommand // queueID → commandID → command
	ordered  map[string]*orderedQueue             // SendModeInOrder ready lists
	seq      uint64
	disposed bool

	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}
}

// New creates a scheduler and starts its wake-up loop.
// Call Dispose to stop it.
func New(mode SendMode, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		mode:     mode,
		clock:    clock.New(),
		logger:   noopLogger{},
		pending:  make(map[string]map[string]*QueuedCommand),
		ordered:  make(map[string]*orderedQueue),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.loop()
	return s
}

// Mode returns the dispatch discipline.
func (s *Scheduler) Mode() SendMode {
	return s.mode
}

// Schedule queues fn to run with args at or after at.
//
// Parameters:
//   - at: Target time; must not be before the Unix epoch
//   - queueID: Ordering group; empty means DefaultQueue
//   - fn: The callable
//   - args: Passed to fn and included in reports
//
// Returns:
//   - string: The command ID, usable for tracing
//   - error: ErrInvalidSchedule or ErrDisposed
func (s *Scheduler) Schedule(at time.Time, queueID string, fn CommandFunc, args ...any) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("%w: nil callable", ErrInvalidSchedule)
	}
	if at.Before(clock.Epoch) {
		return "", fmt.Errorf("%w: target time %s is before the epoch", ErrInvalidSchedule, at.Format(time.RFC3339Nano))
	}
	if queueID == "" {
		queueID = DefaultQueue
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return "", ErrDisposed
	}
	s.seq++
	cmd := &QueuedCommand{
		ID:         uuid.NewString(),
		QueueID:    queueID,
		TargetTime: at,
		AddedTime:  s.clock.Now(),
		Fn:         fn,
		Args:       args,
		seq:        s.seq,
	}
	q, ok := s.pending[queueID]
	if !ok {
		q = make(map[string]*QueuedCommand)
		s.pending[queueID] = q
	}
	q[cmd.ID] = cmd
	s.mu.Unlock()

	s.nudge()
	return cmd.ID, nil
}

// CancelAfter removes every command not yet started whose target time is
// after t. It returns the number removed.
func (s *Scheduler) CancelAfter(t time.Time) int {
	return s.cancelWhere(func(target time.Time) bool {
		return target.After(t)
	})
}

// CancelAtOrAfter removes every command not yet started whose target time
// is at or after t. It returns the number removed.
func (s *Scheduler) CancelAtOrAfter(t time.Time) int {
	return s.cancelWhere(func(target time.Time) bool {
		return !target.Before(t)
	})
}

func (s *Scheduler) cancelWhere(match func(time.Time) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for queueID, q := range s.pending {
		for id, cmd := range q {
			if match(cmd.TargetTime) {
				delete(q, id)
				removed++
			}
		}
		if len(q) == 0 {
			delete(s.pending, queueID)
		}
	}
	// Ready but not yet started InOrder commands are still cancellable.
	for _, oq := range s.ordered {
		kept := oq.items[:0]
		for _, rc := range oq.items {
			if match(rc.cmd.TargetTime) {
				removed++
				continue
			}
			kept = append(kept, rc)
		}
		for i := len(kept); i < len(oq.items); i++ {
			oq.items[i] = readyCommand{}
		}
		oq.items = kept
	}
	if removed > 0 {
		s.logger.Debug("commands cancelled", "scheduler", s.name, "count", removed)
	}
	return removed
}

// ListPending returns a snapshot of every command not yet started, ordered
// by target time.
func (s *Scheduler) ListPending() []QueuedCommand {
	s.mu.Lock()
	out := make([]QueuedCommand, 0)
	for _, q := range s.pending {
		for _, cmd := range q {
			out = append(out, *cmd)
		}
	}
	for _, oq := range s.ordered {
		for _, rc := range oq.items {
			out = append(out, *rc.cmd)
		}
	}
	s.mu.Unlock()

	sortCommands(out)
	return out
}

// Dispose cancels every pending command and stops the wake-up loop.
// Commands already executing are not interrupted, but their context is
// cancelled. Dispose is idempotent.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.pending = make(map[string]map[string]*QueuedCommand)
	s.ordered = make(map[string]*orderedQueue)
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	<-s.loopDone
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop sleeps until the soonest target time, scans, and re-arms.
func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		if d := s.nextWake(); d > 0 {
			timer := s.clock.Timer(d)
			select {
			case <-s.done:
				timer.Stop()
				return
			case <-s.wake:
			case <-timer.C:
			}
			timer.Stop()
		} else {
			select {
			case <-s.done:
				return
			default:
			}
		}
		s.scan()
	}
}

// nextWake returns the delay until the soonest pending command, capped at
// maxWakeInterval.
func (s *Scheduler) nextWake() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var soonest time.Time
	for _, q := range s.pending {
		for _, cmd := range q {
			if soonest.IsZero() || cmd.TargetTime.Before(soonest) {
				soonest = cmd.TargetTime
			}
		}
	}
	if soonest.IsZero() {
		return maxWakeInterval
	}
	d := soonest.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	if d > maxWakeInterval {
		return maxWakeInterval
	}
	return d
}

// scan moves every due command off the pending map and dispatches it.
func (s *Scheduler) scan() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()

	var ready []*QueuedCommand
	for queueID, q := range s.pending {
		for id, cmd := range q {
			if !cmd.TargetTime.After(now) {
				ready = append(ready, cmd)
				delete(q, id)
			}
		}
		if len(q) == 0 {
			delete(s.pending, queueID)
		}
	}
	if len(ready) == 0 {
		s.mu.Unlock()
		return
	}
	sort.Slice(ready, func(i, j int) bool {
		return less(ready[i], ready[j])
	})

	var start []string
	if s.mode == SendModeInOrder {
		for _, cmd := range ready {
			oq, ok := s.ordered[cmd.QueueID]
			if !ok {
				oq = &orderedQueue{}
				s.ordered[cmd.QueueID] = oq
			}
			oq.items = append(oq.items, readyCommand{cmd: cmd, prepare: now})
			if !oq.running {
				oq.running = true
				start = append(start, cmd.QueueID)
			}
		}
	}
	s.mu.Unlock()

	if s.mode == SendModeInOrder {
		for _, queueID := range start {
			go s.runQueue(queueID)
		}
		return
	}
	for _, cmd := range ready {
		go s.execute(cmd, now)
	}
}

// runQueue drains one queue's ready list, awaiting each command.
func (s *Scheduler) runQueue(queueID string) {
	for {
		s.mu.Lock()
		oq, ok := s.ordered[queueID]
		if !ok {
			s.mu.Unlock()
			return
		}
		if len(oq.items) == 0 || s.disposed {
			delete(s.ordered, queueID)
			s.mu.Unlock()
			return
		}
		rc := oq.items[0]
		oq.items[0] = readyCommand{}
		oq.items = oq.items[1:]
		s.mu.Unlock()

		s.execute(rc.cmd, rc.prepare)
	}
}

// execute runs one command and reports its timing.
func (s *Scheduler) execute(cmd *QueuedCommand, prepare time.Time) {
	send := s.clock.Now()
	sendDelay := send.Sub(cmd.TargetTime)
	if s.limitSlowSent > 0 && sendDelay > s.limitSlowSent {
		s.logger.Warn("slow sent command",
			"scheduler", s.name,
			"command_id", cmd.ID,
			"queue", cmd.QueueID,
			"send_delay", sendDelay,
		)
		s.emitter.SlowSentCommand(events.SlowSentCommand{
			CommandID:   cmd.ID,
			QueueID:     cmd.QueueID,
			PlannedSend: cmd.TargetTime,
			Send:        send,
			SendDelay:   sendDelay,
			Limit:       s.limitSlowSent,
			Args:        cmd.Args,
		})
	}

	err := s.invoke(cmd)

	fulfilled := s.clock.Now()
	fulfilledDelay := fulfilled.Sub(cmd.TargetTime)
	if err != nil {
		s.logger.Error("command failed",
			"scheduler", s.name,
			"command_id", cmd.ID,
			"queue", cmd.QueueID,
			"error", err,
		)
		s.emitter.Error(fmt.Sprintf("scheduler: command %s on queue %s", cmd.ID, cmd.QueueID), err)
	}
	if s.limitSlowFulfilled > 0 && fulfilledDelay > s.limitSlowFulfilled {
		s.logger.Warn("slow fulfilled command",
			"scheduler", s.name,
			"command_id", cmd.ID,
			"queue", cmd.QueueID,
			"fulfilled_delay", fulfilledDelay,
		)
		s.emitter.SlowFulfilledCommand(events.SlowFulfilledCommand{
			CommandID:      cmd.ID,
			QueueID:        cmd.QueueID,
			PlannedSend:    cmd.TargetTime,
			Fulfilled:      fulfilled,
			FulfilledDelay: fulfilledDelay,
			Limit:          s.limitSlowFulfilled,
			Args:           cmd.Args,
		})
	}

	if s.emitter.HasCommandReportObservers() {
		report := events.CommandReport{
			CommandID:      cmd.ID,
			QueueID:        cmd.QueueID,
			Args:           cmd.Args,
			PlannedSend:    cmd.TargetTime,
			Added:          cmd.AddedTime,
			Prepare:        prepare,
			Send:           send,
			Fulfilled:      fulfilled,
			SendDelay:      sendDelay,
			FulfilledDelay: fulfilledDelay,
		}
		if err != nil {
			report.Error = err.Error()
		}
		s.emitter.CommandReport(report)
	}
}

// invoke calls the command, converting a panic into ErrCommandPanic.
func (s *Scheduler) invoke(cmd *QueuedCommand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCommandPanic, r)
		}
	}()
	return cmd.Fn(s.ctx, cmd.Args...)
}

func less(a, b *QueuedCommand) bool {
	if !a.TargetTime.Equal(b.TargetTime) {
		return a.TargetTime.Before(b.TargetTime)
	}
	return a.seq < b.seq
}

func sortCommands(cmds []QueuedCommand) {
	sort.Slice(cmds, func(i, j int) bool {
		return less(&cmds[i], &cmds[j])
	})
}
