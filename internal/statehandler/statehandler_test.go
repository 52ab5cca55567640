package statehandler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/clock"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/device"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/history"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/measurement"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/timeline"
)

const (
	waitTimeout = 2 * time.Second
	testTick    = 20 * time.Millisecond
)

func ms(n int64) time.Time { return clock.Millis(n) }

type lampState struct {
	Lamp int
}

type lampCmd struct {
	Name string
	Lamp int
}

type sentCmd struct {
	cmd lampCmd
	at  time.Time
}

// fakeAdapter drives a single lamp. Hooks override the default behaviour.
type fakeAdapter struct {
	clk      *clock.Mock
	sent     chan sentCmd
	diffHook func(old *lampState, next lampState) ([]device.CommandWithContext[lampCmd], error)
	sendHook func(cmd lampCmd) error
}

func newFakeAdapter(clk *clock.Mock) *fakeAdapter {
	return &fakeAdapter{clk: clk, sent: make(chan sentCmd, 32)}
}

func (a *fakeAdapter) ConvertTimelineStateToDeviceState(state timeline.State, _ timeline.Mappings) (lampState, error) {
	obj, ok := state.Layers["lamp"]
	if !ok {
		return lampState{}, nil
	}
	if _, bad := obj.Content["invalid"]; bad {
		return lampState{}, errors.New("invalid lamp content")
	}
	level, _ := obj.Content["level"].(int)
	return lampState{Lamp: level}, nil
}

func (a *fakeAdapter) DiffStates(old *lampState, next lampState, _ timeline.Mappings) ([]device.CommandWithContext[lampCmd], error) {
	if a.diffHook != nil {
		return a.diffHook(old, next)
	}
	if next.Lamp < 0 {
		return nil, errors.New("negative lamp level")
	}
	if old != nil && old.Lamp == next.Lamp {
		return nil, nil
	}
	return []device.CommandWithContext[lampCmd]{{
		Command: lampCmd{Name: fmt.Sprintf("SET lamp=%d", next.Lamp), Lamp: next.Lamp},
		Context: "lamp changed",
	}}, nil
}

func (a *fakeAdapter) SendCommand(_ context.Context, cmd device.CommandWithContext[lampCmd]) error {
	var err error
	if a.sendHook != nil {
		err = a.sendHook(cmd.Command)
	}
	a.sent <- sentCmd{cmd: cmd.Command, at: a.clk.Now()}
	return err
}

func lamp(level int, at int64) timeline.State {
	return timeline.State{
		Time: ms(at),
		Layers: map[string]timeline.ResolvedObject{
			"lamp": {ID: "obj-lamp", Layer: "lamp", Content: map[string]any{"level": level}},
		},
	}
}

var lampMappings = timeline.Mappings{"lamp": {DeviceID: "lamp0", DeviceType: "fake"}}

type harness struct {
	clk     *clock.Mock
	adapter *fakeAdapter
	emitter *events.Emitter
	reports chan measurement.StateChangeReport
	errs    chan events.ErrorEvent
	h       *StateHandler[lampState, lampCmd]
}

func newHarness(t *testing.T, mode device.ExecutionMode, mutate func(*Options[lampState], *fakeAdapter)) *harness {
	t.Helper()
	clk := clock.NewMock(ms(0))
	adapter := newFakeAdapter(clk)
	emitter := events.NewEmitter("lamp0")

	hs := &harness{
		clk:     clk,
		adapter: adapter,
		emitter: emitter,
		reports: make(chan measurement.StateChangeReport, 32),
		errs:    make(chan events.ErrorEvent, 32),
	}
	emitter.OnStateChangeReport(func(r measurement.StateChangeReport) { hs.reports <- r })
	emitter.OnError(func(ev events.ErrorEvent) { hs.errs <- ev })

	opts := Options[lampState]{
		Clock:         clk,
		Emitter:       emitter,
		ExecutionMode: mode,
		TickInterval:  testTick,
	}
	if mutate != nil {
		mutate(&opts, adapter)
	}
	hs.h = New[lampState, lampCmd]("lamp0", adapter, opts)
	t.Cleanup(hs.h.Terminate)
	return hs
}

// awaitReport advances the clock a few milliseconds at a time until the
// report for stateTime arrives.
func (hs *harness) awaitReport(t *testing.T, stateTime time.Time) measurement.StateChangeReport {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case r := <-hs.reports:
			if r.StateTime.Equal(stateTime) {
				return r
			}
		case <-deadline:
			t.Fatalf("no state change report for %v (clock at %v)", stateTime, hs.clk.Now())
		case <-time.After(time.Millisecond):
			hs.clk.Add(5 * time.Millisecond)
		}
	}
}

func (hs *harness) handle(t *testing.T, state timeline.State) {
	t.Helper()
	if err := hs.h.HandleState(state, lampMappings); err != nil {
		t.Fatalf("HandleState() error = %v", err)
	}
}

func (hs *harness) queuedTimes() []time.Time {
	hs.h.mu.Lock()
	defer hs.h.mu.Unlock()
	out := make([]time.Time, 0, len(hs.h.queue))
	for _, q := range hs.h.queue {
		out = append(out, q.time)
	}
	return out
}

func TestLampScenario(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, nil)

	hs.handle(t, lamp(0, 0))
	first := hs.awaitReport(t, ms(0))
	if len(first.Commands) != 1 {
		t.Fatalf("initial transition commands = %d, want 1", len(first.Commands))
	}
	<-hs.adapter.sent

	hs.handle(t, lamp(1, 1000))
	report := hs.awaitReport(t, ms(1000))
	if len(report.Commands) != 1 {
		t.Fatalf("commands at 1000 = %d, want 1", len(report.Commands))
	}
	sent := <-hs.adapter.sent
	if sent.cmd.Name != "SET lamp=1" {
		t.Errorf("command = %q, want SET lamp=1", sent.cmd.Name)
	}
	if sent.at.Before(ms(1000)) {
		t.Errorf("command sent at %v, before its state time", sent.at)
	}
	if report.ExecutionDelay < 0 {
		t.Errorf("ExecutionDelay = %v, want >= 0", report.ExecutionDelay)
	}

	hs.handle(t, lamp(1, 2000))
	noop := hs.awaitReport(t, ms(2000))
	if len(noop.Commands) != 0 {
		t.Errorf("commands for unchanged state = %d, want 0", len(noop.Commands))
	}
	select {
	case extra := <-hs.adapter.sent:
		t.Errorf("unexpected command %q", extra.cmd.Name)
	default:
	}

	if cur, ok := hs.h.CurrentState(); !ok || cur.Lamp != 1 {
		t.Errorf("CurrentState() = %+v, %v; want lamp 1", cur, ok)
	}
}

func TestHandleStateReplacesLaterStates(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, nil)

	hs.handle(t, lamp(1, 100))
	hs.handle(t, lamp(2, 50))

	got := hs.queuedTimes()
	if len(got) != 1 || !got[0].Equal(ms(50)) {
		t.Fatalf("queue = %v, want only 50", got)
	}

	// Equal times: the new state replaces the queued one.
	hs.handle(t, lamp(3, 50))
	hs.h.mu.Lock()
	n := len(hs.h.queue)
	var headLamp int
	if n > 0 {
		headLamp = hs.h.queue[0].state.Lamp
	}
	hs.h.mu.Unlock()
	if n != 1 || headLamp != 3 {
		t.Errorf("queue after tie = %d entries, head lamp %d; want 1 entry with lamp 3", n, headLamp)
	}

	hs.handle(t, lamp(4, 100))
	if got := hs.queuedTimes(); len(got) != 2 {
		t.Errorf("queue = %v, want 50 and 100", got)
	}
}

func TestHeadReplacedBeforeExecution(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, nil)

	hs.handle(t, lamp(5, 100))
	hs.handle(t, lamp(7, 100))

	report := hs.awaitReport(t, ms(100))
	if len(report.Commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(report.Commands))
	}
	if sent := <-hs.adapter.sent; sent.cmd.Lamp != 7 {
		t.Errorf("sent lamp %d, want the replacing state's 7", sent.cmd.Lamp)
	}
}

func TestConversionError(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, nil)

	bad := timeline.State{
		Time:   ms(100),
		Layers: map[string]timeline.ResolvedObject{"lamp": {Content: map[string]any{"invalid": true}}},
	}
	err := hs.h.HandleState(bad, lampMappings)
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("HandleState() error = %v, want ErrConversionFailed", err)
	}
	if got := hs.queuedTimes(); len(got) != 0 {
		t.Errorf("queue = %v, want empty", got)
	}
}

func TestDiffErrorDoesNotStall(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, nil)

	hs.handle(t, lamp(1, 0))
	hs.awaitReport(t, ms(0))
	<-hs.adapter.sent

	hs.handle(t, lamp(-1, 100))
	hs.handle(t, lamp(2, 200))

	failed := hs.awaitReport(t, ms(100))
	if len(failed.Commands) != 0 {
		t.Errorf("commands after diff error = %d, want 0", len(failed.Commands))
	}
	select {
	case ev := <-hs.errs:
		var diffErr *device.DiffError
		if !errors.As(ev.Err, &diffErr) {
			t.Errorf("error event = %v, want *device.DiffError", ev.Err)
		}
		if ev.Context != ContextDiff || ev.DeviceID != "lamp0" {
			t.Errorf("error event context/device = %q/%q", ev.Context, ev.DeviceID)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no error event for failing diff")
	}

	next := hs.awaitReport(t, ms(200))
	if len(next.Commands) != 1 {
		t.Fatalf("commands at 200 = %d, want 1", len(next.Commands))
	}
	if sent := <-hs.adapter.sent; sent.cmd.Lamp != 2 {
		t.Errorf("sent lamp %d, want 2", sent.cmd.Lamp)
	}
}

func TestDiffPanicRecovered(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, func(_ *Options[lampState], a *fakeAdapter) {
		a.diffHook = func(*lampState, lampState) ([]device.CommandWithContext[lampCmd], error) {
			panic("adapter bug")
		}
	})

	hs.handle(t, lamp(1, 0))
	report := hs.awaitReport(t, ms(0))
	if len(report.Commands) != 0 {
		t.Errorf("commands = %d, want 0", len(report.Commands))
	}
	ev := <-hs.errs
	if !errors.Is(ev.Err, device.ErrAdapterPanic) {
		t.Errorf("error = %v, want ErrAdapterPanic", ev.Err)
	}
}

func threeCommands(*lampState, lampState) ([]device.CommandWithContext[lampCmd], error) {
	return []device.CommandWithContext[lampCmd]{
		{Command: lampCmd{Name: "a"}},
		{Command: lampCmd{Name: "b"}},
		{Command: lampCmd{Name: "c"}},
	}, nil
}

func TestSequentialSendsInDiffOrder(t *testing.T) {
	aStarted := make(chan struct{})
	release := make(chan struct{})
	bStarted := make(chan struct{})

	hs := newHarness(t, device.ExecutionModeSequential, func(_ *Options[lampState], a *fakeAdapter) {
		a.diffHook = threeCommands
		a.sendHook = func(cmd lampCmd) error {
			switch cmd.Name {
			case "a":
				close(aStarted)
				<-release
			case "b":
				close(bStarted)
			}
			return nil
		}
	})

	hs.handle(t, lamp(1, 0))

	select {
	case <-aStarted:
	case <-time.After(waitTimeout):
		t.Fatal("first command never started")
	}
	select {
	case <-bStarted:
		t.Fatal("second command started before the first completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	report := hs.awaitReport(t, ms(0))
	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, (<-hs.adapter.sent).cmd.Name)
	}
	if fmt.Sprint(order) != "[a b c]" {
		t.Errorf("send order = %v, want [a b c]", order)
	}
	if len(report.Commands) != 3 {
		t.Errorf("report commands = %d, want 3", len(report.Commands))
	}
}

func TestSalvoSendsConcurrently(t *testing.T) {
	bStarted := make(chan struct{})
	aSawB := make(chan struct{})

	hs := newHarness(t, device.ExecutionModeSalvo, func(_ *Options[lampState], a *fakeAdapter) {
		a.diffHook = threeCommands
		a.sendHook = func(cmd lampCmd) error {
			switch cmd.Name {
			case "a":
				<-bStarted
				close(aSawB)
			case "b":
				close(bStarted)
			}
			return nil
		}
	})

	hs.handle(t, lamp(1, 0))
	select {
	case <-aSawB:
	case <-time.After(waitTimeout):
		t.Fatal("salvo commands did not run concurrently")
	}
	hs.awaitReport(t, ms(0))
}

func TestSendErrorReported(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, func(_ *Options[lampState], a *fakeAdapter) {
		a.sendHook = func(lampCmd) error { return errors.New("connection refused") }
	})

	hs.handle(t, lamp(1, 0))
	report := hs.awaitReport(t, ms(0))
	if len(report.Commands) != 1 || report.Commands[0].Error != "connection refused" {
		t.Errorf("report commands = %+v", report.Commands)
	}

	ev := <-hs.errs
	var cmdErr *device.CommandError
	if !errors.As(ev.Err, &cmdErr) {
		t.Fatalf("error = %v, want *device.CommandError", ev.Err)
	}
	if cmdErr.Context != "lamp changed" {
		t.Errorf("CommandError.Context = %q", cmdErr.Context)
	}
}

func TestSetCurrentStateUsedAsBaseline(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, nil)

	hs.h.SetCurrentState(&lampState{Lamp: 4})
	hs.handle(t, lamp(4, 0))

	report := hs.awaitReport(t, ms(0))
	if len(report.Commands) != 0 {
		t.Errorf("commands = %d, want 0 against the set baseline", len(report.Commands))
	}

	hs.h.SetCurrentState(nil)
	if _, ok := hs.h.CurrentState(); ok {
		t.Error("CurrentState() defined after SetCurrentState(nil)")
	}
}

func TestClearFuture(t *testing.T) {
	hist := history.New[lampState](history.WithPurgeInterval(0))
	hs := newHarness(t, device.ExecutionModeSalvo, func(o *Options[lampState], _ *fakeAdapter) {
		o.History = hist
	})
	hist.RecordState(lampState{Lamp: 9}, ms(500))

	hs.handle(t, lamp(1, 100))
	hs.handle(t, lamp(2, 200))
	hs.handle(t, lamp(3, 300))

	hs.h.ClearFutureAfterTimestamp(ms(150))
	if got := hs.queuedTimes(); len(got) != 1 || !got[0].Equal(ms(100)) {
		t.Errorf("queue = %v, want only 100", got)
	}
	if hist.Len() != 0 {
		t.Errorf("history Len = %d, want entries after 150 pruned", hist.Len())
	}

	hs.h.ClearFutureStates()
	if got := hs.queuedTimes(); len(got) != 0 {
		t.Errorf("queue = %v, want empty", got)
	}
}

func TestHistoryRecordsExecutedStates(t *testing.T) {
	hist := history.New[lampState](history.WithPurgeInterval(0))
	hs := newHarness(t, device.ExecutionModeSalvo, func(o *Options[lampState], _ *fakeAdapter) {
		o.History = hist
	})

	hs.handle(t, lamp(6, 0))
	hs.awaitReport(t, ms(0))

	deadline := time.Now().Add(waitTimeout)
	for hist.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	e, ok := hist.StateAtOrBefore(ms(0))
	if !ok || e.State.Lamp != 6 {
		t.Errorf("history at 0 = %+v, %v; want lamp 6", e.State, ok)
	}
}

func TestPruneHistory(t *testing.T) {
	bare := newHarness(t, device.ExecutionModeSalvo, nil)
	if n := bare.h.PruneHistory(ms(1000)); n != 0 {
		t.Errorf("PruneHistory() without history = %d", n)
	}

	hist := history.New[lampState](history.WithPurgeInterval(0))
	hs := newHarness(t, device.ExecutionModeSalvo, func(o *Options[lampState], _ *fakeAdapter) {
		o.History = hist
	})
	hist.RecordState(lampState{Lamp: 1}, ms(100))
	hist.RecordState(lampState{Lamp: 2}, ms(200))

	if n := hs.h.PruneHistory(ms(250)); n != 1 {
		t.Errorf("PruneHistory() removed %d, want 1", n)
	}
}

func TestTerminate(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, nil)
	hs.handle(t, lamp(1, 1000))

	hs.h.Terminate()
	hs.h.Terminate()

	if err := hs.h.HandleState(lamp(2, 2000), lampMappings); !errors.Is(err, ErrTerminated) {
		t.Errorf("HandleState() after Terminate error = %v, want ErrTerminated", err)
	}
	st := hs.h.Status()
	if !st.Terminated || len(st.QueuedStates) != 0 {
		t.Errorf("Status() = %+v, want terminated with empty queue", st)
	}
}

func TestClockErrorSkipsTick(t *testing.T) {
	var mu sync.Mutex
	failing := true
	hs := newHarness(t, device.ExecutionModeSalvo, func(o *Options[lampState], _ *fakeAdapter) {
		clk := o.Clock
		o.TimeSource = func() (time.Time, error) {
			mu.Lock()
			defer mu.Unlock()
			if failing {
				return time.Time{}, errors.New("ptp clock lost")
			}
			return clk.Now(), nil
		}
	})

	hs.clk.Add(testTick)
	select {
	case ev := <-hs.errs:
		if ev.Context != ContextClock {
			t.Errorf("Context = %q, want %q", ev.Context, ContextClock)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no error event for failing time source")
	}

	mu.Lock()
	failing = false
	mu.Unlock()

	hs.handle(t, lamp(1, 100))
	hs.awaitReport(t, ms(100))
}

func TestTimeSourceDecidesWhenStateIsDue(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSalvo, func(o *Options[lampState], _ *fakeAdapter) {
		clk := o.Clock
		o.TimeSource = func() (time.Time, error) { return clk.Now().Add(time.Second), nil }
	})

	// The clock stays at 0; only the time source says 500 has passed.
	hs.handle(t, lamp(1, 500))
	select {
	case r := <-hs.reports:
		if !r.StateTime.Equal(ms(500)) {
			t.Errorf("StateTime = %v, want %v", r.StateTime, ms(500))
		}
	case <-time.After(waitTimeout):
		t.Fatalf("state due by the time source was not executed (clock at %v)", hs.clk.Now())
	}
}

func TestStatus(t *testing.T) {
	hs := newHarness(t, device.ExecutionModeSequential, func(o *Options[lampState], _ *fakeAdapter) {
		o.DeviceType = "fake"
	})
	hs.handle(t, lamp(1, 100))
	hs.handle(t, lamp(2, 200))

	st := hs.h.Status()
	if st.ID != "lamp0" || st.Type != "fake" || st.Mode != "sequential" || st.Pipeline != "statehandler" {
		t.Errorf("Status() = %+v", st)
	}
	if len(st.QueuedStates) != 2 {
		t.Errorf("QueuedStates = %v, want 2", st.QueuedStates)
	}
}

func TestTimeTraces(t *testing.T) {
	traces := make(chan events.TimeTrace, 32)
	hs := newHarness(t, device.ExecutionModeSalvo, nil)
	hs.emitter.OnTimeTrace(func(tr events.TimeTrace) { traces <- tr })

	hs.handle(t, lamp(1, 0))
	hs.awaitReport(t, ms(0))

	seen := map[string]bool{}
	timeout := time.After(waitTimeout)
	for !(seen[events.TraceConvertState] && seen[events.TraceDiffState]) {
		select {
		case tr := <-traces:
			seen[tr.Measurement] = true
			if tr.DeviceID != "lamp0" {
				t.Errorf("trace DeviceID = %q", tr.DeviceID)
			}
		case <-timeout:
			t.Fatalf("traces seen = %v, want convert and diff", seen)
		}
	}
}
