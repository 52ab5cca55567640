package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/measurement"
)

func TestObserveCommandReport(t *testing.T) {
	m := New()

	m.ObserveCommandReport(events.CommandReport{DeviceID: "mqtt0"})
	m.ObserveCommandReport(events.CommandReport{DeviceID: "mqtt0", Error: "timeout"})
	m.ObserveCommandReport(events.CommandReport{DeviceID: "mqtt1"})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"sent mqtt0", testutil.ToFloat64(m.commandsSent.WithLabelValues("mqtt0")), 2},
		{"sent mqtt1", testutil.ToFloat64(m.commandsSent.WithLabelValues("mqtt1")), 1},
		{"failed mqtt0", testutil.ToFloat64(m.commandsFailed.WithLabelValues("mqtt0")), 1},
		{"failed mqtt1", testutil.ToFloat64(m.commandsFailed.WithLabelValues("mqtt1")), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestSubscribeFansOutFromEmitter(t *testing.T) {
	m := New()
	e := events.NewEmitter("mqtt0")
	m.Subscribe(e)

	e.SlowSentCommand(events.SlowSentCommand{SendDelay: 60 * time.Millisecond})
	e.SlowFulfilledCommand(events.SlowFulfilledCommand{})
	e.SlowFulfilledCommand(events.SlowFulfilledCommand{})
	e.Error("statehandler: send", errors.New("broker gone"))
	e.StateChangeReport(measurement.StateChangeReport{DeviceID: "mqtt0", ExecutionDelay: 3 * time.Millisecond})
	e.TimeTrace(events.TimeTrace{Measurement: events.TraceDiffState, Duration: time.Millisecond})

	if got := testutil.ToFloat64(m.slowCommands.WithLabelValues("mqtt0", KindSent)); got != 1 {
		t.Errorf("slow sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.slowCommands.WithLabelValues("mqtt0", KindFulfilled)); got != 2 {
		t.Errorf("slow fulfilled = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("mqtt0", "statehandler: send")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stateExecutions.WithLabelValues("mqtt0")); got != 1 {
		t.Errorf("state executions = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.executionDelay); got != 1 {
		t.Errorf("execution delay series = %d, want 1", got)
	}
	if got := testutil.CollectAndCount(m.timeTrace); got != 1 {
		t.Errorf("time trace series = %d, want 1", got)
	}
}

func TestSetQueueDepth(t *testing.T) {
	m := New()
	m.SetQueueDepth("mqtt0", 4, 2)
	m.SetQueueDepth("mqtt0", 1, 0)

	if got := testutil.ToFloat64(m.pendingCommands.WithLabelValues("mqtt0")); got != 1 {
		t.Errorf("pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queuedStates.WithLabelValues("mqtt0")); got != 0 {
		t.Errorf("queued = %v, want 0", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveCommandReport(events.CommandReport{DeviceID: "mqtt0"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`tsr_core_commands_sent_total{device="mqtt0"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveCommandReport(events.CommandReport{DeviceID: "x"})

	if got := testutil.ToFloat64(b.commandsSent.WithLabelValues("x")); got != 0 {
		t.Errorf("second registry saw %v commands", got)
	}
}
