package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/measurement"
)

// Measurement names written by tsrd.
const (
	MeasurementStateChange   = "state_change"
	MeasurementCommand       = "command"
	MeasurementSlowCommand   = "slow_command"
	MeasurementTimeTrace     = "time_trace"
	MeasurementDeviceError   = "device_error"
	MeasurementSchedulerSend = "scheduler_send"
)

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// StateChangePoint builds the point for one executed state. The point is
// stamped with the execution time.
func StateChangePoint(r measurement.StateChangeReport) *write.Point {
	failed := r.Failed()
	fields := map[string]interface{}{
		"execution_delay_ms": millis(r.ExecutionDelay),
		"commands":           len(r.Commands),
		"failed":             failed,
		"queued_ms":          millis(r.Scheduled.Sub(r.Added)),
	}
	var maxFulfilled time.Duration
	for _, c := range r.Commands {
		if c.FulfilledDelay > maxFulfilled {
			maxFulfilled = c.FulfilledDelay
		}
	}
	if len(r.Commands) > 0 {
		fields["max_fulfilled_delay_ms"] = millis(maxFulfilled)
	}

	ts := r.Executed
	if ts.IsZero() {
		ts = r.Scheduled
	}
	return write.NewPoint(MeasurementStateChange, map[string]string{"device_id": r.DeviceID}, fields, ts)
}

// CommandPoints builds one point per command of a state change.
func CommandPoints(r measurement.StateChangeReport) []*write.Point {
	points := make([]*write.Point, 0, len(r.Commands))
	for _, c := range r.Commands {
		fields := map[string]interface{}{
			"execute_delay_ms": millis(c.ExecuteDelay),
			"fulfilled":        c.IsFulfilled(),
		}
		if c.IsFulfilled() {
			fields["fulfilled_delay_ms"] = millis(c.FulfilledDelay)
		}
		if c.Error != "" {
			fields["error"] = c.Error
		}
		if c.Context != "" {
			fields["context"] = c.Context
		}
		points = append(points, write.NewPoint(MeasurementCommand,
			map[string]string{"device_id": r.DeviceID},
			fields,
			c.Executed,
		))
	}
	return points
}

// WriteStateChange records a state change report and its commands.
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) WriteStateChange(r measurement.StateChangeReport) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(StateChangePoint(r))
	for _, p := range CommandPoints(r) {
		c.writeAPI.WritePoint(p)
	}
}

// WriteCommandReport records one scheduler command execution.
func (c *Client) WriteCommandReport(r events.CommandReport) {
	if !c.IsConnected() {
		return
	}
	fields := map[string]interface{}{
		"send_delay_ms":      millis(r.SendDelay),
		"fulfilled_delay_ms": millis(r.FulfilledDelay),
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementSchedulerSend,
		map[string]string{"device_id": r.DeviceID, "queue": r.QueueID},
		fields,
		r.Send,
	))
}

// WriteSlowSent records a command that started late.
func (c *Client) WriteSlowSent(ev events.SlowSentCommand) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementSlowCommand,
		map[string]string{"device_id": ev.DeviceID, "queue": ev.QueueID, "kind": "sent"},
		map[string]interface{}{"delay_ms": millis(ev.SendDelay), "limit_ms": millis(ev.Limit)},
		ev.Send,
	))
}

// WriteSlowFulfilled records a command that completed late.
func (c *Client) WriteSlowFulfilled(ev events.SlowFulfilledCommand) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementSlowCommand,
		map[string]string{"device_id": ev.DeviceID, "queue": ev.QueueID, "kind": "fulfilled"},
		map[string]interface{}{"delay_ms": millis(ev.FulfilledDelay), "limit_ms": millis(ev.Limit)},
		ev.Fulfilled,
	))
}

// WriteTimeTrace records a pipeline step duration.
func (c *Client) WriteTimeTrace(tr events.TimeTrace) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementTimeTrace,
		map[string]string{"device_id": tr.DeviceID, "step": tr.Measurement},
		map[string]interface{}{"duration_ms": millis(tr.Duration)},
		tr.Start,
	))
}

// WriteDeviceError counts a device error by context.
func (c *Client) WriteDeviceError(ev events.ErrorEvent, at time.Time) {
	if !c.IsConnected() {
		return
	}
	msg := ""
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementDeviceError,
		map[string]string{"device_id": ev.DeviceID, "context": ev.Context},
		map[string]interface{}{"count": 1, "message": msg},
		at,
	))
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

// Subscribe attaches the writers to a device emitter. Error events are
// stamped with the wall clock at the time they are observed.
func (c *Client) Subscribe(e *events.Emitter) {
	e.OnStateChangeReport(c.WriteStateChange)
	e.OnCommandReport(c.WriteCommandReport)
	e.OnSlowSentCommand(c.WriteSlowSent)
	e.OnSlowFulfilledCommand(c.WriteSlowFulfilled)
	e.OnTimeTrace(c.WriteTimeTrace)
	e.OnError(func(ev events.ErrorEvent) { c.WriteDeviceError(ev, time.Now()) })
}
