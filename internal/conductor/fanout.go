package conductor

import (
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/measurement"
)

// Event stream channels.
const (
	ChannelCommandError         = "command.error"
	ChannelCommandReport        = "command.report"
	ChannelCommandSlowSent      = "command.slow_sent"
	ChannelCommandSlowFulfilled = "command.slow_fulfilled"
	ChannelStateReport          = "state.report"
	ChannelTimeTrace            = "time.trace"
)

// Channels lists every event stream channel.
var Channels = []string{
	ChannelCommandError,
	ChannelCommandReport,
	ChannelCommandSlowSent,
	ChannelCommandSlowFulfilled,
	ChannelStateReport,
	ChannelTimeTrace,
}

// Broadcaster delivers a payload to the subscribers of a channel.
// api.Hub implements it.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// ErrorPayload is the wire form of an error event.
type ErrorPayload struct {
	DeviceID string `json:"deviceId"`
	Context  string `json:"context"`
	Error    string `json:"error"`
}

// BroadcastSink forwards device events to an event stream.
type BroadcastSink struct {
	b Broadcaster
}

// NewBroadcastSink creates a sink publishing to b.
func NewBroadcastSink(b Broadcaster) *BroadcastSink {
	return &BroadcastSink{b: b}
}

// Subscribe implements Sink.
func (s *BroadcastSink) Subscribe(e *events.Emitter) {
	e.OnError(func(ev events.ErrorEvent) {
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.b.Broadcast(ChannelCommandError, ErrorPayload{DeviceID: ev.DeviceID, Context: ev.Context, Error: msg})
	})
	e.OnCommandReport(func(r events.CommandReport) { s.b.Broadcast(ChannelCommandReport, r) })
	e.OnSlowSentCommand(func(ev events.SlowSentCommand) { s.b.Broadcast(ChannelCommandSlowSent, ev) })
	e.OnSlowFulfilledCommand(func(ev events.SlowFulfilledCommand) { s.b.Broadcast(ChannelCommandSlowFulfilled, ev) })
	e.OnStateChangeReport(func(r measurement.StateChangeReport) { s.b.Broadcast(ChannelStateReport, r) })
	e.OnTimeTrace(func(tr events.TimeTrace) { s.b.Broadcast(ChannelTimeTrace, tr) })
}

// LogSink writes device events to a logger. Errors and slow commands are
// warnings; reports and traces are debug.
type LogSink struct {
	logger Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Subscribe implements Sink.
func (s *LogSink) Subscribe(e *events.Emitter) {
	e.OnError(func(ev events.ErrorEvent) {
		s.logger.Warn("device error", "device_id", ev.DeviceID, "context", ev.Context, "error", ev.Err)
	})
	e.OnSlowSentCommand(func(ev events.SlowSentCommand) {
		s.logger.Warn("slow sent command",
			"device_id", ev.DeviceID, "queue", ev.QueueID,
			"delay", ev.SendDelay, "limit", ev.Limit)
	})
	e.OnSlowFulfilledCommand(func(ev events.SlowFulfilledCommand) {
		s.logger.Warn("slow fulfilled command",
			"device_id", ev.DeviceID, "queue", ev.QueueID,
			"delay", ev.FulfilledDelay, "limit", ev.Limit)
	})
	e.OnStateChangeReport(func(r measurement.StateChangeReport) {
		s.logger.Debug("state executed",
			"device_id", r.DeviceID, "state_time", r.StateTime,
			"delay", r.ExecutionDelay, "commands", len(r.Commands), "failed", r.Failed())
	})
	e.OnTimeTrace(func(tr events.TimeTrace) {
		s.logger.Debug("time trace", "device_id", tr.DeviceID, "step", tr.Measurement, "duration", tr.Duration)
	})
}
