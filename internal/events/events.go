package events

import (
	"time"
)

// ErrorEvent reports a recovered failure (diff, command send, clock, callable).
type ErrorEvent struct {
	DeviceID string
	Context  string
	Err      error
}

// CommandReport describes one command executed by the scheduler.
type CommandReport struct {
	DeviceID  string `json:"deviceId"`
	CommandID string `json:"commandId"`
	QueueID   string `json:"queueId"`
	Args      []any  `json:"args,omitempty"`

	PlannedSend time.Time `json:"plannedSend"`
	Added       time.Time `json:"added"`
	Prepare     time.Time `json:"prepare"`
	Send        time.Time `json:"send"`
	Fulfilled   time.Time `json:"fulfilled"`

	SendDelay      time.Duration `json:"sendDelay"`
	FulfilledDelay time.Duration `json:"fulfilledDelay"`

	Error string `json:"error,omitempty"`
}

// SlowSentCommand is emitted when a command started later than the
// configured limit after its planned time.
type SlowSentCommand struct {
	DeviceID    string        `json:"deviceId"`
	CommandID   string        `json:"commandId"`
	QueueID     string        `json:"queueId"`
	PlannedSend time.Time     `json:"plannedSend"`
	Send        time.Time     `json:"send"`
	SendDelay   time.Duration `json:"sendDelay"`
	Limit       time.Duration `json:"limit"`
	Args        []any         `json:"args,omitempty"`
}

// SlowFulfilledCommand is emitted when a command completed later than the
// configured limit after its planned time.
type SlowFulfilledCommand struct {
	DeviceID       string        `json:"deviceId"`
	CommandID      string        `json:"commandId"`
	QueueID        string        `json:"queueId"`
	PlannedSend    time.Time     `json:"plannedSend"`
	Fulfilled      time.Time     `json:"fulfilled"`
	FulfilledDelay time.Duration `json:"fulfilledDelay"`
	Limit          time.Duration `json:"limit"`
	Args           []any         `json:"args,omitempty"`
}

// TimeTrace is a measured span of work inside a pipeline step.
type TimeTrace struct {
	DeviceID    string        `json:"deviceId"`
	Measurement string        `json:"measurement"`
	Start       time.Time     `json:"start"`
	Duration    time.Duration `json:"duration"`
}

// Trace names emitted by the pipelines.
const (
	TraceConvertState = "device:convertState"
	TraceDiffState    = "device:diffState"
	TraceSendCommands = "device:sendCommands"
)
