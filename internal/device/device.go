// Package device defines the contract between the scheduling core and the
// protocol drivers it drives.
//
// A driver implements Adapter: it converts a resolved timeline state into its
// own device state, diffs two device states into commands, and sends one
// command. The core never looks inside S or C.
package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/timeline"
)

// Adapter is implemented once per protocol.
type Adapter[S, C any] interface {
	// ConvertTimelineStateToDeviceState maps a resolved timeline state onto
	// the device's own representation. It must not have side effects.
	ConvertTimelineStateToDeviceState(state timeline.State, mappings timeline.Mappings) (S, error)

	// DiffStates returns the commands that move the device from oldState
	// (nil when unknown) to newState, in the order they should be sent.
	DiffStates(oldState *S, newState S, mappings timeline.Mappings) ([]CommandWithContext[C], error)

	// SendCommand sends one command. Implementations apply their own
	// timeouts; the core never cancels a send.
	SendCommand(ctx context.Context, cmd CommandWithContext[C]) error
}

// CommandWithContext is one command produced by a diff.
type CommandWithContext[C any] struct {
	Command C `json:"command"`

	// Context is a free-form diagnostic string, never interpreted.
	Context string `json:"context,omitempty"`

	TimelineObjectID string `json:"timelineObjId,omitempty"`
}

// ExecutionMode selects how the commands of one transition are dispatched.
type ExecutionMode int

const (
	// ExecutionModeSalvo sends every command of a transition concurrently.
	ExecutionModeSalvo ExecutionMode = iota

	// ExecutionModeSequential sends commands one after another, in diff order.
	ExecutionModeSequential
)

// String returns the config name of the mode.
func (m ExecutionMode) String() string {
	switch m {
	case ExecutionModeSalvo:
		return "salvo"
	case ExecutionModeSequential:
		return "sequential"
	default:
		return fmt.Sprintf("ExecutionMode(%d)", int(m))
	}
}

// ParseExecutionMode parses a config value ("salvo", "sequential").
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "salvo":
		return ExecutionModeSalvo, nil
	case "sequential":
		return ExecutionModeSequential, nil
	default:
		return ExecutionModeSalvo, fmt.Errorf("device: unknown execution mode %q", s)
	}
}

// Device is the runtime view of one driven device, independent of its
// state and command types.
type Device interface {
	// ID returns the device identifier used in mappings.
	ID() string

	// HandleState queues a new resolved timeline state. Mappings are
	// already filtered to this device.
	HandleState(state timeline.State, mappings timeline.Mappings) error

	// ClearFutureStates drops every state not yet executed.
	ClearFutureStates()

	// ClearFutureAfterTimestamp drops states and commands after t.
	ClearFutureAfterTimestamp(t time.Time)

	// Status returns a snapshot for operators.
	Status() Status

	// Terminate stops the device's goroutines. It is idempotent.
	Terminate()
}

// Status is a point-in-time summary of a device pipeline.
type Status struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	Pipeline        string      `json:"pipeline"`
	Mode            string      `json:"mode"`
	Executing       bool        `json:"executing"`
	QueuedStates    []time.Time `json:"queuedStates,omitempty"`
	PendingCommands int         `json:"pendingCommands"`
	CurrentState    any         `json:"currentState,omitempty"`
	LastExecuted    time.Time   `json:"lastExecuted,omitempty"`
	Terminated      bool        `json:"terminated"`
}
