package device

import (
	"errors"
	"fmt"
)

// ErrAdapterPanic wraps a panic recovered from an adapter method.
var ErrAdapterPanic = errors.New("device: adapter panicked")

// DiffError reports a failed DiffStates call. The transition continues with
// no commands.
type DiffError struct {
	DeviceID string
	Err      error
}

func (e *DiffError) Error() string {
	return fmt.Sprintf("device %s: diff states: %v", e.DeviceID, e.Err)
}

func (e *DiffError) Unwrap() error { return e.Err }

// CommandError reports a failed SendCommand call. Sibling commands of the
// same transition are unaffected.
type CommandError struct {
	DeviceID         string
	Context          string
	TimelineObjectID string
	Err              error
}

func (e *CommandError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("device %s: send command (%s): %v", e.DeviceID, e.Context, e.Err)
	}
	return fmt.Sprintf("device %s: send command: %v", e.DeviceID, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Recover converts a panic value into an error wrapping ErrAdapterPanic.
// Use it as: defer func() { device.Recover(recover(), &err) }().
func Recover(r any, err *error) {
	if r == nil {
		return
	}
	*err = fmt.Errorf("%w: %v", ErrAdapterPanic, r)
}
