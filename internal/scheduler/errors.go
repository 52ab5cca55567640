package scheduler

import "errors"

// Domain errors for the scheduler package.
var (
	// ErrInvalidSchedule is returned when Schedule is given a target time
	// before the Unix epoch or a nil callable.
	ErrInvalidSchedule = errors.New("scheduler: invalid schedule")

	// ErrDisposed is returned when scheduling on a disposed scheduler.
	ErrDisposed = errors.New("scheduler: disposed")

	// ErrCommandPanic wraps a panic recovered from a scheduled callable.
	ErrCommandPanic = errors.New("scheduler: command panicked")
)
