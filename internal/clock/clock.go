// Package clock provides the time source used by the scheduling core.
//
// Production code uses New, the wall clock. Tests use NewMock, whose time
// only moves on Add or Set, so timer-driven loops can be stepped
// deterministically.
package clock

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source consumed by the scheduler and state handler.
type Clock = clock.Clock

// Mock is a Clock whose time only moves when told to.
type Mock = clock.Mock

// Timer is a one-shot timer created by a Clock.
type Timer = clock.Timer

// Ticker is a periodic ticker created by a Clock.
type Ticker = clock.Ticker

// New returns the wall clock.
func New() Clock {
	return clock.New()
}

// NewMock returns a mock clock set to start.
func NewMock(start time.Time) *Mock {
	m := clock.NewMock()
	m.Set(start)
	return m
}

// Millis converts a Unix millisecond timestamp to a UTC time.
// Timeline producers exchange times as epoch milliseconds.
func Millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Epoch is the earliest valid target time.
var Epoch = time.Unix(0, 0).UTC()
