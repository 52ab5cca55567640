package measurement

import (
	"encoding/json"
	"math"
	"time"
)

// Delays are exchanged as fractional milliseconds.

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// FromMillis converts fractional milliseconds to a duration.
func FromMillis(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

type reportAlias StateChangeReport

type reportJSON struct {
	*reportAlias
	ExecutionDelay float64 `json:"executionDelay"`
}

// MarshalJSON writes the execution delay in milliseconds.
func (r StateChangeReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		reportAlias:    (*reportAlias)(&r),
		ExecutionDelay: Millis(r.ExecutionDelay),
	})
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (r *StateChangeReport) UnmarshalJSON(data []byte) error {
	w := reportJSON{reportAlias: (*reportAlias)(r)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.ExecutionDelay = FromMillis(w.ExecutionDelay)
	return nil
}

type commandAlias CommandReport

type commandJSON struct {
	*commandAlias
	ExecuteDelay   float64    `json:"executeDelay"`
	Fulfilled      *time.Time `json:"fulfilled,omitempty"`
	FulfilledDelay *float64   `json:"fulfilledDelay,omitempty"`
}

// MarshalJSON writes delays in milliseconds. Fulfilled and fulfilledDelay
// are left out until the command reported completion.
func (c CommandReport) MarshalJSON() ([]byte, error) {
	w := commandJSON{
		commandAlias: (*commandAlias)(&c),
		ExecuteDelay: Millis(c.ExecuteDelay),
	}
	if c.IsFulfilled() {
		fulfilled := c.Fulfilled
		delay := Millis(c.FulfilledDelay)
		w.Fulfilled = &fulfilled
		w.FulfilledDelay = &delay
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (c *CommandReport) UnmarshalJSON(data []byte) error {
	w := commandJSON{commandAlias: (*commandAlias)(c)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.ExecuteDelay = FromMillis(w.ExecuteDelay)
	c.Fulfilled = time.Time{}
	c.FulfilledDelay = 0
	if w.Fulfilled != nil {
		c.Fulfilled = *w.Fulfilled
	}
	if w.FulfilledDelay != nil {
		c.FulfilledDelay = FromMillis(*w.FulfilledDelay)
	}
	return nil
}
