// Package scheduler runs callables at (never before) a target time.
//
// Commands are grouped into named queues. A single loop goroutine sleeps
// until the soonest target time (at most one second), moves every due
// command into its queue's ready list and dispatches it according to the
// scheduler's SendMode:
//
//	┌──────────────┐  Schedule   ┌──────────────────────────────┐
//	│    caller    │────────────▶│ pending: queueID → id → cmd  │
//	└──────────────┘             └──────────────┬───────────────┘
//	                                  wake-up   │ target ≤ now
//	                                            ▼
//	              ┌──────────────── SendModeBurst ───────────────┐
//	              │ one goroutine per command, no waiting        │
//	              ├─────────────── SendModeInOrder ──────────────┤
//	              │ one worker per queue, each command awaited   │
//	              └──────────────────────────────────────────────┘
//
// Every execution is timed. Commands that start or finish later than the
// configured limits after their planned time are reported through the
// events.Emitter as slow-sent or slow-fulfilled commands. Callable errors and
// panics become error events and never stop the scheduler.
//
// # Usage
//
//	s := scheduler.New(scheduler.SendModeInOrder,
//	    scheduler.WithEmitter(emitter),
//	    scheduler.WithSlowSentLimit(40*time.Millisecond),
//	)
//	defer s.Dispose()
//
//	id, err := s.Schedule(at, "atem0", sendFn, cmd)
//
// Thread Safety: All methods are safe for concurrent use, including calls to
// Schedule from inside a running callable.
package scheduler
