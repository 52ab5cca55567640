// Package statehandler turns a stream of resolved timeline states into timed
// device commands.
//
// Each HandleState call converts the timeline state into the device's own
// state right away and queues it, discarding every queued state at or after
// its time. A clock ticking every TickInterval watches the head of the queue;
// once the head is less than one tick away, a one-shot timer is armed for its
// exact time. When it fires, the head is diffed against the last executed
// state and the resulting commands are sent through the adapter:
//
//	HandleState ──▶ convert ──▶ queue ──▶ tick / timer ──▶ diff ──▶ send
//	                                                          │
//	                                       Measurement ◀──────┘
//
// The diff of the head is computed ahead of time in the background and
// reused when the state it was computed against is still current.
//
// Failures never stall the pipeline. A failing diff is reported and treated
// as an empty command list, a failing send is reported per command, and a
// failing time source skips a tick.
//
// Thread Safety: All methods are safe for concurrent use.
package statehandler
