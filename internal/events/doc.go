// Package events defines the notifications produced by a device pipeline and
// the Emitter that delivers them.
//
// Event kinds:
//   - ErrorEvent: a recovered failure (diff, send, clock)
//   - CommandReport: per-command timing, only built when observed
//   - SlowSentCommand / SlowFulfilledCommand: latency threshold breaches
//   - TimeTrace: spans of convert, diff and send work
//   - measurement.StateChangeReport: the summary of one executed state
//
// Observers are called synchronously and must not block. A slow consumer
// should hand events off to its own goroutine (see the API websocket hub).
package events
