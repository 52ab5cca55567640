// Package influxdb provides InfluxDB connectivity for tsrd timing telemetry.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched writes and health monitoring.
//
// # Measurements
//
//   - state_change: execution delay and command counts per executed state
//   - command: per-command execute and fulfilled delays
//   - scheduler_send: per-command scheduler timing
//   - slow_command: commands over the slow-sent or slow-fulfilled limits
//   - time_trace: convert, diff and send durations
//   - device_error: recovered device errors by context
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	emitter.OnStateChangeReport(client.WriteStateChange)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Write errors are delivered asynchronously to the SetOnError callback.
package influxdb
