// Package metrics exposes tsrd scheduling telemetry to Prometheus.
//
// Metrics live on a private registry so several instances can coexist in
// tests. Handler serves the registry in the text exposition format.
//
// # Metrics
//
//	tsr_core_commands_sent_total{device}            commands executed by a scheduler
//	tsr_core_commands_failed_total{device}          commands whose send returned an error
//	tsr_core_slow_commands_total{device,kind}       kind is "sent" or "fulfilled"
//	tsr_core_errors_total{device,context}           recovered device errors
//	tsr_core_state_executions_total{device}         executed state transitions
//	tsr_core_execution_delay_milliseconds{device}   planned vs actual transition time
//	tsr_core_time_trace_milliseconds{device,step}   convert, diff and send durations
package metrics
