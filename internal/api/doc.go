// Package api implements the HTTP status API and WebSocket event stream for
// tsrd.
//
// This package provides:
//   - Read endpoints for device status, stored state reports and errors
//   - Timeline ingress over HTTP (the same messages accepted on MQTT)
//   - WebSocket hub relaying device events to subscribed clients
//   - Prometheus exposition on /api/v1/metrics
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server sits beside the MQTT ingress. Playout controllers may post
// resolved timeline states here instead of publishing them; operators and
// dashboards read device status and subscribe to event channels
// (command.error, command.report, state.report, ...) over /api/v1/ws.
//
// # Graceful Degradation
//
// The server operates without MQTT or the report store. Endpoints that
// need a missing dependency answer 503.
package api
