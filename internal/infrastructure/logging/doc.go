// Package logging provides structured logging for tsrd.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the daemon.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Per-component child loggers (component=scheduler, device_id=...)
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	log := logger.Component("conductor").With("device_id", id)
//	log.Info("device started", "pipeline", "statehandler")
//
// Never log MQTT or InfluxDB credentials.
package logging
