package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds the database probe in /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system", s.handleSystem)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/reports", s.handleListReports)
				r.Get("/errors", s.handleListErrors)
			})
		})

		r.Route("/timeline", func(r chi.Router) {
			r.Post("/", s.handleSubmitState)
			r.Post("/clear", s.handleClearTimeline)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status. It answers 503 when the
// database probe fails; a disconnected broker only degrades the status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	resp := map[string]any{
		"version": s.version,
		"devices": len(s.conductor.Devices()),
	}

	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		resp["mqtt_connected"] = connected
		if !connected {
			status = "degraded"
		}
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			s.logger.Warn("database health check failed", "error", err)
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	resp["status"] = status
	writeJSON(w, code, resp)
}
