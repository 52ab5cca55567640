// Package api provides the HTTP API and WebSocket server for tsrd.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/conductor"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/device"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/config"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/database"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/logging"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/reports"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/timeline"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller routes timeline states to devices. *conductor.Conductor
// implements it.
type Controller interface {
	HandleState(state timeline.State, mappings timeline.Mappings) error
	ApplyClear(msg conductor.ClearMessage)
	Devices() []device.Status
	DeviceStatus(id string) (device.Status, error)
}

// ReportReader reads stored reports. *reports.SQLiteRepository implements it.
type ReportReader interface {
	ListByDevice(ctx context.Context, filter reports.Filter) ([]reports.StoredReport, error)
	ListErrors(ctx context.Context, filter reports.Filter) ([]reports.DeviceError, error)
}

// ConnectionChecker reports broker connectivity. *mqtt.Client implements it.
type ConnectionChecker interface {
	IsConnected() bool
}

// DatabaseChecker is implemented by *database.DB.
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
	MigrationStatus(ctx context.Context) (database.MigrationStatus, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Conductor Controller
	Reports   ReportReader      // optional
	MQTT      ConnectionChecker // optional
	DB        DatabaseChecker   // optional
	Metrics   http.Handler      // optional Prometheus handler
	Hub       *Hub              // If set, the server uses this hub instead of creating its own
	Version   string
}

// Server is the HTTP API server for tsrd.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	conductor Controller
	reports   ReportReader
	mqtt      ConnectionChecker
	db        DatabaseChecker
	metrics   http.Handler
	version   string
	startTime time.Time

	hub         *Hub
	externalHub bool // true if hub was injected externally

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // cancels the hub on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Conductor == nil {
		return nil, fmt.Errorf("conductor is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		conductor: deps.Conductor,
		reports:   deps.Reports,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		metrics:   deps.Metrics,
		version:   deps.Version,
		startTime: time.Now(),
	}
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub. It implements conductor.Broadcaster.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in a background goroutine. The
// server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the hub; cancelling it disconnects clients
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		s.server = nil
		return fmt.Errorf("binding %s: %w", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port), err)
	}
	s.listener = ln
	srv := s.server

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if cancel != nil {
		cancel()
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancelShutdown()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
