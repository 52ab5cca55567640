package conductor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/device"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/mqtt"
)

// DefaultHealthInterval is used when no interval is configured.
const DefaultHealthInterval = 30 * time.Second

// HealthStatus represents the operational status of the daemon.
type HealthStatus string

const (
	// HealthHealthy indicates every device is running and MQTT is up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates MQTT is down or a device has stopped.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting is published once before the first report.
	HealthStarting HealthStatus = "starting"

	// HealthStopping is published on shutdown.
	HealthStopping HealthStatus = "stopping"
)

// DeviceHealth is the per-device part of a health message.
type DeviceHealth struct {
	ID              string    `json:"id"`
	Pipeline        string    `json:"pipeline"`
	QueuedStates    int       `json:"queuedStates"`
	PendingCommands int       `json:"pendingCommands"`
	LastExecuted    time.Time `json:"lastExecuted,omitempty"`
	Terminated      bool      `json:"terminated,omitempty"`
}

// HealthMessage is published retained on tsr/system/health.
type HealthMessage struct {
	Site          string         `json:"site"`
	Version       string         `json:"version"`
	Status        HealthStatus   `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
	Devices       []DeviceHealth `json:"devices"`
}

// HealthPublisher is the interface for publishing health messages.
// *mqtt.Client implements it.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

var _ HealthPublisher = (*mqtt.Client)(nil)

// QueueGauge receives per-device backlog on every report.
// metrics.Metrics implements it.
type QueueGauge interface {
	SetQueueDepth(deviceID string, pendingCommands, queuedStates int)
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	SiteID  string
	Version string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher

	// Devices returns the current device snapshots.
	Devices func() []device.Status

	// Gauge is optional.
	Gauge QueueGauge
}

// HealthReporter publishes periodic health status over MQTT.
type HealthReporter struct {
	siteID    string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	devices   func() []device.Status
	gauge     QueueGauge

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter.
//
// Returns:
//   - *HealthReporter: Ready to start (call Start to begin reporting)
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	devices := cfg.Devices
	if devices == nil {
		devices = func() []device.Status { return nil }
	}
	return &HealthReporter{
		siteID:    cfg.SiteID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		devices:   devices,
		gauge:     cfg.Gauge,
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start begins periodic health reporting until ctx is cancelled or Stop
// is called.
func (h *HealthReporter) Start(ctx context.Context) {
	if err := h.publish(HealthStarting, "", nil); err != nil {
		h.logError("failed to publish starting health", err)
	}
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publish(HealthStopping, "", nil)
	})
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	devices := h.devices()
	if h.gauge != nil {
		for _, d := range devices {
			h.gauge.SetQueueDepth(d.ID, d.PendingCommands, len(d.QueuedStates))
		}
	}
	status, reason := h.determineStatus(devices)
	return h.publish(status, reason, devices)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current status.
func (h *HealthReporter) determineStatus(devices []device.Status) (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	for _, d := range devices {
		if d.Terminated {
			return HealthDegraded, "device " + d.ID + " terminated"
		}
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) message(status HealthStatus, reason string, devices []device.Status) HealthMessage {
	msg := HealthMessage{
		Site:          h.siteID,
		Version:       h.version,
		Status:        status,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Devices:       make([]DeviceHealth, 0, len(devices)),
	}
	for _, d := range devices {
		msg.Devices = append(msg.Devices, DeviceHealth{
			ID:              d.ID,
			Pipeline:        d.Pipeline,
			QueuedStates:    len(d.QueuedStates),
			PendingCommands: d.PendingCommands,
			LastExecuted:    d.LastExecuted,
			Terminated:      d.Terminated,
		})
	}
	return msg
}

func (h *HealthReporter) publish(status HealthStatus, reason string, devices []device.Status) error {
	if h.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.message(status, reason, devices))
	if err != nil {
		return err
	}
	return h.publisher.Publish(mqtt.Topics{}.SystemHealth(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
