package conductor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/clock"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/device"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/devices/mqttsend"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/config"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/timeline"
)

// Domain errors for the conductor package.
var (
	// ErrDeviceNotFound is returned for an unknown device id.
	ErrDeviceNotFound = errors.New("conductor: device not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conductor: closed")
)

// Logger defines the logging interface used by the conductor and handed to
// every device pipeline.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Sink observes device events. metrics.Metrics, influxdb.Client and
// reports.Recorder implement it.
type Sink interface {
	Subscribe(e *events.Emitter)
}

// Options configures a Conductor.
type Options struct {
	// Clock drives every device pipeline. Defaults to the wall clock.
	Clock clock.Clock

	Logger Logger

	// DeviceLogger returns the logger handed to a device pipeline.
	// Defaults to Logger.
	DeviceLogger func(deviceID string) Logger

	// Publisher carries mqttsend output.
	Publisher mqttsend.Publisher

	// Sinks are attached to every device emitter.
	Sinks []Sink
}

// managed is a running device and its emitter.
type managed struct {
	cfg     config.DeviceConfig
	device  device.Device
	emitter *events.Emitter
}

// Conductor routes timeline states to devices.
//
// Thread Safety: All methods are safe for concurrent use.
type Conductor struct {
	cfg       *config.Config
	clock     clock.Clock
	logger    Logger
	loggerFor func(deviceID string) Logger

	mu      sync.RWMutex
	devices map[string]*managed
	order   []string
	closed  bool
}

// New builds and starts every enabled device in cfg.
//
// Parameters:
//   - cfg: Validated configuration
//   - opts: Clock, logger, MQTT publisher and event sinks
//
// Returns:
//   - *Conductor: Running conductor; call Close to stop the devices
//   - error: If a device cannot be built; devices already started are stopped
func New(cfg *config.Config, opts Options) (*Conductor, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.DeviceLogger == nil {
		l := opts.Logger
		opts.DeviceLogger = func(string) Logger { return l }
	}
	c := &Conductor{
		cfg:       cfg,
		clock:     opts.Clock,
		logger:    opts.Logger,
		loggerFor: opts.DeviceLogger,
		devices:   make(map[string]*managed),
	}

	for _, dc := range cfg.Devices {
		if dc.Disabled {
			c.logger.Info("device disabled", "device_id", dc.ID)
			continue
		}
		emitter := events.NewEmitter(dc.ID)
		for _, sink := range opts.Sinks {
			sink.Subscribe(emitter)
		}
		dev, err := c.buildDevice(dc, emitter, opts.Publisher)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("building device %s: %w", dc.ID, err)
		}
		c.devices[dc.ID] = &managed{cfg: dc, device: dev, emitter: emitter}
		c.order = append(c.order, dc.ID)
		c.logger.Info("device started", "device_id", dc.ID, "type", dc.Type, "pipeline", pipelineName(dc))
	}
	sort.Strings(c.order)
	return c, nil
}

// HandleState routes a resolved timeline state to every device. Each
// device receives its own deep copy of the state and only the mappings
// that target it; a device with no mappings receives an empty layer set.
//
// Returns:
//   - error: The joined per-device errors, or nil
func (c *Conductor) HandleState(state timeline.State, mappings timeline.Mappings) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	var errs []error
	for _, id := range c.order {
		m := c.devices[id]
		st, mp, err := copyForDevice(state, mappings, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", id, err))
			continue
		}
		if err := m.device.HandleState(st, mp); err != nil {
			c.logger.Warn("device rejected state", "device_id", id, "time", state.Time, "error", err)
			errs = append(errs, fmt.Errorf("device %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// copyForDevice isolates a device from the caller's maps and from its
// siblings. Time is copied by value.
func copyForDevice(state timeline.State, mappings timeline.Mappings, deviceID string) (timeline.State, timeline.Mappings, error) {
	out := timeline.State{Time: state.Time, Layers: make(map[string]timeline.ResolvedObject)}
	if err := deepcopy.Copy(&out.Layers, &state.Layers); err != nil {
		return timeline.State{}, nil, fmt.Errorf("copying state: %w", err)
	}
	filtered := mappings.ForDevice(deviceID)
	mp := make(timeline.Mappings, len(filtered))
	if err := deepcopy.Copy(&mp, &filtered); err != nil {
		return timeline.State{}, nil, fmt.Errorf("copying mappings: %w", err)
	}
	return out, mp, nil
}

// ClearFutureStates drops every queued state on every device.
func (c *Conductor) ClearFutureStates() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		c.devices[id].device.ClearFutureStates()
	}
	c.logger.Info("cleared future states")
}

// ClearFutureAfterTimestamp drops states and commands after t on every
// device.
func (c *Conductor) ClearFutureAfterTimestamp(t time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		c.devices[id].device.ClearFutureAfterTimestamp(t)
	}
	c.logger.Info("cleared future states", "after", t)
}

// Devices returns a status snapshot of every device, ordered by id.
func (c *Conductor) Devices() []device.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]device.Status, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.devices[id].device.Status())
	}
	return out
}

// DeviceStatus returns one device's status.
func (c *Conductor) DeviceStatus(id string) (device.Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.devices[id]
	if !ok {
		return device.Status{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return m.device.Status(), nil
}

// HasDevice reports whether id is a running device.
func (c *Conductor) HasDevice(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.devices[id]
	return ok
}

// Emitter returns a device's event emitter.
func (c *Conductor) Emitter(id string) (*events.Emitter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return m.emitter, nil
}

// historyPruner is implemented by pipelines that keep a state history.
type historyPruner interface {
	PruneHistory(before time.Time) int
}

// PruneHistory drops history entries older than before on every device
// that keeps one. It returns the number of entries removed.
func (c *Conductor) PruneHistory(before time.Time) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, id := range c.order {
		if p, ok := c.devices[id].device.(historyPruner); ok {
			n += p.PruneHistory(before)
		}
	}
	return n
}

// Close terminates every device. It is idempotent.
func (c *Conductor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	devices := make([]*managed, 0, len(c.devices))
	for _, m := range c.devices {
		devices = append(devices, m)
	}
	c.mu.Unlock()

	for _, m := range devices {
		m.device.Terminate()
	}
	c.logger.Info("conductor closed", "devices", len(devices))
}
