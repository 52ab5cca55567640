package conductor

import (
	"fmt"
	"strings"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/device"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/devices/mqttsend"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/history"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/config"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/scheduler"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/sequencer"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/statehandler"
)

// Pipeline names.
const (
	PipelineStateHandler = "statehandler"
	PipelineSequencer    = "sequencer"
)

// Device option keys read by the conductor.
const (
	OptionTimeoutMS = "timeout_ms"
	OptionQueueBy   = "queue_by"
)

func pipelineName(dc config.DeviceConfig) string {
	if dc.Pipeline == "" {
		return PipelineStateHandler
	}
	return strings.ToLower(dc.Pipeline)
}

// buildDevice creates the adapter for the device type and wraps it in the
// configured pipeline.
func (c *Conductor) buildDevice(dc config.DeviceConfig, emitter *events.Emitter, pub mqttsend.Publisher) (device.Device, error) {
	switch strings.ToLower(dc.Type) {
	case mqttsend.DeviceType:
		opts := []mqttsend.Option{}
		if ms, ok := optionInt(dc.Options, OptionTimeoutMS); ok {
			opts = append(opts, mqttsend.WithTimeout(time.Duration(ms)*time.Millisecond))
		}
		if q := c.cfg.MQTT.QoS; q >= 0 && q <= 2 {
			opts = append(opts, mqttsend.WithDefaultQoS(byte(q)))
		}
		adapter := mqttsend.New(dc.ID, pub, opts...)

		var queueKey func(device.CommandWithContext[mqttsend.Command]) string
		if by, _ := dc.Options[OptionQueueBy].(string); by == "topic" {
			queueKey = func(cmd device.CommandWithContext[mqttsend.Command]) string { return cmd.Command.Topic }
		}
		return buildPipeline(c, dc, adapter, emitter, queueKey)
	default:
		return nil, fmt.Errorf("unknown device type %q", dc.Type)
	}
}

// buildPipeline wires an adapter into a statehandler or sequencer using the
// device's effective settings.
func buildPipeline[S, C any](
	c *Conductor,
	dc config.DeviceConfig,
	adapter device.Adapter[S, C],
	emitter *events.Emitter,
	queueKey func(device.CommandWithContext[C]) string,
) (device.Device, error) {
	logger := c.loggerFor(dc.ID)

	switch pipelineName(dc) {
	case PipelineStateHandler:
		mode, err := device.ParseExecutionMode(c.cfg.ExecutionMode(dc))
		if err != nil {
			return nil, err
		}
		opts := statehandler.Options[S]{
			Clock:         c.clock,
			Logger:        logger,
			Emitter:       emitter,
			ExecutionMode: mode,
			TickInterval:  c.cfg.TickInterval(),
			DeviceType:    dc.Type,
		}
		if c.cfg.History.Enabled {
			opts.History = history.New[S](
				history.WithClock(c.clock),
				history.WithPurgeInterval(c.cfg.History.PurgeInterval),
			)
		}
		return statehandler.New(dc.ID, adapter, opts), nil

	case PipelineSequencer:
		mode, err := scheduler.ParseSendMode(c.cfg.SendMode(dc))
		if err != nil {
			return nil, err
		}
		return sequencer.New(dc.ID, adapter, sequencer.Options[C]{
			Clock:              c.clock,
			Logger:             logger,
			Emitter:            emitter,
			SendMode:           mode,
			LimitSlowSent:      c.cfg.SlowSentLimit(dc),
			LimitSlowFulfilled: c.cfg.SlowFulfilledLimit(dc),
			QueueKey:           queueKey,
			PurgeInterval:      c.cfg.History.PurgeInterval,
			DeviceType:         dc.Type,
		}), nil

	default:
		return nil, fmt.Errorf("unknown pipeline %q", dc.Pipeline)
	}
}

// optionInt reads an integer option decoded from YAML or JSON.
func optionInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
