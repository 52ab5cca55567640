package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/measurement"
)

const (
	namespace = "tsr"
	subsystem = "core"
)

// Slow command kinds used as the "kind" label.
const (
	KindSent      = "sent"
	KindFulfilled = "fulfilled"
)

// delayBuckets covers 1ms to ~4s.
var delayBuckets = prometheus.ExponentialBuckets(1, 2, 13)

// Metrics holds the tsrd collectors and the registry they are bound to.
//
// Thread Safety: All methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	commandsSent    *prometheus.CounterVec
	commandsFailed  *prometheus.CounterVec
	slowCommands    *prometheus.CounterVec
	errors          *prometheus.CounterVec
	stateExecutions *prometheus.CounterVec
	executionDelay  *prometheus.HistogramVec
	timeTrace       *prometheus.HistogramVec
	pendingCommands *prometheus.GaugeVec
	queuedStates    *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry. Go runtime and process
// collectors are registered alongside them.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		commandsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "commands_sent_total",
				Help:      "Total number of commands executed by the scheduler",
			},
			[]string{"device"},
		),
		commandsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "commands_failed_total",
				Help:      "Total number of commands whose send returned an error",
			},
			[]string{"device"},
		),
		slowCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "slow_commands_total",
				Help:      "Total number of commands over the slow-sent or slow-fulfilled limit",
			},
			[]string{"device", "kind"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "errors_total",
				Help:      "Total number of recovered device errors by context",
			},
			[]string{"device", "context"},
		),
		stateExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "state_executions_total",
				Help:      "Total number of executed state transitions",
			},
			[]string{"device"},
		),
		executionDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "execution_delay_milliseconds",
				Help:      "Delay between a state's planned time and its execution (in milliseconds)",
				Buckets:   delayBuckets,
			},
			[]string{"device"},
		),
		timeTrace: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "time_trace_milliseconds",
				Help:      "Duration of pipeline steps (in milliseconds)",
				Buckets:   delayBuckets,
			},
			[]string{"device", "step"},
		),
		pendingCommands: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pending_commands",
				Help:      "Commands waiting in the device scheduler",
			},
			[]string{"device"},
		),
		queuedStates: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queued_states",
				Help:      "Future states waiting in the device state queue",
			},
			[]string{"device"},
		),
	}
}

// Registry returns the registry the collectors are bound to.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ObserveCommandReport counts one scheduler execution.
func (m *Metrics) ObserveCommandReport(r events.CommandReport) {
	m.commandsSent.WithLabelValues(r.DeviceID).Inc()
	if r.Error != "" {
		m.commandsFailed.WithLabelValues(r.DeviceID).Inc()
	}
}

// ObserveSlowSent counts a command that started late.
func (m *Metrics) ObserveSlowSent(ev events.SlowSentCommand) {
	m.slowCommands.WithLabelValues(ev.DeviceID, KindSent).Inc()
}

// ObserveSlowFulfilled counts a command that completed late.
func (m *Metrics) ObserveSlowFulfilled(ev events.SlowFulfilledCommand) {
	m.slowCommands.WithLabelValues(ev.DeviceID, KindFulfilled).Inc()
}

// ObserveError counts a recovered device error.
func (m *Metrics) ObserveError(ev events.ErrorEvent) {
	m.errors.WithLabelValues(ev.DeviceID, ev.Context).Inc()
}

// ObserveStateChange records one executed transition.
func (m *Metrics) ObserveStateChange(r measurement.StateChangeReport) {
	m.stateExecutions.WithLabelValues(r.DeviceID).Inc()
	m.executionDelay.WithLabelValues(r.DeviceID).Observe(millis(r.ExecutionDelay))
}

// ObserveTimeTrace records a pipeline step duration.
func (m *Metrics) ObserveTimeTrace(tr events.TimeTrace) {
	m.timeTrace.WithLabelValues(tr.DeviceID, tr.Measurement).Observe(millis(tr.Duration))
}

// SetQueueDepth records a device's current backlog.
func (m *Metrics) SetQueueDepth(deviceID string, pendingCommands, queuedStates int) {
	m.pendingCommands.WithLabelValues(deviceID).Set(float64(pendingCommands))
	m.queuedStates.WithLabelValues(deviceID).Set(float64(queuedStates))
}

// Subscribe attaches the observers to a device emitter.
func (m *Metrics) Subscribe(e *events.Emitter) {
	e.OnCommandReport(m.ObserveCommandReport)
	e.OnSlowSentCommand(m.ObserveSlowSent)
	e.OnSlowFulfilledCommand(m.ObserveSlowFulfilled)
	e.OnError(m.ObserveError)
	e.OnStateChangeReport(m.ObserveStateChange)
	e.OnTimeTrace(m.ObserveTimeTrace)
}
