package reports

import (
	"context"
	"sync"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/events"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/measurement"
)

// DefaultBufferSize is the recorder queue length.
const DefaultBufferSize = 256

// writeTimeout bounds one database write.
const writeTimeout = 5 * time.Second

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// record is one queued write; exactly one field is set.
type record struct {
	report *measurement.StateChangeReport
	err    *events.ErrorEvent
	at     time.Time
}

// Recorder queues events for persistence on a single worker goroutine.
// Events arriving while the queue is full are dropped and counted.
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	repo   Repository
	logger Logger
	now    func() time.Time

	queue chan record

	mu      sync.Mutex
	started bool
	closed  bool
	dropped uint64

	done chan struct{}
}

// NewRecorder creates a recorder writing to repo. Call Start to begin
// writing and Stop to drain.
func NewRecorder(repo Repository, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Recorder{
		repo:   repo,
		logger: noopLogger{},
		now:    time.Now,
		queue:  make(chan record, bufferSize),
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Start launches the worker. Calling it again is a no-op.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	go r.run()
}

// Stop stops accepting events and waits until queued events are written.
// It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	if !r.started {
		close(r.done)
	}
	r.mu.Unlock()
	<-r.done
}

// Dropped returns the number of events discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// RecordStateChange queues a state change report.
func (r *Recorder) RecordStateChange(rep measurement.StateChangeReport) {
	r.enqueue(record{report: &rep})
}

// RecordError queues an error event, stamped with the current time.
func (r *Recorder) RecordError(ev events.ErrorEvent) {
	r.enqueue(record{err: &ev, at: r.now()})
}

// Subscribe attaches the recorder to a device emitter.
func (r *Recorder) Subscribe(e *events.Emitter) {
	e.OnStateChangeReport(r.RecordStateChange)
	e.OnError(r.RecordError)
}

func (r *Recorder) enqueue(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped++
		if r.dropped == 1 || r.dropped%100 == 0 {
			r.logger.Warn("report queue full, dropping", "dropped", r.dropped)
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch {
	case rec.report != nil:
		if _, err := r.repo.InsertStateChange(ctx, *rec.report); err != nil {
			r.logger.Error("storing state report", "device_id", rec.report.DeviceID, "error", err)
		}
	case rec.err != nil:
		if err := r.repo.InsertError(ctx, *rec.err, rec.at); err != nil {
			r.logger.Error("storing device error", "device_id", rec.err.DeviceID, "error", err)
		}
	}
}
