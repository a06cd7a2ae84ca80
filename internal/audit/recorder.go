package audit

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	metricEventsRecorded = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_audit_events_total", Help: "Audit events handed to sinks"})
	metricEventsDropped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "governor_audit_events_dropped_total", Help: "Audit events dropped because the buffer was full"})
	metricSinkErrors     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "governor_audit_sink_errors_total", Help: "Sink write failures"}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(metricEventsRecorded, metricEventsDropped, metricSinkErrors)
}

type namedSink struct {
	name string
	sink Sink
}

// Recorder buffers events and drains them to every sink on one goroutine.
// Record never blocks: when the buffer is full the event is dropped and a
// warning is logged.
type Recorder struct {
	ch    chan Event
	sinks []namedSink
	log   zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

func NewRecorder(log zerolog.Logger, buffer int) *Recorder {
	if buffer < 1 {
		buffer = 1024
	}
	return &Recorder{
		ch:   make(chan Event, buffer),
		log:  log,
		done: make(chan struct{}),
	}
}

// Attach adds a sink. Call before Start.
func (r *Recorder) Attach(name string, s Sink) *Recorder {
	r.sinks = append(r.sinks, namedSink{name: name, sink: s})
	return r
}

func (r *Recorder) Record(_ context.Context, ev Event) error {
	if ev.ID == "" {
		ev = New(ev.Type, ev.UserID, ev.Data)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metricEventsDropped.Inc()
		return nil
	}
	select {
	case r.ch <- ev:
	default:
		metricEventsDropped.Inc()
		r.log.Warn().Str("type", string(ev.Type)).Str("user", ev.UserID).Msg("audit buffer full, event dropped")
	}
	return nil
}

// Start drains the buffer until Close.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	go func() {
		defer close(r.done)
		for ev := range r.ch {
			r.deliver(ctx, ev)
		}
	}()
}

func (r *Recorder) deliver(ctx context.Context, ev Event) {
	metricEventsRecorded.Inc()
	for _, s := range r.sinks {
		if err := s.sink.Record(ctx, ev); err != nil {
			metricSinkErrors.WithLabelValues(s.name).Inc()
			r.log.Error().Err(err).Str("sink", s.name).Str("type", string(ev.Type)).Msg("audit sink write failed")
		}
	}
}

// Close stops accepting events and waits for the buffer to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.done
	}
}

// LogSink writes events to a zerolog logger.
type LogSink struct{ Log zerolog.Logger }

func (s LogSink) Record(_ context.Context, ev Event) error {
	s.Log.Info().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("user", ev.UserID).
		Time("at", ev.At).
		Fields(ev.Data).
		Msg("audit")
	return nil
}
