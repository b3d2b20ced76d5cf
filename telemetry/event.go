// Package telemetry defines the structured events emitted per milestone
// transition, compensation, wave lifecycle step and entity transition, plus
// the sinks that consume them.
package telemetry

import (
	"context"
	"sync"
	"time"
)

// EventType names one kind of observable transition.
type EventType string

const (
	SagaStarted           EventType = "saga.started"
	MilestoneCompleted    EventType = "milestone.completed"
	MilestoneFailed       EventType = "milestone.failed"
	CompensationCompleted EventType = "compensation.completed"
	CompensationFailed    EventType = "compensation.failed"
	CompensationSkipped   EventType = "compensation.skipped"
	SagaCompleted         EventType = "saga.completed"
	SagaCompensated       EventType = "saga.compensated"
	SagaFailed            EventType = "saga.failed"
	WaveCreated           EventType = "wave.created"
	WaveScheduled         EventType = "wave.scheduled"
	WaveStarted           EventType = "wave.started"
	WaveCompleted         EventType = "wave.completed"
	WaveGatedFailure      EventType = "wave.gated_failure"
	WaveRolledBack        EventType = "wave.rolled_back"
	EntityTransition      EventType = "entity.transition"
)

// Event is one structured observation.
type Event struct {
	Type      EventType
	SagaID    string
	SagaType  string
	EntityID  string
	WaveID    string
	Milestone string
	Status    string
	Location  string
	Attempts  int
	Error     string
	Duration  time.Duration
	Timestamp time.Time
	Fields    map[string]any
}

// Sink receives events. Emit must not block for long and must be safe for
// concurrent use.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) {
	if f != nil {
		f(ctx, event)
	}
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// Normalize returns sink or a NopSink when sink is nil.
func Normalize(sink Sink) Sink {
	if sink == nil {
		return NopSink{}
	}
	return sink
}

type multiSink []Sink

// Multi fans an event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}

// Recorder keeps every event in memory. Useful for tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of the given type, in emission order.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
