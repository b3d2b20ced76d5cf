package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink counts events and observes handler durations in Prometheus.
type MetricsSink struct {
	events    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	sagas     *prometheus.GaugeVec
}

// NewMetricsSink registers its collectors with reg. A nil reg uses a private
// registry, which keeps tests isolated.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &MetricsSink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "migration",
				Name:      "events_total",
				Help:      "Total number of migration events by type.",
			},
			[]string{"type", "saga_type"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "migration",
				Name:      "handler_duration_seconds",
				Help:      "Duration of milestone and compensation handler calls in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type", "milestone"},
		),
		sagas: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "migration",
				Name:      "sagas_in_flight",
				Help:      "Number of sagas currently running.",
			},
			[]string{"saga_type"},
		),
	}
	for _, c := range []prometheus.Collector{s.events, s.durations, s.sagas} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MetricsSink) Emit(_ context.Context, event Event) {
	s.events.WithLabelValues(string(event.Type), event.SagaType).Inc()

	switch event.Type {
	case MilestoneCompleted, MilestoneFailed, CompensationCompleted, CompensationFailed:
		s.durations.WithLabelValues(string(event.Type), event.Milestone).Observe(event.Duration.Seconds())
	case SagaStarted:
		s.sagas.WithLabelValues(event.SagaType).Inc()
	case SagaCompleted, SagaCompensated, SagaFailed:
		s.sagas.WithLabelValues(event.SagaType).Dec()
	}
}

// EventCounter exposes the events counter, mainly for tests.
func (s *MetricsSink) EventCounter() *prometheus.CounterVec { return s.events }

// InFlight exposes the in-flight gauge.
func (s *MetricsSink) InFlight() *prometheus.GaugeVec { return s.sagas }
