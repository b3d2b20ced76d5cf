package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-migration"

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TraceSink records each event as a span event on the span active in ctx.
type TraceSink struct{}

func (TraceSink) Emit(ctx context.Context, event Event) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(string(event.Type), trace.WithAttributes(Attributes(event)...))
	if event.Error != "" && (event.Type == SagaFailed || event.Type == CompensationFailed) {
		span.SetStatus(codes.Error, event.Error)
	}
}

// Attributes converts the populated event fields to span attributes.
func Attributes(event Event) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 8)
	add := func(k, v string) {
		if v != "" {
			attrs = append(attrs, attribute.String(k, v))
		}
	}
	add("migration.saga_id", event.SagaID)
	add("migration.saga_type", event.SagaType)
	add("migration.entity_id", event.EntityID)
	add("migration.wave_id", event.WaveID)
	add("migration.milestone", event.Milestone)
	add("migration.status", event.Status)
	add("migration.error", event.Error)
	if event.Attempts > 0 {
		attrs = append(attrs, attribute.Int("migration.attempts", event.Attempts))
	}
	return attrs
}
