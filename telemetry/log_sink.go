package telemetry

import (
	"context"

	migration "github.com/goliatone/go-migration"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger migration.Logger
}

func NewLogSink(logger migration.Logger) *LogSink {
	return &LogSink{logger: migration.NormalizeLogger(logger)}
}

func (s *LogSink) Emit(ctx context.Context, event Event) {
	fields := map[string]any{"event": string(event.Type)}
	put := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	put("saga_id", event.SagaID)
	put("saga_type", event.SagaType)
	put("entity_id", event.EntityID)
	put("wave_id", event.WaveID)
	put("milestone", event.Milestone)
	put("status", event.Status)
	put("location", event.Location)
	if event.Attempts > 0 {
		fields["attempts"] = event.Attempts
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	for k, v := range event.Fields {
		fields[k] = v
	}

	logger := migration.WithLoggerFields(s.logger.WithContext(ctx), fields)
	switch {
	case event.Error != "":
		logger.Error("%s: %s", event.Type, event.Error)
	case event.Type == EntityTransition:
		logger.Debug("%s", event.Type)
	default:
		logger.Info("%s", event.Type)
	}
}
