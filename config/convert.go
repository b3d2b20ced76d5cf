package config

import (
	"time"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/saga"
	"github.com/goliatone/go-migration/wave"
)

func (r RetryConfig) retry() saga.Retry {
	return saga.Retry{
		MaxAttempts: r.MaxAttempts,
		Base:        r.Base.Std(),
		Factor:      r.Factor,
		Max:         r.Max.Std(),
	}
}

// Definition converts the saga config. Unknown locations are left empty;
// Validate reports them.
func (s SagaConfig) Definition() saga.Definition {
	def := saga.Definition{
		Type:    s.Type,
		Timeout: s.Timeout.Std(),
	}
	if loc, ok := migration.ParseLocation(s.CompletedLocation); ok {
		def.CompletedLocation = loc
	}
	for _, m := range s.Milestones {
		md := saga.MilestoneDefinition{
			Name:           m.Name,
			Order:          m.Order,
			Handler:        m.Handler,
			Compensation:   m.Compensation,
			Irreversible:   m.Irreversible,
			IdempotencyKey: m.IdempotencyKey,
			Timeout:        m.Timeout.Std(),
			Retry:          m.Retry.retry(),
		}
		if m.CompensationRetry != nil {
			r := m.CompensationRetry.retry()
			md.CompensationRetry = &r
		}
		if loc, ok := migration.ParseLocation(m.Location); ok {
			md.Effect.Location = loc
		}
		def.Milestones = append(def.Milestones, md)
	}
	return def
}

// Definition converts the wave config.
func (w WaveConfig) Definition() wave.Definition {
	def := wave.Definition{
		WaveID:         w.ID,
		WaveNumber:     w.Number,
		Name:           w.Name,
		Description:    w.Description,
		SagaType:       w.SagaType,
		TargetSystem:   w.TargetSystem,
		QualityGates:   w.Gates,
		InitialContext: w.InitialContext,
		Concurrency:    w.Concurrency,
		LaunchRate:     w.LaunchRate,
		SelectionCriteria: wave.Criteria{
			EntityIDs:  w.Selection.EntityIDs,
			Attributes: w.Selection.Attributes,
			Limit:      w.Selection.Limit,
		},
	}
	if start, err := time.Parse(time.RFC3339, w.ScheduledStart); err == nil {
		def.ScheduledStart = start
	}
	for _, raw := range w.Selection.Statuses {
		if s, ok := migration.ParseEntityStatus(raw); ok {
			def.SelectionCriteria.Statuses = append(def.SelectionCriteria.Statuses, s)
		}
	}
	for _, raw := range w.Selection.Locations {
		if l, ok := migration.ParseLocation(raw); ok {
			def.SelectionCriteria.Locations = append(def.SelectionCriteria.Locations, l)
		}
	}
	return def
}

// SagaDefinitions converts every configured saga.
func (c *Config) SagaDefinitions() []saga.Definition {
	out := make([]saga.Definition, 0, len(c.Sagas))
	for _, s := range c.Sagas {
		out = append(out, s.Definition())
	}
	return out
}

// Wave returns the configured wave with id.
func (c *Config) Wave(id string) (WaveConfig, bool) {
	for _, w := range c.Waves {
		if w.ID == id {
			return w, true
		}
	}
	return WaveConfig{}, false
}
