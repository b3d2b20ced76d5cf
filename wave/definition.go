// Package wave runs batches of saga executions with bounded parallelism,
// aggregates their outcomes, evaluates quality gates and rolls batches back
// on request.
package wave

import (
	"sort"
	"time"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/saga"
	"github.com/goliatone/go-migration/tracker"
)

// Criteria selects wave candidates from the tracker. Empty statuses default
// to entities that may start a new saga.
type Criteria struct {
	Statuses   []migration.EntityStatus `json:"statuses,omitempty" yaml:"statuses" toml:"statuses"`
	Locations  []migration.Location     `json:"locations,omitempty" yaml:"locations" toml:"locations"`
	EntityIDs  []string                 `json:"entity_ids,omitempty" yaml:"entity_ids" toml:"entity_ids"`
	Attributes map[string]any           `json:"attributes,omitempty" yaml:"attributes" toml:"attributes"`
	Limit      int                      `json:"limit,omitempty" yaml:"limit" toml:"limit"`
}

func (c Criteria) filter() tracker.Filter {
	statuses := c.Statuses
	if len(statuses) == 0 {
		statuses = []migration.EntityStatus{
			migration.EntityNotStarted,
			migration.EntityFailed,
			migration.EntityRolledBack,
		}
	}
	return tracker.Filter{
		Statuses:   statuses,
		Locations:  c.Locations,
		EntityIDs:  c.EntityIDs,
		Attributes: c.Attributes,
		Limit:      c.Limit,
	}
}

// Definition describes a wave before it runs.
type Definition struct {
	WaveID            string         `json:"wave_id"`
	WaveNumber        int            `json:"wave_number"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	SagaType          string         `json:"saga_type"`
	SelectionCriteria Criteria       `json:"selection_criteria"`
	TargetSystem      string         `json:"target_system,omitempty"`
	ScheduledStart    time.Time      `json:"scheduled_start,omitempty"`
	QualityGates      []Gate         `json:"quality_gates,omitempty"`
	InitialContext    map[string]any `json:"initial_context,omitempty"`
	// Concurrency is the default worker count when ExecuteWave gets none.
	Concurrency int `json:"concurrency,omitempty"`
	// LaunchRate caps saga starts per second; zero means unlimited.
	LaunchRate float64 `json:"launch_rate,omitempty"`
}

// Wave is the persisted state of a wave.
type Wave struct {
	Definition
	Status      migration.WaveStatus `json:"status"`
	Candidates  []string             `json:"candidates,omitempty"`
	Result      *Result              `json:"result,omitempty"`
	Rollback    *RollbackResult      `json:"rollback,omitempty"`
	Version     int                  `json:"-"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	StartedAt   time.Time            `json:"started_at,omitempty"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
}

// Result aggregates one wave execution. SuccessCount + FailureCount always
// equals the number of selected candidates.
type Result struct {
	WaveID       string               `json:"wave_id"`
	Status       migration.WaveStatus `json:"status"`
	Selected     int                  `json:"selected"`
	SuccessCount int                  `json:"success_count"`
	FailureCount int                  `json:"failure_count"`
	Unresolved   int                  `json:"unresolved_compensations"`
	Cancelled    bool                 `json:"cancelled,omitempty"`
	Sagas        []saga.Summary       `json:"sagas"`
	Gates        []GateResult         `json:"gates,omitempty"`
	Duration     time.Duration        `json:"duration"`

	outputs map[string]map[string]any
}

// RollbackResult aggregates a wave rollback.
type RollbackResult struct {
	WaveID      string         `json:"wave_id"`
	Compensated int            `json:"compensated"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Sagas       []saga.Summary `json:"sagas"`
	Errors      []string       `json:"errors,omitempty"`
}

func sortWaves(waves []*Wave) {
	sort.Slice(waves, func(i, j int) bool {
		if waves[i].WaveNumber != waves[j].WaveNumber {
			return waves[i].WaveNumber < waves[j].WaveNumber
		}
		return waves[i].WaveID < waves[j].WaveID
	})
}
