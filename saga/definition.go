// Package saga drives one entity through an ordered list of milestones,
// persisting progress after every step and compensating completed steps in
// reverse order when a step fails.
package saga

import (
	"context"
	"time"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/runner"
)

// Result is the output of a handler call, persisted with the milestone.
type Result map[string]any

// Call is the input passed to every handler invocation.
type Call struct {
	SagaID         string
	SagaType       string
	EntityID       string
	CorrelationID  string
	Milestone      string
	IdempotencyKey string
	Attempt        int
	// Context is the initial saga context.
	Context map[string]any
	// Previous holds the results of milestones completed so far.
	Previous map[string]Result
	// Forward is the result of the milestone being compensated; nil on forward calls.
	Forward Result
}

// HandlerFunc is a forward or compensation operation.
type HandlerFunc func(ctx context.Context, call Call) (Result, error)

// Retry bounds the attempts made for one handler call.
type Retry struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	Base        time.Duration `json:"base" yaml:"base" toml:"base"`
	Factor      float64       `json:"factor" yaml:"factor" toml:"factor"`
	Max         time.Duration `json:"max" yaml:"max" toml:"max"`
}

func (r Retry) policy(timeout time.Duration) runner.Policy {
	var strategy runner.RetryStrategy = runner.NoDelayStrategy{}
	if r.Base > 0 {
		strategy = runner.ExponentialBackoffStrategy{Base: r.Base, Factor: r.Factor, Max: r.Max}
	}
	return runner.Policy{
		MaxAttempts: r.MaxAttempts,
		Timeout:     timeout,
		Strategy:    strategy,
	}.Normalize()
}

// Effect is the tracker change applied once a milestone's completion is
// durably recorded. Only the location may move while a saga is in flight.
type Effect struct {
	Location migration.Location
}

// MilestoneDefinition is one ordered step of a saga.
type MilestoneDefinition struct {
	Name         string
	Order        int
	Handler      string
	Compensation string
	Irreversible bool
	// IdempotencyKey is a template over {saga_id}, {milestone}, {entity_id}
	// and {saga_type}. Defaults to "{saga_id}/{milestone}".
	IdempotencyKey    string
	Timeout           time.Duration
	Retry             Retry
	CompensationRetry *Retry
	Effect            Effect
}

// Definition describes a saga type.
type Definition struct {
	Type       string
	Milestones []MilestoneDefinition
	// Timeout bounds the whole forward path; zero means unbounded.
	Timeout time.Duration
	// CompletedLocation is where the entity lands on success. Defaults to target_system.
	CompletedLocation migration.Location
}

// MilestoneNames returns the milestone names in execution order.
func (p *Plan) MilestoneNames() []string {
	out := make([]string, 0, len(p.steps))
	for _, st := range p.steps {
		out = append(out, st.def.Name)
	}
	return out
}
