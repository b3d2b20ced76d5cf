package saga

import (
	"time"

	migration "github.com/goliatone/go-migration"
)

// MilestoneRecord is a durably completed milestone.
type MilestoneRecord struct {
	Name           string    `json:"name" msgpack:"name"`
	Order          int       `json:"order" msgpack:"order"`
	IdempotencyKey string    `json:"idempotency_key" msgpack:"idempotency_key"`
	Result         Result    `json:"result,omitempty" msgpack:"result,omitempty"`
	Attempts       int       `json:"attempts" msgpack:"attempts"`
	StartedAt      time.Time `json:"started_at" msgpack:"started_at"`
	CompletedAt    time.Time `json:"completed_at" msgpack:"completed_at"`
}

// CompensationStatus is the outcome of compensating one milestone.
type CompensationStatus string

const (
	CompensationDone    CompensationStatus = "compensated"
	CompensationSkipped CompensationStatus = "skipped"
	CompensationFailed  CompensationStatus = "failed"
)

// CompensationRecord is one compensation step, in execution order.
type CompensationRecord struct {
	Milestone      string             `json:"milestone" msgpack:"milestone"`
	IdempotencyKey string             `json:"idempotency_key" msgpack:"idempotency_key"`
	Status         CompensationStatus `json:"status" msgpack:"status"`
	Attempts       int                `json:"attempts,omitempty" msgpack:"attempts,omitempty"`
	Error          string             `json:"error,omitempty" msgpack:"error,omitempty"`
	At             time.Time          `json:"at" msgpack:"at"`
}

// Execution is the persisted state of one saga run.
type Execution struct {
	SagaID             string               `json:"saga_id" msgpack:"saga_id"`
	SagaType           string               `json:"saga_type" msgpack:"saga_type"`
	EntityID           string               `json:"entity_id" msgpack:"entity_id"`
	CorrelationID      string               `json:"correlation_id" msgpack:"correlation_id"`
	WaveID             string               `json:"wave_id,omitempty" msgpack:"wave_id,omitempty"`
	Status             migration.SagaStatus `json:"status" msgpack:"status"`
	Context            map[string]any       `json:"context,omitempty" msgpack:"context,omitempty"`
	Completed          []MilestoneRecord    `json:"completed_milestones" msgpack:"completed_milestones"`
	CurrentIndex       int                  `json:"current_milestone_index" msgpack:"current_milestone_index"`
	Compensations      []CompensationRecord `json:"compensations,omitempty" msgpack:"compensations,omitempty"`
	FailedMilestone    string               `json:"failed_milestone,omitempty" msgpack:"failed_milestone,omitempty"`
	Error              string               `json:"error,omitempty" msgpack:"error,omitempty"`
	CompensationReason string               `json:"compensation_reason,omitempty" msgpack:"compensation_reason,omitempty"`
	NeedsIntervention  bool                 `json:"needs_intervention" msgpack:"needs_intervention"`
	Deadline           time.Time            `json:"deadline,omitempty" msgpack:"deadline,omitempty"`
	Version            int                  `json:"-" msgpack:"-"`
	CreatedAt          time.Time            `json:"created_at" msgpack:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at" msgpack:"updated_at"`
}

// Terminal reports whether the execution will not progress without an
// explicit Compensate call.
func (e *Execution) Terminal() bool {
	return e != nil && e.Status.Terminal()
}

// Output merges the initial context with every milestone result, later
// milestones overriding earlier keys.
func (e *Execution) Output() map[string]any {
	out := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		out[k] = v
	}
	for _, m := range e.Completed {
		for k, v := range m.Result {
			out[k] = v
		}
	}
	return out
}

// CompletedNames returns completed milestone names in completion order.
func (e *Execution) CompletedNames() []string {
	out := make([]string, 0, len(e.Completed))
	for _, m := range e.Completed {
		out = append(out, m.Name)
	}
	return out
}

// CompensatedNames returns compensated milestone names in compensation order.
func (e *Execution) CompensatedNames() []string {
	out := make([]string, 0, len(e.Compensations))
	for _, c := range e.Compensations {
		if c.Status == CompensationDone {
			out = append(out, c.Milestone)
		}
	}
	return out
}

func (e *Execution) previous() map[string]Result {
	out := make(map[string]Result, len(e.Completed))
	for _, m := range e.Completed {
		out[m.Name] = m.Result
	}
	return out
}

func (e *Execution) compensationSettled(milestone string) bool {
	for _, c := range e.Compensations {
		if c.Milestone == milestone && c.Status != CompensationFailed {
			return true
		}
	}
	return false
}

// Summary is the compact per-entity view used in wave results.
type Summary struct {
	SagaID            string               `json:"saga_id"`
	EntityID          string               `json:"entity_id"`
	Status            migration.SagaStatus `json:"status"`
	CompletedCount    int                  `json:"completed_milestones"`
	FailedMilestone   string               `json:"failed_milestone,omitempty"`
	Error             string               `json:"error,omitempty"`
	NeedsIntervention bool                 `json:"needs_intervention,omitempty"`
}

func (e *Execution) Summary() Summary {
	return Summary{
		SagaID:            e.SagaID,
		EntityID:          e.EntityID,
		Status:            e.Status,
		CompletedCount:    len(e.Completed),
		FailedMilestone:   e.FailedMilestone,
		Error:             e.Error,
		NeedsIntervention: e.NeedsIntervention,
	}
}
