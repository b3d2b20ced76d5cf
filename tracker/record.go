package tracker

import (
	"time"

	migration "github.com/goliatone/go-migration"
)

// Transition is one append-only history entry.
type Transition struct {
	Status    migration.EntityStatus `json:"status" msgpack:"status"`
	Location  migration.Location     `json:"location" msgpack:"location"`
	SagaID    string                 `json:"saga_id,omitempty" msgpack:"saga_id,omitempty"`
	Reason    string                 `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Timestamp time.Time              `json:"timestamp" msgpack:"timestamp"`
}

// EntityRecord is the tracked migration state of one entity.
type EntityRecord struct {
	EntityID        string                 `json:"entity_id" msgpack:"entity_id"`
	CurrentLocation migration.Location     `json:"current_location" msgpack:"current_location"`
	CurrentStatus   migration.EntityStatus `json:"current_status" msgpack:"current_status"`
	ActiveSagaID    string                 `json:"active_saga_id,omitempty" msgpack:"active_saga_id,omitempty"`
	History         []Transition           `json:"transition_history" msgpack:"transition_history"`
	Metadata        map[string]any         `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Version         int                    `json:"-" msgpack:"-"`
	CreatedAt       time.Time              `json:"created_at" msgpack:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at" msgpack:"updated_at"`
}

// LastSagaID returns the saga that produced the latest transition, if any.
func (r *EntityRecord) LastSagaID() string {
	if r == nil {
		return ""
	}
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].SagaID != "" {
			return r.History[i].SagaID
		}
	}
	return ""
}

// settledBy reports whether sagaID ever left the entity failed or rolled back.
func (r *EntityRecord) settledBy(sagaID string) bool {
	for _, tr := range r.History {
		if tr.SagaID != sagaID {
			continue
		}
		if tr.Status == migration.EntityFailed || tr.Status == migration.EntityRolledBack {
			return true
		}
	}
	return false
}

func (r *EntityRecord) clone() *EntityRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.History = append([]Transition(nil), r.History...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
