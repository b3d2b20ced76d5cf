package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	migration "github.com/goliatone/go-migration"
)

// SagaView is the reconciliation view of one saga execution.
type SagaView struct {
	SagaID            string               `json:"saga_id"`
	EntityID          string               `json:"entity_id"`
	Status            migration.SagaStatus `json:"status"`
	NeedsIntervention bool                 `json:"needs_intervention,omitempty"`
}

// Mismatch is one entity whose tracked state disagrees with its saga or with
// itself.
type Mismatch struct {
	EntityID   string                 `json:"entity_id"`
	Status     migration.EntityStatus `json:"status"`
	Location   migration.Location     `json:"location"`
	SagaID     string                 `json:"saga_id,omitempty"`
	SagaStatus migration.SagaStatus   `json:"saga_status,omitempty"`
	Issue      string                 `json:"issue"`
}

// Reconciliation is the per-entity consistency report.
type Reconciliation struct {
	Checked    int        `json:"checked"`
	Unknown    []string   `json:"unknown,omitempty"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Consistent reports whether every checked entity is known and consistent.
func (r *Reconciliation) Consistent() bool {
	return r != nil && len(r.Unknown) == 0 && len(r.Mismatches) == 0
}

// Reconcile checks the given entities, or every tracked entity when ids is
// empty, against sagas. Each entity is compared with the saga its history
// names: the active saga, else the last saga that moved it. Unfinished sagas
// that do not own their entity are reported too. Ids with no record are
// reported as unknown.
func (t *Tracker) Reconcile(ctx context.Context, ids []string, sagas []SagaView) (*Reconciliation, error) {
	var records []*EntityRecord
	out := &Reconciliation{}

	if len(ids) == 0 {
		all, err := t.Query(ctx, Filter{})
		if err != nil {
			return nil, err
		}
		records = all
	} else {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			rec, err := t.load(ctx, id)
			if migration.IsNotFound(err) {
				out.Unknown = append(out.Unknown, id)
				continue
			}
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		sort.Strings(out.Unknown)
	}

	byID := make(map[string]SagaView, len(sagas))
	byEntity := make(map[string][]SagaView)
	for _, v := range sagas {
		byID[v.SagaID] = v
		byEntity[v.EntityID] = append(byEntity[v.EntityID], v)
	}

	for _, rec := range records {
		out.Checked++
		owner := rec.ActiveSagaID
		if owner == "" {
			owner = rec.LastSagaID()
		}
		view, ok := byID[owner]
		add := func(v SagaView, issue string) {
			out.Mismatches = append(out.Mismatches, Mismatch{
				EntityID:   rec.EntityID,
				Status:     rec.CurrentStatus,
				Location:   rec.CurrentLocation,
				SagaID:     v.SagaID,
				SagaStatus: v.Status,
				Issue:      issue,
			})
		}

		for _, issue := range locationIssues(rec) {
			add(view, issue)
		}
		switch {
		case owner == "":
			if rec.CurrentStatus != migration.EntityNotStarted {
				add(view, fmt.Sprintf("%s entity has no saga", rec.CurrentStatus))
			}
		case !ok:
			add(SagaView{SagaID: owner}, fmt.Sprintf("saga %s has no execution", owner))
		default:
			if issue := sagaIssue(rec, view); issue != "" {
				add(view, issue)
			}
		}

		for _, v := range byEntity[rec.EntityID] {
			if v.SagaID != owner && !v.Status.Terminal() {
				add(v, fmt.Sprintf("saga %s is %s but does not own the entity", v.SagaID, v.Status))
			}
		}
	}
	return out, nil
}

func locationIssues(rec *EntityRecord) []string {
	switch status := rec.CurrentStatus; {
	case status == migration.EntityRolledBack && rec.CurrentLocation != migration.LocationSource:
		return []string{"rolled back entity is not at " + string(migration.LocationSource)}
	case (status == migration.EntityCompleted || status == migration.EntityValidated) && rec.CurrentLocation == migration.LocationInTransit:
		return []string{fmt.Sprintf("%s entity is still %s", status, migration.LocationInTransit)}
	}
	return nil
}

func sagaIssue(rec *EntityRecord, view SagaView) string {
	status := rec.CurrentStatus
	if view.NeedsIntervention {
		return fmt.Sprintf("saga %s needs intervention while entity is %s", view.SagaID, status)
	}

	var want []migration.EntityStatus
	switch view.Status {
	case migration.SagaCompleted:
		want = []migration.EntityStatus{migration.EntityCompleted, migration.EntityValidated}
	case migration.SagaCompensated:
		want = []migration.EntityStatus{migration.EntityRolledBack}
	case migration.SagaFailed:
		want = []migration.EntityStatus{migration.EntityFailed, migration.EntityRolledBack}
	case migration.SagaCompensating:
		want = []migration.EntityStatus{migration.EntityInProgress, migration.EntityCompleted}
	default:
		want = []migration.EntityStatus{migration.EntityInProgress}
	}
	if contains(want, status) {
		return ""
	}
	return fmt.Sprintf("saga %s is %s while entity is %s", view.SagaID, view.Status, status)
}
