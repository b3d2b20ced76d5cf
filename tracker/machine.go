package tracker

import (
	"context"

	"github.com/qmuntal/stateless"

	migration "github.com/goliatone/go-migration"
)

// edges lists every permitted status change. Triggers are the target status.
var edges = map[migration.EntityStatus][]migration.EntityStatus{
	migration.EntityNotStarted: {migration.EntityInProgress},
	migration.EntityInProgress: {
		migration.EntityInProgress,
		migration.EntityCompleted,
		migration.EntityFailed,
		migration.EntityRolledBack,
	},
	migration.EntityCompleted:  {migration.EntityValidated, migration.EntityRolledBack},
	migration.EntityValidated:  {},
	migration.EntityFailed:     {migration.EntityInProgress},
	migration.EntityRolledBack: {migration.EntityInProgress},
}

func newMachine(current migration.EntityStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(current)
	for from, targets := range edges {
		cfg := sm.Configure(from)
		for _, to := range targets {
			if to == from {
				cfg.PermitReentry(to)
				continue
			}
			cfg.Permit(to, to)
		}
	}
	return sm
}

// checkTransition fires the target status on a machine positioned at from.
func checkTransition(ctx context.Context, from, to migration.EntityStatus) error {
	if !to.Valid() {
		return migration.NewError(migration.ErrInvalidTransition, "unknown target status", nil, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	}
	sm := newMachine(from)
	if err := sm.FireCtx(ctx, to); err != nil {
		return migration.NewError(migration.ErrInvalidTransition, "transition not permitted", err, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	}
	return nil
}

// AllowedTargets returns the statuses reachable from status in one step.
func AllowedTargets(status migration.EntityStatus) []migration.EntityStatus {
	return append([]migration.EntityStatus(nil), edges[status]...)
}
