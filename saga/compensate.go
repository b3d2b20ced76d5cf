package saga

import (
	"context"

	"github.com/goliatone/go-errors"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/telemetry"
)

// abort records the failing milestone and compensates what completed.
func (e *Engine) abort(ctx context.Context, plan *Plan, exec *Execution, milestone string, cause error) (*Execution, error) {
	exec.Status = migration.SagaCompensating
	exec.FailedMilestone = milestone
	if cause != nil {
		exec.Error = cause.Error()
		exec.CompensationReason = migration.Code(cause)
	}
	if err := e.save(ctx, exec); err != nil {
		return exec, err
	}
	return e.compensate(ctx, plan, exec)
}

// compensate walks completed milestones in reverse, skipping ones already
// settled by an earlier attempt.
func (e *Engine) compensate(ctx context.Context, plan *Plan, exec *Execution) (*Execution, error) {
	logger := e.sagaLogger(ctx, exec)

	for i := len(exec.Completed) - 1; i >= 0; i-- {
		done := exec.Completed[i]
		if exec.compensationSettled(done.Name) {
			continue
		}
		st, ok := plan.step(done.Name)
		if !ok {
			err := migration.NewError(migration.ErrInvalidDefinition, "completed milestone missing from definition", nil, map[string]any{
				"saga_id":   exec.SagaID,
				"milestone": done.Name,
			})
			return e.failCompensation(ctx, exec, done, 0, err)
		}

		if st.def.Irreversible {
			exec.Compensations = append(exec.Compensations, CompensationRecord{
				Milestone:      done.Name,
				IdempotencyKey: done.IdempotencyKey,
				Status:         CompensationSkipped,
				At:             e.now(),
			})
			if err := e.save(ctx, exec); err != nil {
				return exec, err
			}
			e.emit(ctx, exec, telemetry.Event{Type: telemetry.CompensationSkipped, Milestone: done.Name})
			continue
		}

		out := e.invoke(ctx, exec, done.Name, done.IdempotencyKey, e.backward(st), st.compPolicy, done.Result)
		if !out.OK() {
			e.emit(ctx, exec, telemetry.Event{
				Type:      telemetry.CompensationFailed,
				Milestone: done.Name,
				Status:    string(out.Kind),
				Attempts:  out.Attempts,
				Duration:  out.Duration,
				Error:     out.Err.Error(),
			})
			return e.failCompensation(ctx, exec, done, out.Attempts, out.Err)
		}

		exec.Compensations = append(exec.Compensations, CompensationRecord{
			Milestone:      done.Name,
			IdempotencyKey: done.IdempotencyKey,
			Status:         CompensationDone,
			Attempts:       out.Attempts,
			At:             e.now(),
		})
		if err := e.save(ctx, exec); err != nil {
			return exec, err
		}
		e.emit(ctx, exec, telemetry.Event{
			Type:      telemetry.CompensationCompleted,
			Milestone: done.Name,
			Attempts:  out.Attempts,
			Duration:  out.Duration,
		})
	}

	exec.Status = migration.SagaCompensated
	if err := e.save(ctx, exec); err != nil {
		return exec, err
	}
	if err := e.reconcile(ctx, exec, migration.EntityRolledBack, migration.LocationSource); err != nil {
		return exec, err
	}
	e.emit(ctx, exec, telemetry.Event{Type: telemetry.SagaCompensated, Status: string(exec.Status)})
	logger.Info("saga compensated milestones=%d", len(exec.CompensatedNames()))
	return exec, nil
}

func (e *Engine) failCompensation(ctx context.Context, exec *Execution, done MilestoneRecord, attempts int, cause error) (*Execution, error) {
	exec.Compensations = append(exec.Compensations, CompensationRecord{
		Milestone:      done.Name,
		IdempotencyKey: done.IdempotencyKey,
		Status:         CompensationFailed,
		Attempts:       attempts,
		Error:          cause.Error(),
		At:             e.now(),
	})
	exec.Status = migration.SagaFailed
	exec.NeedsIntervention = true
	exec.Error = cause.Error()

	err := migration.NewError(migration.ErrCompensationFailure, "compensation failed for "+done.Name, cause, map[string]any{
		"saga_id":   exec.SagaID,
		"entity_id": exec.EntityID,
		"milestone": done.Name,
	})
	if saveErr := e.save(ctx, exec); saveErr != nil {
		return exec, errors.Join(err, saveErr)
	}

	state, stateErr := e.tracker.GetState(ctx, exec.EntityID)
	if stateErr == nil && state.CurrentStatus == migration.EntityInProgress && state.ActiveSagaID == exec.SagaID {
		if _, tErr := e.tracker.RecordTransitionWithReason(ctx, exec.EntityID, migration.EntityFailed, "", exec.SagaID, "compensation failed"); tErr != nil {
			e.sagaLogger(ctx, exec).Error("marking entity failed: %v", tErr)
		}
	}

	e.emit(ctx, exec, telemetry.Event{Type: telemetry.SagaFailed, Status: string(exec.Status), Error: exec.Error})
	e.sagaLogger(ctx, exec).Error("compensation of %s failed, saga needs intervention: %v", done.Name, cause)
	return exec, err
}

func (e *Engine) backward(st step) HandlerFunc {
	if e.ledger != nil {
		return e.ledger.Wrap("compensate", st.compensate)
	}
	return st.compensate
}
