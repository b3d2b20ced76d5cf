package wave

import (
	"context"
	"fmt"
	"sort"

	"github.com/goliatone/go-errors"
	"golang.org/x/sync/errgroup"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/saga"
	"github.com/goliatone/go-migration/telemetry"
)

// RollbackWave compensates every saga the wave completed. It is never
// triggered automatically. The wave reaches rolled_back only when every
// compensation succeeds; otherwise it keeps its status and the failures are
// returned. Rolling back again retries only the sagas that are not yet
// compensated.
func (o *Orchestrator) RollbackWave(ctx context.Context, waveID string) (*RollbackResult, error) {
	unlock := o.locks.Lock(waveID)
	defer unlock()

	w, err := o.GetWave(ctx, waveID)
	if err != nil {
		return nil, err
	}
	if !w.Status.CanRollback() || w.Result == nil {
		return nil, invalidState(w, "wave cannot be rolled back")
	}

	res := &RollbackResult{WaveID: w.WaveID}
	var targets []saga.Summary
	for _, s := range w.Result.Sagas {
		if s.SagaID != "" && s.Status == migration.SagaCompleted {
			targets = append(targets, s)
			continue
		}
		res.Skipped++
	}

	summaries := make([]saga.Summary, len(targets))
	failures := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(o.workers(w, 0))
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			exec, err := o.engine.Status(ctx, target.SagaID)
			if err == nil && exec.Status != migration.SagaCompensated {
				exec, err = o.engine.Compensate(ctx, target.SagaID, "wave rollback "+w.WaveID)
			}
			if exec != nil {
				summaries[i] = exec.Summary()
			} else {
				summaries[i] = target
			}
			if err != nil {
				failures[i] = fmt.Errorf("entity %s: %w", target.EntityID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for i, s := range summaries {
		if failures[i] != nil {
			res.Failed++
			res.Errors = append(res.Errors, failures[i].Error())
			errs = errors.Join(errs, failures[i])
			continue
		}
		if s.Status == migration.SagaCompensated {
			res.Compensated++
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].EntityID < summaries[j].EntityID })
	res.Sagas = summaries

	wctx := context.WithoutCancel(ctx)
	w.Rollback = res
	logger := o.waveLogger(ctx, w)
	if errs == nil {
		w.Status = migration.WaveRolledBack
	}
	if err := o.save(wctx, w); err != nil {
		return res, err
	}

	if errs != nil {
		logger.Error("wave rollback incomplete: %d compensated, %d failed", res.Compensated, res.Failed)
		return res, migration.NewError(migration.ErrCompensationFailure, "wave rollback incomplete", errs, map[string]any{
			"wave_id": w.WaveID,
			"failed":  res.Failed,
		})
	}
	o.emit(ctx, w, telemetry.Event{Type: telemetry.WaveRolledBack, Fields: map[string]any{
		"compensated": res.Compensated,
		"skipped":     res.Skipped,
	}})
	logger.Info("wave rolled back: %d compensated, %d skipped", res.Compensated, res.Skipped)
	return res, nil
}
