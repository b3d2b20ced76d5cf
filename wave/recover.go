package wave

import (
	"context"

	"github.com/goliatone/go-errors"
	"golang.org/x/sync/errgroup"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/saga"
)

// RecoverWave finishes a wave left executing by an interrupted process. Its
// result is rebuilt from the sagas persisted for the wave: interrupted sagas
// are resumed first, candidates that never got a saga count as failures, and
// the gates are evaluated as if the run had just ended. No new saga is
// started.
func (o *Orchestrator) RecoverWave(ctx context.Context, waveID string) (*Result, error) {
	unlock := o.locks.Lock(waveID)
	defer unlock()

	w, err := o.GetWave(ctx, waveID)
	if err != nil {
		return nil, err
	}
	if w.Status != migration.WaveExecuting {
		return nil, invalidState(w, "only executing waves can be recovered")
	}

	latest, err := o.waveSagas(ctx, w)
	if err != nil {
		return nil, err
	}

	sagas := make([]saga.Summary, len(w.Candidates))
	outputs := make([]map[string]any, len(w.Candidates))
	for i, entityID := range w.Candidates {
		exec, ok := latest[entityID]
		if !ok {
			sagas[i] = notStarted(entityID, "saga not started before the wave was interrupted")
			continue
		}
		sagas[i] = exec.Summary()
		outputs[i] = exec.Output()
	}

	o.waveLogger(ctx, w).Warn("recovering interrupted wave candidates=%d sagas=%d", len(w.Candidates), len(latest))
	return o.finish(ctx, w, tally(w, sagas, outputs, false), true)
}

// RecoverWaves recovers every wave persisted as executing. Waves that finish
// while recovery waits for them are skipped; other failures are joined.
func (o *Orchestrator) RecoverWaves(ctx context.Context) ([]*Result, error) {
	waves, err := o.ListWaves(ctx)
	if err != nil {
		return nil, err
	}
	var errs error
	var out []*Result
	for _, w := range waves {
		if w.Status != migration.WaveExecuting {
			continue
		}
		res, err := o.RecoverWave(ctx, w.WaveID)
		switch {
		case migration.HasCode(err, migration.CodeInvalidWaveState):
			continue
		case err != nil:
			errs = errors.Join(errs, err)
		default:
			out = append(out, res)
		}
	}
	return out, errs
}

// waveSagas returns the latest execution per entity started by w, resuming
// those that were interrupted. A saga that cannot be resumed keeps its last
// persisted state and counts as a failure.
func (o *Orchestrator) waveSagas(ctx context.Context, w *Wave) (map[string]*saga.Execution, error) {
	execs, err := o.engine.List(ctx, func(x *saga.Execution) bool { return x.WaveID == w.WaveID })
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*saga.Execution, len(execs))
	for _, exec := range execs {
		if cur, ok := latest[exec.EntityID]; !ok || exec.CreatedAt.After(cur.CreatedAt) {
			latest[exec.EntityID] = exec
		}
	}

	var pending []*saga.Execution
	for _, exec := range latest {
		if !exec.Terminal() {
			pending = append(pending, exec)
		}
	}
	resumed := make([]*saga.Execution, len(pending))

	logger := o.waveLogger(ctx, w)
	var g errgroup.Group
	g.SetLimit(o.workers(w, 0))
	for i, exec := range pending {
		i, sagaID := i, exec.SagaID
		g.Go(func() error {
			out, err := o.engine.Resume(ctx, sagaID)
			if err != nil {
				logger.Warn("resume saga %s: %v", sagaID, err)
			}
			resumed[i] = out
			return nil
		})
	}
	_ = g.Wait()

	for i, exec := range pending {
		if resumed[i] != nil {
			latest[exec.EntityID] = resumed[i]
		}
	}
	return latest, nil
}

// Recovery reports one recovery pass.
type Recovery struct {
	Sagas []saga.Summary `json:"sagas"`
	Waves []*Result      `json:"waves"`
}

// Recover resumes every interrupted saga, then finishes every wave left
// executing. Both steps run even when the first one reports failures.
func (o *Orchestrator) Recover(ctx context.Context) (*Recovery, error) {
	out := &Recovery{}
	execs, sagaErr := o.engine.RecoverAll(ctx)
	for _, exec := range execs {
		out.Sagas = append(out.Sagas, exec.Summary())
	}
	waves, waveErr := o.RecoverWaves(ctx)
	out.Waves = waves
	return out, errors.Join(sagaErr, waveErr)
}
