package wave

import (
	"context"
	"sync"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/cron"
	"github.com/goliatone/go-migration/runner"
)

// Scheduler arms scheduled waves on a cron scheduler so they execute at
// their ScheduledStart.
type Scheduler struct {
	orch        *Orchestrator
	cron        *cron.Scheduler
	concurrency int

	mu      sync.Mutex
	handles map[string]cron.Handle
}

// NewScheduler binds orch to sched. concurrency is passed to ExecuteWave;
// zero defers to the wave definition.
func NewScheduler(orch *Orchestrator, sched *cron.Scheduler, concurrency int) *Scheduler {
	return &Scheduler{
		orch:        orch,
		cron:        sched,
		concurrency: concurrency,
		handles:     make(map[string]cron.Handle),
	}
}

// Schedule marks the wave scheduled and arms it.
func (s *Scheduler) Schedule(ctx context.Context, waveID string) (cron.Handle, error) {
	w, err := s.orch.Schedule(ctx, waveID)
	if err != nil {
		return nil, err
	}
	return s.arm(w)
}

// Restore re-arms every wave persisted as scheduled, typically after a
// process restart. It returns the number of waves armed.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	waves, err := s.orch.ListWaves(ctx)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, w := range waves {
		if w.Status != migration.WaveScheduled {
			continue
		}
		s.mu.Lock()
		_, exists := s.handles[w.WaveID]
		s.mu.Unlock()
		if exists {
			continue
		}
		if _, err := s.arm(w); err != nil {
			return armed, err
		}
		armed++
	}
	return armed, nil
}

// Cancel disarms a wave. The wave keeps its scheduled status.
func (s *Scheduler) Cancel(waveID string) bool {
	s.mu.Lock()
	h, ok := s.handles[waveID]
	delete(s.handles, waveID)
	s.mu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

// Handle returns the armed handle of a wave, if any.
func (s *Scheduler) Handle(waveID string) (cron.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[waveID]
	return h, ok
}

// RecoverEvery runs Orchestrator.Recover on every tick of spec, a cron
// expression or descriptor such as "@every 5m". Only one process should run
// recovery against a store.
func (s *Scheduler) RecoverEvery(spec string) (cron.Handle, error) {
	return s.cron.ScheduleCron("wave:recover", spec, func(ctx context.Context) error {
		_, err := s.orch.Recover(ctx)
		return err
	})
}

func (s *Scheduler) arm(w *Wave) (cron.Handle, error) {
	waveID := w.WaveID
	h, err := s.cron.ScheduleAt("wave:"+waveID, w.ScheduledStart, func(ctx context.Context) error {
		res, err := s.orch.ExecuteWave(ctx, waveID, s.concurrency)
		switch {
		case migration.HasCode(err, migration.CodeInvalidWaveState) || migration.IsNotFound(err):
			return runner.Permanent(err)
		case err != nil:
			return err
		}
		if gateErr := res.Err(); gateErr != nil {
			return runner.Permanent(gateErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.handles[waveID] = h
	s.mu.Unlock()
	return h, nil
}
