package wave

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/internal/keylock"
	"github.com/goliatone/go-migration/saga"
	"github.com/goliatone/go-migration/store"
	"github.com/goliatone/go-migration/telemetry"
	"github.com/goliatone/go-migration/tracker"
)

// DefaultConcurrency is used when neither the call nor the wave sets one.
const DefaultConcurrency = 4

// Orchestrator plans and runs waves. It only reads entity state; every
// entity change goes through the saga engine.
type Orchestrator struct {
	engine  *saga.Engine
	tracker *tracker.Tracker
	waves   *store.Collection[Wave]
	codec   store.Codec

	locks       *keylock.Locker
	logger      migration.Logger
	sink        telemetry.Sink
	ids         migration.IDGenerator
	now         func() time.Time
	concurrency int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger. A nil logger keeps the default.
func WithLogger(logger migration.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSink sets where wave events are emitted.
func WithSink(sink telemetry.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithIDGenerator sets how wave ids are minted.
func WithIDGenerator(gen migration.IDGenerator) Option {
	return func(o *Orchestrator) {
		o.ids = migration.NormalizeIDGenerator(gen)
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCodec selects how waves are encoded in the store.
func WithCodec(codec store.Codec) Option {
	return func(o *Orchestrator) {
		o.codec = codec
	}
}

// WithDefaultConcurrency sets the worker count used when neither the call
// nor the wave definition provides one.
func WithDefaultConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// New builds an orchestrator persisting waves in s and running sagas on engine.
func New(s store.Store, engine *saga.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		tracker:     engine.Tracker(),
		locks:       keylock.New(),
		logger:      migration.NewFmtLogger(nil),
		sink:        telemetry.NopSink{},
		ids:         migration.NewID,
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.waves = store.NewCollection[Wave](s, store.KindWave, o.codec)
	return o
}

// CreateWave validates def and persists it in planning status.
func (o *Orchestrator) CreateWave(ctx context.Context, def Definition) (string, error) {
	def.WaveID = strings.TrimSpace(def.WaveID)
	if def.WaveID == "" {
		def.WaveID = o.ids("wave")
	}
	if _, ok := o.engine.Definition(def.SagaType); !ok {
		return "", migration.NewError(migration.ErrInvalidDefinition, "wave references an undefined saga type", nil, map[string]any{
			"wave_id":   def.WaveID,
			"saga_type": def.SagaType,
		})
	}
	if def.Concurrency < 0 || def.LaunchRate < 0 {
		return "", migration.NewError(migration.ErrInvalidDefinition, "concurrency and launch rate must not be negative", nil, map[string]any{
			"wave_id": def.WaveID,
		})
	}
	if err := validateGates(def.QualityGates); err != nil {
		return "", err
	}

	now := o.now()
	w := Wave{
		Definition: def,
		Status:     migration.WavePlanning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := o.waves.Create(ctx, def.WaveID, w); err != nil {
		return "", err
	}
	o.emit(ctx, &w, telemetry.Event{Type: telemetry.WaveCreated})
	o.waveLogger(ctx, &w).Info("wave created saga_type=%s", def.SagaType)
	return def.WaveID, nil
}

// GetWave returns the persisted wave.
func (o *Orchestrator) GetWave(ctx context.Context, waveID string) (*Wave, error) {
	w, version, err := o.waves.Get(ctx, strings.TrimSpace(waveID))
	if err != nil {
		return nil, err
	}
	w.Version = version
	return &w, nil
}

// ListWaves returns every wave ordered by wave number, then id.
func (o *Orchestrator) ListWaves(ctx context.Context) ([]*Wave, error) {
	items, err := o.waves.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Wave, 0, len(items))
	for _, item := range items {
		w := item.Value
		w.Version = item.Version
		out = append(out, &w)
	}
	sortWaves(out)
	return out, nil
}

// SelectCandidates resolves the wave's criteria against the tracker and
// records the selection. The result is ordered by entity id, so the same
// tracker state always yields the same candidates.
func (o *Orchestrator) SelectCandidates(ctx context.Context, waveID string) ([]string, error) {
	unlock := o.locks.Lock(waveID)
	defer unlock()
	return o.selectLocked(ctx, waveID)
}

func (o *Orchestrator) selectLocked(ctx context.Context, waveID string) ([]string, error) {
	w, err := o.GetWave(ctx, waveID)
	if err != nil {
		return nil, err
	}
	if !w.Status.CanExecute() {
		return nil, invalidState(w, "candidates can only be selected before execution")
	}

	records, err := o.tracker.Query(ctx, w.SelectionCriteria.filter())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.EntityID)
	}

	w.Candidates = ids
	if err := o.save(ctx, w); err != nil {
		return nil, err
	}
	o.waveLogger(ctx, w).Info("selected %d candidates", len(ids))
	return ids, nil
}

// Schedule moves a planning wave to scheduled. The scheduled start comes
// from the definition; Scheduler arms the actual run.
func (o *Orchestrator) Schedule(ctx context.Context, waveID string) (*Wave, error) {
	unlock := o.locks.Lock(waveID)
	defer unlock()

	w, err := o.GetWave(ctx, waveID)
	if err != nil {
		return nil, err
	}
	if w.Status != migration.WavePlanning {
		return nil, invalidState(w, "only planning waves can be scheduled")
	}
	if w.ScheduledStart.IsZero() {
		return nil, migration.NewError(migration.ErrInvalidDefinition, "wave has no scheduled start", nil, map[string]any{
			"wave_id": w.WaveID,
		})
	}
	w.Status = migration.WaveScheduled
	if err := o.save(ctx, w); err != nil {
		return nil, err
	}
	o.emit(ctx, w, telemetry.Event{Type: telemetry.WaveScheduled, Fields: map[string]any{
		"scheduled_start": w.ScheduledStart.Format(time.RFC3339),
	}})
	return w, nil
}

// ExecuteWave runs one saga per candidate with at most concurrency running
// at once, then evaluates the wave's quality gates. Entity failures never
// abort the wave and are never retried here. Cancelling ctx stops new
// starts; candidates never started count as failures.
func (o *Orchestrator) ExecuteWave(ctx context.Context, waveID string, concurrency int) (*Result, error) {
	unlock := o.locks.Lock(waveID)
	defer unlock()

	w, err := o.GetWave(ctx, waveID)
	if err != nil {
		return nil, err
	}
	if !w.Status.CanExecute() {
		return nil, invalidState(w, "wave cannot be executed")
	}
	if w.Candidates == nil {
		if _, err := o.selectLocked(ctx, waveID); err != nil {
			return nil, err
		}
		if w, err = o.GetWave(ctx, waveID); err != nil {
			return nil, err
		}
	}

	wctx := context.WithoutCancel(ctx)
	w.Status = migration.WaveExecuting
	w.StartedAt = o.now()
	if err := o.save(wctx, w); err != nil {
		return nil, err
	}

	workers := o.workers(w, concurrency)
	logger := o.waveLogger(ctx, w)
	o.emit(ctx, w, telemetry.Event{Type: telemetry.WaveStarted, Fields: map[string]any{
		"candidates":  len(w.Candidates),
		"concurrency": workers,
	}})
	logger.Info("wave executing candidates=%d concurrency=%d", len(w.Candidates), workers)

	res := o.run(ctx, w, workers)
	return o.finish(ctx, w, res, false)
}

// finish evaluates the gates over res, persists the outcome on w and emits
// the completion event.
func (o *Orchestrator) finish(ctx context.Context, w *Wave, res *Result, recovered bool) (*Result, error) {
	res.Gates = evaluateGates(w.QualityGates, res)
	res.Status = migration.WaveCompleted
	if !gatesPassed(res.Gates) {
		res.Status = migration.WaveGatedFailure
	}

	w.Status = res.Status
	w.Result = res
	w.CompletedAt = o.now()
	res.Duration = w.CompletedAt.Sub(w.StartedAt)
	if err := o.save(context.WithoutCancel(ctx), w); err != nil {
		return res, err
	}

	logger := o.waveLogger(ctx, w)
	event := telemetry.Event{Type: telemetry.WaveCompleted, Status: string(res.Status), Fields: map[string]any{
		"success_count": res.SuccessCount,
		"failure_count": res.FailureCount,
	}}
	if recovered {
		event.Fields["recovered"] = true
	}
	if gateErr := res.Err(); gateErr != nil {
		event.Type = telemetry.WaveGatedFailure
		event.Error = gateErr.Error()
		logger.Warn("wave gated: %d succeeded, %d failed", res.SuccessCount, res.FailureCount)
	} else {
		logger.Info("wave completed: %d succeeded, %d failed", res.SuccessCount, res.FailureCount)
	}
	o.emit(ctx, w, event)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, w *Wave, workers int) *Result {
	n := len(w.Candidates)
	sagas := make([]saga.Summary, n)
	outputs := make([]map[string]any, n)

	var limiter *rate.Limiter
	if w.LaunchRate > 0 {
		burst := int(w.LaunchRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(w.LaunchRate), burst)
	}

	var g errgroup.Group
	g.SetLimit(workers)

	cancelled := false
	for i, entityID := range w.Candidates {
		if !cancelled && limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				cancelled = true
			}
		}
		if cancelled || ctx.Err() != nil {
			cancelled = true
			sagas[i] = notStarted(entityID, "wave cancelled before start")
			continue
		}

		i, entityID := i, entityID
		g.Go(func() error {
			exec, err := o.engine.Start(ctx, w.SagaType, entityID, w.InitialContext,
				saga.WithWaveID(w.WaveID),
				saga.WithCorrelationID(w.WaveID),
			)
			switch {
			case exec != nil:
				sagas[i] = exec.Summary()
				if err != nil && sagas[i].Error == "" {
					sagas[i].Error = err.Error()
				}
				outputs[i] = exec.Output()
			default:
				sagas[i] = notStarted(entityID, err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
	return tally(w, sagas, outputs, cancelled)
}

// tally aggregates per-candidate summaries; sagas and outputs are indexed
// like w.Candidates.
func tally(w *Wave, sagas []saga.Summary, outputs []map[string]any, cancelled bool) *Result {
	res := &Result{
		WaveID:    w.WaveID,
		Selected:  len(sagas),
		Sagas:     sagas,
		Cancelled: cancelled,
		outputs:   make(map[string]map[string]any, len(sagas)),
	}
	for i, s := range sagas {
		if s.Status == migration.SagaCompleted {
			res.SuccessCount++
		} else {
			res.FailureCount++
		}
		if s.NeedsIntervention {
			res.Unresolved++
		}
		if s.SagaID != "" {
			res.outputs[s.SagaID] = outputs[i]
		}
	}
	return res
}

func notStarted(entityID, reason string) saga.Summary {
	return saga.Summary{
		EntityID: entityID,
		Status:   migration.SagaFailed,
		Error:    reason,
	}
}

func (o *Orchestrator) workers(w *Wave, requested int) int {
	switch {
	case requested > 0:
		return requested
	case w.Concurrency > 0:
		return w.Concurrency
	default:
		return o.concurrency
	}
}

func (o *Orchestrator) save(ctx context.Context, w *Wave) error {
	w.UpdatedAt = o.now()
	version, err := o.waves.Update(ctx, w.WaveID, *w, w.Version)
	if err != nil {
		return err
	}
	w.Version = version
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, w *Wave, event telemetry.Event) {
	event.WaveID = w.WaveID
	event.SagaType = w.SagaType
	if event.Status == "" {
		event.Status = string(w.Status)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = o.now()
	}
	o.sink.Emit(ctx, event)
}

func (o *Orchestrator) waveLogger(ctx context.Context, w *Wave) migration.Logger {
	return migration.WithLoggerFields(o.logger.WithContext(ctx), map[string]any{
		"wave_id":     w.WaveID,
		"wave_number": w.WaveNumber,
	})
}

func invalidState(w *Wave, msg string) error {
	return migration.NewError(migration.ErrInvalidWaveState, msg, nil, map[string]any{
		"wave_id": w.WaveID,
		"status":  string(w.Status),
	})
}
