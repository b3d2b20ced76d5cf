package control

import (
	"context"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/saga"
	"github.com/goliatone/go-migration/tracker"
	"github.com/goliatone/go-migration/wave"
)

// Service exposes the migration operations.
type Service struct {
	tracker *tracker.Tracker
	engine  *saga.Engine
	waves   *wave.Orchestrator
	sched   *wave.Scheduler
	logger  migration.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for failed operations. A nil logger keeps
// the default.
func WithLogger(logger migration.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithScheduler enables ScheduleWave.
func WithScheduler(sched *wave.Scheduler) Option {
	return func(s *Service) {
		s.sched = sched
	}
}

// NewService builds a Service over engine and orchestrator. The tracker is
// taken from the engine.
func NewService(engine *saga.Engine, waves *wave.Orchestrator, opts ...Option) *Service {
	s := &Service{
		tracker: engine.Tracker(),
		engine:  engine,
		waves:   waves,
		logger:  migration.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RegisterEntityRequest registers one entity with the tracker.
type RegisterEntityRequest struct {
	EntityID string             `json:"entity_id"`
	Location migration.Location `json:"location,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

func (s *Service) RegisterEntity(ctx context.Context, req RegisterEntityRequest) Response[*tracker.EntityRecord] {
	rec, err := s.tracker.RegisterEntity(ctx, req.EntityID, req.Location, req.Metadata)
	return logged(s, ctx, "register entity", rec, err)
}

func (s *Service) GetEntityStatus(ctx context.Context, entityID string) Response[*tracker.EntityRecord] {
	rec, err := s.tracker.GetState(ctx, entityID)
	return respond(rec, err)
}

func (s *Service) QueryEntities(ctx context.Context, filter tracker.Filter) Response[[]*tracker.EntityRecord] {
	recs, err := s.tracker.Query(ctx, filter)
	return respond(recs, err)
}

// ValidateMigration applies rules, or the default rules when rules is nil.
func (s *Service) ValidateMigration(ctx context.Context, entityID string, rules *tracker.ValidationRules) Response[*tracker.ValidationReport] {
	r := tracker.DefaultValidationRules()
	if rules != nil {
		r = *rules
	}
	report, err := s.tracker.ValidateMigration(ctx, entityID, r)
	return logged(s, ctx, "validate migration", report, err)
}

func (s *Service) CreateWave(ctx context.Context, def wave.Definition) Response[*wave.Wave] {
	waveID, err := s.waves.CreateWave(ctx, def)
	if err != nil {
		return logged[*wave.Wave](s, ctx, "create wave", nil, err)
	}
	w, err := s.waves.GetWave(ctx, waveID)
	return respond(w, err)
}

func (s *Service) SelectCandidates(ctx context.Context, waveID string) Response[[]string] {
	ids, err := s.waves.SelectCandidates(ctx, waveID)
	return logged(s, ctx, "select candidates", ids, err)
}

// ExecuteWave runs the wave. A gated-failure wave is a successful call whose
// result carries the failing gates.
func (s *Service) ExecuteWave(ctx context.Context, waveID string, concurrency int) Response[*wave.Result] {
	res, err := s.waves.ExecuteWave(ctx, waveID, concurrency)
	return logged(s, ctx, "execute wave", res, err)
}

func (s *Service) RollbackWave(ctx context.Context, waveID string) Response[*wave.RollbackResult] {
	res, err := s.waves.RollbackWave(ctx, waveID)
	return logged(s, ctx, "rollback wave", res, err)
}

func (s *Service) ScheduleWave(ctx context.Context, waveID string) Response[*wave.Wave] {
	if s.sched == nil {
		w, err := s.waves.Schedule(ctx, waveID)
		return logged(s, ctx, "schedule wave", w, err)
	}
	if _, err := s.sched.Schedule(ctx, waveID); err != nil {
		return logged[*wave.Wave](s, ctx, "schedule wave", nil, err)
	}
	w, err := s.waves.GetWave(ctx, waveID)
	return respond(w, err)
}

func (s *Service) GetWaveStatus(ctx context.Context, waveID string) Response[*wave.Wave] {
	w, err := s.waves.GetWave(ctx, waveID)
	return respond(w, err)
}

func (s *Service) ListWaves(ctx context.Context) Response[[]*wave.Wave] {
	waves, err := s.waves.ListWaves(ctx)
	return respond(waves, err)
}

func (s *Service) GetSagaStatus(ctx context.Context, sagaID string) Response[*saga.Execution] {
	exec, err := s.engine.Status(ctx, sagaID)
	return respond(exec, err)
}

func (s *Service) ResumeSaga(ctx context.Context, sagaID string) Response[*saga.Execution] {
	exec, err := s.engine.Resume(ctx, sagaID)
	return logged(s, ctx, "resume saga", exec, err)
}

// RecoverSagas resumes every interrupted saga.
func (s *Service) RecoverSagas(ctx context.Context) Response[[]saga.Summary] {
	execs, err := s.engine.RecoverAll(ctx)
	out := make([]saga.Summary, 0, len(execs))
	for _, exec := range execs {
		out = append(out, exec.Summary())
	}
	return logged(s, ctx, "recover sagas", out, err)
}

// RecoverWave finishes a wave left executing by an interrupted process.
func (s *Service) RecoverWave(ctx context.Context, waveID string) Response[*wave.Result] {
	res, err := s.waves.RecoverWave(ctx, waveID)
	return logged(s, ctx, "recover wave", res, err)
}

// Recover resumes interrupted sagas, then finishes interrupted waves.
func (s *Service) Recover(ctx context.Context) Response[*wave.Recovery] {
	rec, err := s.waves.Recover(ctx)
	return logged(s, ctx, "recover", rec, err)
}

// Reconcile compares the given entities, or every entity when ids is empty,
// with the saga executions that moved them.
func (s *Service) Reconcile(ctx context.Context, ids []string) Response[*tracker.Reconciliation] {
	execs, err := s.engine.List(ctx, nil)
	if err != nil {
		return fail[*tracker.Reconciliation](nil, err)
	}
	rep, err := s.tracker.Reconcile(ctx, ids, sagaViews(execs))
	return respond(rep, err)
}

func sagaViews(execs []*saga.Execution) []tracker.SagaView {
	out := make([]tracker.SagaView, 0, len(execs))
	for _, exec := range execs {
		out = append(out, tracker.SagaView{
			SagaID:            exec.SagaID,
			EntityID:          exec.EntityID,
			Status:            exec.Status,
			NeedsIntervention: exec.NeedsIntervention,
		})
	}
	return out
}

// MigrationStatus is the overall reconciliation view.
type MigrationStatus struct {
	Entities          *tracker.Summary             `json:"entities"`
	Sagas             map[migration.SagaStatus]int `json:"sagas"`
	Waves             map[migration.WaveStatus]int `json:"waves"`
	NeedsIntervention []string                     `json:"needs_intervention,omitempty"`
	Reconciliation    *tracker.Reconciliation      `json:"reconciliation"`
}

func (s *Service) GetMigrationStatus(ctx context.Context) Response[*MigrationStatus] {
	entities, err := s.tracker.Summary(ctx)
	if err != nil {
		return fail[*MigrationStatus](nil, err)
	}
	execs, err := s.engine.List(ctx, nil)
	if err != nil {
		return fail[*MigrationStatus](nil, err)
	}
	waves, err := s.waves.ListWaves(ctx)
	if err != nil {
		return fail[*MigrationStatus](nil, err)
	}

	reconciliation, err := s.tracker.Reconcile(ctx, nil, sagaViews(execs))
	if err != nil {
		return fail[*MigrationStatus](nil, err)
	}

	out := &MigrationStatus{
		Entities:       entities,
		Reconciliation: reconciliation,
		Sagas:          make(map[migration.SagaStatus]int),
		Waves:          make(map[migration.WaveStatus]int),
	}
	for _, exec := range execs {
		out.Sagas[exec.Status]++
		if exec.NeedsIntervention {
			out.NeedsIntervention = append(out.NeedsIntervention, exec.SagaID)
		}
	}
	for _, w := range waves {
		out.Waves[w.Status]++
	}
	return ok(out)
}

func logged[T any](s *Service, ctx context.Context, op string, data T, err error) Response[T] {
	if err != nil {
		s.logger.WithContext(ctx).Warn("%s failed: %v", op, err)
	}
	return respond(data, err)
}
