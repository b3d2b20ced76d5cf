package saga

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/internal/keylock"
	"github.com/goliatone/go-migration/runner"
	"github.com/goliatone/go-migration/store"
	"github.com/goliatone/go-migration/telemetry"
	"github.com/goliatone/go-migration/tracker"
)

// Engine runs saga executions. It is the only component that writes saga
// records and, through the tracker, entity state for entities it drives.
type Engine struct {
	registry   *Registry
	tracker    *tracker.Tracker
	executions *store.Collection[Execution]
	ledger     *Ledger

	mu    sync.RWMutex
	plans map[string]*Plan

	locks  *keylock.Locker
	logger migration.Logger
	sink   telemetry.Sink
	tracer trace.Tracer
	ids    migration.IDGenerator
	now    func() time.Time
	codec  store.Codec
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. A nil logger keeps the default.
func WithLogger(logger migration.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSink sets where saga and milestone events are emitted.
func WithSink(sink telemetry.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithTracer sets the tracer used for saga and milestone spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithIDGenerator sets how saga and correlation ids are minted.
func WithIDGenerator(gen migration.IDGenerator) Option {
	return func(e *Engine) {
		e.ids = migration.NormalizeIDGenerator(gen)
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithCodec selects how executions are encoded in the store.
func WithCodec(codec store.Codec) Option {
	return func(e *Engine) {
		e.codec = codec
	}
}

// WithLedger routes every handler call through an idempotency ledger.
func WithLedger(ledger *Ledger) Option {
	return func(e *Engine) {
		e.ledger = ledger
	}
}

// New builds an engine persisting executions in s.
func New(s store.Store, registry *Registry, tr *tracker.Tracker, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		tracker:  tr,
		plans:    make(map[string]*Plan),
		locks:    keylock.New(),
		logger:   migration.NewFmtLogger(nil),
		sink:     telemetry.NopSink{},
		tracer:   telemetry.Tracer(),
		ids:      migration.NewID,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.executions = store.NewCollection[Execution](s, store.KindSaga, e.codec)
	return e
}

// Registry returns the handler registry used to resolve definitions.
func (e *Engine) Registry() *Registry { return e.registry }

// Tracker returns the entity tracker the engine writes through.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// Define validates def, resolves its handlers once and makes the saga type
// available to Start. Redefining a type replaces it for new executions.
func (e *Engine) Define(def Definition) error {
	plan, err := e.registry.Resolve(def)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.plans[plan.def.Type] = plan
	e.mu.Unlock()
	return nil
}

// Definition returns the resolved definition for sagaType.
func (e *Engine) Definition(sagaType string) (Definition, bool) {
	plan, err := e.plan(sagaType)
	if err != nil {
		return Definition{}, false
	}
	return plan.def, true
}

// Types lists defined saga types.
func (e *Engine) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.plans))
	for t := range e.plans {
		out = append(out, t)
	}
	return out
}

func (e *Engine) plan(sagaType string) (*Plan, error) {
	e.mu.RLock()
	plan, ok := e.plans[strings.TrimSpace(sagaType)]
	e.mu.RUnlock()
	if !ok {
		return nil, migration.NewError(migration.ErrNotFound, "saga type not defined", nil, map[string]any{
			"saga_type": sagaType,
		})
	}
	return plan, nil
}

type startConfig struct {
	correlationID string
	waveID        string
}

// StartOption tunes a single Start call.
type StartOption func(*startConfig)

// WithCorrelationID sets the correlation id instead of minting one.
func WithCorrelationID(id string) StartOption {
	return func(c *startConfig) { c.correlationID = id }
}

// WithWaveID tags the execution with the wave that started it.
func WithWaveID(id string) StartOption {
	return func(c *startConfig) { c.waveID = id }
}

// Start creates a saga for entityID and runs it until it completes, is
// compensated or fails. Handler failures are reported through the returned
// execution's status; only invalid transitions, store conflicts and
// compensation failures are returned as errors. Unknown entities are
// registered at the source system first.
func (e *Engine) Start(ctx context.Context, sagaType, entityID string, initial map[string]any, opts ...StartOption) (*Execution, error) {
	plan, err := e.plan(sagaType)
	if err != nil {
		return nil, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, migration.NewError(migration.ErrInvalidDefinition, "entity id required", nil, nil)
	}

	cfg := startConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	wctx := context.WithoutCancel(ctx)
	state, err := e.tracker.GetState(wctx, entityID)
	if migration.IsNotFound(err) {
		state, err = e.tracker.RegisterEntity(wctx, entityID, migration.LocationSource, nil)
	}
	if err != nil {
		return nil, err
	}
	if !state.CurrentStatus.Reopenable() {
		return nil, migration.NewError(migration.ErrInvalidTransition, "entity cannot start a new saga", nil, map[string]any{
			"entity_id": entityID,
			"status":    string(state.CurrentStatus),
		})
	}

	now := e.now()
	exec := &Execution{
		SagaID:        e.ids("saga"),
		SagaType:      plan.def.Type,
		EntityID:      entityID,
		CorrelationID: cfg.correlationID,
		WaveID:        cfg.waveID,
		Status:        migration.SagaPending,
		Context:       copyContext(initial),
		Completed:     []MilestoneRecord{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if exec.CorrelationID == "" {
		exec.CorrelationID = e.ids("corr")
	}
	if plan.def.Timeout > 0 {
		exec.Deadline = now.Add(plan.def.Timeout)
	}

	unlock := e.locks.Lock(exec.SagaID)
	defer unlock()

	version, err := e.executions.Create(wctx, exec.SagaID, *exec)
	if err != nil {
		return nil, err
	}
	exec.Version = version

	if _, err := e.tracker.RecordTransitionWithReason(wctx, entityID, migration.EntityInProgress, "", exec.SagaID, "saga started"); err != nil {
		exec.Status = migration.SagaFailed
		exec.Error = err.Error()
		if saveErr := e.save(wctx, exec); saveErr != nil {
			return exec, errors.Join(err, saveErr)
		}
		e.emit(ctx, exec, telemetry.Event{Type: telemetry.SagaFailed, Error: exec.Error})
		return exec, err
	}

	return e.run(ctx, plan, exec)
}

// Status returns the persisted execution for sagaID.
func (e *Engine) Status(ctx context.Context, sagaID string) (*Execution, error) {
	exec, version, err := e.executions.Get(ctx, strings.TrimSpace(sagaID))
	if err != nil {
		return nil, err
	}
	exec.Version = version
	return &exec, nil
}

// Resume continues a saga from its last durable state: pending and running
// sagas continue forward, compensating sagas continue compensation and
// terminal sagas only reconcile the tracker.
func (e *Engine) Resume(ctx context.Context, sagaID string) (*Execution, error) {
	unlock := e.locks.Lock(sagaID)
	defer unlock()

	exec, err := e.Status(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	plan, err := e.plan(exec.SagaType)
	if err != nil {
		return exec, err
	}
	wctx := context.WithoutCancel(ctx)

	switch exec.Status {
	case migration.SagaPending:
		if err := e.reconcile(wctx, exec, migration.EntityInProgress, ""); err != nil {
			return exec, err
		}
		return e.run(ctx, plan, exec)
	case migration.SagaRunning:
		return e.run(ctx, plan, exec)
	case migration.SagaCompensating:
		return e.compensate(wctx, plan, exec)
	case migration.SagaCompleted:
		return exec, e.reconcile(wctx, exec, migration.EntityCompleted, plan.def.CompletedLocation)
	case migration.SagaCompensated:
		return exec, e.reconcile(wctx, exec, migration.EntityRolledBack, migration.LocationSource)
	default:
		return exec, nil
	}
}

// Compensate rolls back a completed saga, compensating every reversible
// milestone in reverse completion order. The entity must still be completed
// by this saga; a validated entity is not rolled back. A saga whose earlier
// rollback failed and still owns its completed entity is retried from the
// milestone that failed.
func (e *Engine) Compensate(ctx context.Context, sagaID, reason string) (*Execution, error) {
	unlock := e.locks.Lock(sagaID)
	defer unlock()

	exec, err := e.Status(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if exec.Status == migration.SagaCompensating {
		plan, err := e.plan(exec.SagaType)
		if err != nil {
			return exec, err
		}
		return e.compensate(context.WithoutCancel(ctx), plan, exec)
	}
	retry := exec.Status == migration.SagaFailed && exec.NeedsIntervention
	if exec.Status != migration.SagaCompleted && !retry {
		return exec, migration.NewError(migration.ErrInvalidTransition, "only completed sagas can be compensated", nil, map[string]any{
			"saga_id": sagaID,
			"status":  string(exec.Status),
		})
	}
	plan, err := e.plan(exec.SagaType)
	if err != nil {
		return exec, err
	}

	wctx := context.WithoutCancel(ctx)
	state, err := e.tracker.GetState(wctx, exec.EntityID)
	if err != nil {
		return exec, err
	}
	if state.CurrentStatus != migration.EntityCompleted || state.LastSagaID() != exec.SagaID {
		return exec, migration.NewError(migration.ErrInvalidTransition, "entity is not completed by this saga", nil, map[string]any{
			"saga_id":   sagaID,
			"entity_id": exec.EntityID,
			"status":    string(state.CurrentStatus),
		})
	}

	exec.Status = migration.SagaCompensating
	exec.NeedsIntervention = false
	if reason != "" || !retry {
		exec.CompensationReason = reason
	}
	if err := e.save(wctx, exec); err != nil {
		return exec, err
	}
	return e.compensate(wctx, plan, exec)
}

// ListIncomplete returns executions that were interrupted before reaching a
// terminal status, ordered by saga id.
func (e *Engine) ListIncomplete(ctx context.Context) ([]*Execution, error) {
	return e.List(ctx, func(x *Execution) bool { return !x.Status.Terminal() })
}

// List returns persisted executions accepted by keep, ordered by saga id.
func (e *Engine) List(ctx context.Context, keep func(*Execution) bool) ([]*Execution, error) {
	items, err := e.executions.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Execution, 0, len(items))
	for _, item := range items {
		exec := item.Value
		exec.Version = item.Version
		if keep == nil || keep(&exec) {
			out = append(out, &exec)
		}
	}
	return out, nil
}

// RecoverAll resumes every incomplete execution. Failures are joined; the
// remaining executions are still resumed.
func (e *Engine) RecoverAll(ctx context.Context) ([]*Execution, error) {
	pending, err := e.ListIncomplete(ctx)
	if err != nil {
		return nil, err
	}
	var errs error
	out := make([]*Execution, 0, len(pending))
	for _, exec := range pending {
		resumed, err := e.Resume(ctx, exec.SagaID)
		if err != nil {
			errs = errors.Join(errs, err)
		}
		if resumed != nil {
			out = append(out, resumed)
		}
	}
	return out, errs
}

func (e *Engine) run(ctx context.Context, plan *Plan, exec *Execution) (*Execution, error) {
	ctx, span := e.tracer.Start(ctx, "saga."+exec.SagaType, trace.WithAttributes(
		attribute.String("migration.saga_id", exec.SagaID),
		attribute.String("migration.entity_id", exec.EntityID),
	))
	defer span.End()

	wctx := context.WithoutCancel(ctx)
	logger := e.sagaLogger(ctx, exec)

	if exec.Status == migration.SagaPending {
		exec.Status = migration.SagaRunning
		if err := e.save(wctx, exec); err != nil {
			return exec, err
		}
		e.emit(ctx, exec, telemetry.Event{Type: telemetry.SagaStarted})
		logger.Info("saga started")
	}

	for exec.CurrentIndex < len(plan.steps) {
		st := plan.steps[exec.CurrentIndex]

		if err := ctx.Err(); err != nil {
			cause := migration.NewError(migration.ErrCancelled, "saga cancelled before milestone", err, map[string]any{
				"milestone": st.def.Name,
			})
			return e.abort(wctx, plan, exec, st.def.Name, cause)
		}
		remaining, expired := e.remaining(exec)
		if expired {
			cause := migration.NewError(migration.ErrTimeout, "saga deadline exceeded", nil, map[string]any{
				"milestone": st.def.Name,
			})
			return e.abort(wctx, plan, exec, st.def.Name, cause)
		}

		key := RenderKey(st.def.IdempotencyKey, exec.SagaID, exec.SagaType, exec.EntityID, st.def.Name)
		started := e.now()
		out := e.invoke(ctx, exec, st.def.Name, key, e.forward(st), st.policy.WithTimeoutCap(remaining), nil)
		if !out.OK() {
			e.emit(ctx, exec, telemetry.Event{
				Type:      telemetry.MilestoneFailed,
				Milestone: st.def.Name,
				Status:    string(out.Kind),
				Attempts:  out.Attempts,
				Duration:  out.Duration,
				Error:     out.Err.Error(),
			})
			logger.Warn("milestone %s %s after %d attempt(s): %v", st.def.Name, out.Kind, out.Attempts, out.Err)
			return e.abort(wctx, plan, exec, st.def.Name, out.Err)
		}

		exec.Completed = append(exec.Completed, MilestoneRecord{
			Name:           st.def.Name,
			Order:          st.def.Order,
			IdempotencyKey: key,
			Result:         out.Value,
			Attempts:       out.Attempts,
			StartedAt:      started,
			CompletedAt:    e.now(),
		})
		exec.CurrentIndex++
		if err := e.save(wctx, exec); err != nil {
			return exec, err
		}
		e.emit(ctx, exec, telemetry.Event{
			Type:      telemetry.MilestoneCompleted,
			Milestone: st.def.Name,
			Status:    string(out.Kind),
			Attempts:  out.Attempts,
			Duration:  out.Duration,
		})

		if loc := st.def.Effect.Location; loc != "" {
			if err := e.reconcile(wctx, exec, migration.EntityInProgress, loc); err != nil {
				return exec, err
			}
		}
	}

	exec.Status = migration.SagaCompleted
	if err := e.save(wctx, exec); err != nil {
		return exec, err
	}
	if err := e.reconcile(wctx, exec, migration.EntityCompleted, plan.def.CompletedLocation); err != nil {
		return exec, err
	}
	e.emit(ctx, exec, telemetry.Event{Type: telemetry.SagaCompleted, Status: string(exec.Status)})
	logger.Info("saga completed milestones=%d", len(exec.Completed))
	return exec, nil
}

func (e *Engine) forward(st step) HandlerFunc {
	if e.ledger != nil {
		return e.ledger.Wrap("execute", st.forward)
	}
	return st.forward
}

// invoke calls fn through the runner inside a milestone span.
func (e *Engine) invoke(ctx context.Context, exec *Execution, milestone, key string, fn HandlerFunc, policy runner.Policy, forward Result) runner.Outcome[Result] {
	name := "milestone." + milestone
	if forward != nil {
		name = "compensation." + milestone
	}
	ctx, span := e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("migration.saga_id", exec.SagaID),
		attribute.String("migration.milestone", milestone),
		attribute.String("migration.idempotency_key", key),
	))
	defer span.End()

	call := Call{
		SagaID:         exec.SagaID,
		SagaType:       exec.SagaType,
		EntityID:       exec.EntityID,
		CorrelationID:  exec.CorrelationID,
		Milestone:      milestone,
		IdempotencyKey: key,
		Context:        copyContext(exec.Context),
		Previous:       exec.previous(),
		Forward:        forward,
	}
	out := runner.Invoke(ctx, policy, func(ctx context.Context, attempt int) (Result, error) {
		c := call
		c.Attempt = attempt
		return fn(ctx, c)
	})

	span.SetAttributes(attribute.Int("migration.attempts", out.Attempts))
	if !out.OK() {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Kind))
	}
	return out
}

// reconcile moves the entity to status/location for this saga unless it is
// already there. It is safe to repeat after a crash.
func (e *Engine) reconcile(ctx context.Context, exec *Execution, status migration.EntityStatus, location migration.Location) error {
	state, err := e.tracker.GetState(ctx, exec.EntityID)
	if err != nil {
		return err
	}
	owned := state.LastSagaID() == exec.SagaID
	if owned && state.CurrentStatus == status && (location == "" || state.CurrentLocation == location) {
		return nil
	}
	eligible := (state.CurrentStatus == migration.EntityInProgress && state.ActiveSagaID == exec.SagaID) ||
		(status == migration.EntityRolledBack && state.CurrentStatus == migration.EntityCompleted && owned) ||
		(status == migration.EntityInProgress && state.CurrentStatus.Reopenable())
	if !eligible && exec.Status.Terminal() {
		// the entity has moved on since this saga finished
		return nil
	}
	_, err = e.tracker.RecordTransitionWithReason(ctx, exec.EntityID, status, location, exec.SagaID, "saga "+string(exec.Status))
	return err
}

func (e *Engine) remaining(exec *Execution) (time.Duration, bool) {
	if exec.Deadline.IsZero() {
		return 0, false
	}
	left := exec.Deadline.Sub(e.now())
	if left <= 0 {
		return 0, true
	}
	return left, false
}

func (e *Engine) save(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = e.now()
	version, err := e.executions.Update(ctx, exec.SagaID, *exec, exec.Version)
	if err != nil {
		return err
	}
	exec.Version = version
	return nil
}

func (e *Engine) emit(ctx context.Context, exec *Execution, event telemetry.Event) {
	event.SagaID = exec.SagaID
	event.SagaType = exec.SagaType
	event.EntityID = exec.EntityID
	event.WaveID = exec.WaveID
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	e.sink.Emit(ctx, event)
}

func (e *Engine) sagaLogger(ctx context.Context, exec *Execution) migration.Logger {
	fields := map[string]any{
		"saga_id":   exec.SagaID,
		"saga_type": exec.SagaType,
		"entity_id": exec.EntityID,
	}
	if exec.WaveID != "" {
		fields["wave_id"] = exec.WaveID
	}
	return migration.WithLoggerFields(e.logger.WithContext(ctx), fields)
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
