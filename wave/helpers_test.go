package wave

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/saga"
	"github.com/goliatone/go-migration/store"
	"github.com/goliatone/go-migration/telemetry"
	"github.com/goliatone/go-migration/tracker"
)

type waveEnv struct {
	store   store.Store
	tracker *tracker.Tracker
	engine  *saga.Engine
	orch    *Orchestrator
	events  *telemetry.Recorder

	mu          sync.Mutex
	failCutover map[string]bool
	failUndo    bool
	rejectUndo  map[string]bool
	undoCalls   map[string]int
	delay       time.Duration
	inflight    atomic.Int32
	peak        atomic.Int32
}

// newWaveEnv defines a two-step "policy" saga: copy then cutover. Cutover
// fails for entities listed in failCutover, which compensates copy.
func newWaveEnv(t *testing.T) *waveEnv {
	t.Helper()
	return newWaveEnvOn(t, store.NewMemoryStore())
}

func newWaveEnvOn(t *testing.T, s store.Store) *waveEnv {
	t.Helper()
	env := &waveEnv{
		store:       s,
		events:      telemetry.NewRecorder(),
		failCutover: map[string]bool{},
		rejectUndo:  map[string]bool{},
		undoCalls:   map[string]int{},
	}
	env.tracker = tracker.New(env.store, tracker.WithLogger(migration.NopLogger{}))

	registry := saga.NewRegistry()
	require.NoError(t, registry.Register("copy", env.copy))
	require.NoError(t, registry.Register("copy.undo", env.undo))
	require.NoError(t, registry.Register("cutover", env.cutover))
	require.NoError(t, registry.Register("cutover.undo", env.undo))

	env.engine = saga.New(env.store, registry, env.tracker,
		saga.WithLogger(migration.NopLogger{}),
		saga.WithSink(env.events),
	)
	require.NoError(t, env.engine.Define(saga.Definition{
		Type: "policy",
		Milestones: []saga.MilestoneDefinition{
			{Name: "copy", Handler: "copy", Compensation: "copy.undo"},
			{Name: "cutover", Handler: "cutover", Compensation: "cutover.undo"},
		},
	}))

	env.orch = New(env.store, env.engine,
		WithLogger(migration.NopLogger{}),
		WithSink(env.events),
	)
	return env
}

func (env *waveEnv) copy(ctx context.Context, call saga.Call) (saga.Result, error) {
	n := env.inflight.Add(1)
	defer env.inflight.Add(-1)
	for {
		peak := env.peak.Load()
		if n <= peak || env.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if env.delay > 0 {
		time.Sleep(env.delay)
	}
	return saga.Result{"target_ref": "T-" + call.EntityID, "data_quality_score": 0.9}, nil
}

func (env *waveEnv) cutover(ctx context.Context, call saga.Call) (saga.Result, error) {
	env.mu.Lock()
	fail := env.failCutover[call.EntityID]
	env.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("cutover rejected for %s", call.EntityID)
	}
	return saga.Result{"cutover_at": "2024-01-01"}, nil
}

func (env *waveEnv) undo(ctx context.Context, call saga.Call) (saga.Result, error) {
	env.mu.Lock()
	env.undoCalls[call.EntityID]++
	fail := env.failUndo || env.rejectUndo[call.EntityID]
	env.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("undo rejected for %s", call.EntityID)
	}
	return nil, nil
}

func (env *waveEnv) failing(ids ...string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	for _, id := range ids {
		env.failCutover[id] = true
	}
}

func (env *waveEnv) undone(id string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.undoCalls[id]
}

// register creates n entities named E-01..E-n at the source system.
func (env *waveEnv) register(t *testing.T, n int, metadata map[string]any) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("E-%02d", i)
		_, err := env.tracker.RegisterEntity(context.Background(), id, migration.LocationSource, metadata)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// interruptedStore fails the failAt-th update of wave records, leaving the
// previous version persisted.
type interruptedStore struct {
	store.Store
	failAt  int32
	updates atomic.Int32
}

func (s *interruptedStore) Update(ctx context.Context, rec store.Record, expected int) (int, error) {
	if rec.Kind == store.KindWave && s.updates.Add(1) == s.failAt {
		return 0, migration.NewError(migration.ErrStoreUnavailable, "process stopped", nil, nil)
	}
	return s.Store.Update(ctx, rec, expected)
}
