package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/store"
	"github.com/goliatone/go-migration/telemetry"
	"github.com/goliatone/go-migration/tracker"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	l.calls = append(l.calls, entry)
	l.mu.Unlock()
}

func (l *callLog) entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) with(prefix string) []string {
	var out []string
	for _, c := range l.entries() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c[len(prefix):])
		}
	}
	return out
}

type testEnv struct {
	store    store.Store
	tracker  *tracker.Tracker
	registry *Registry
	engine   *Engine
	events   *telemetry.Recorder
	log      *callLog
}

func newEnv(t *testing.T, s store.Store, opts ...Option) *testEnv {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	env := &testEnv{
		store:    s,
		registry: NewRegistry(),
		events:   telemetry.NewRecorder(),
		log:      &callLog{},
	}
	env.tracker = tracker.New(s, tracker.WithLogger(migration.NopLogger{}))
	base := []Option{WithLogger(migration.NopLogger{}), WithSink(env.events)}
	env.engine = New(s, env.registry, env.tracker, append(base, opts...)...)
	return env
}

// step registers "<name>" and "<name>.undo" handlers that log their calls.
// failForward makes the forward handler fail on every attempt.
func (env *testEnv) step(t *testing.T, name string, failForward, failCompensate bool) {
	t.Helper()
	err := env.registry.Register(name, func(ctx context.Context, call Call) (Result, error) {
		env.log.add("exec:" + name)
		if failForward {
			return nil, fmt.Errorf("%s unavailable", name)
		}
		return Result{name + "_ref": call.EntityID + "/" + name}, nil
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	err = env.registry.Register(name+".undo", func(ctx context.Context, call Call) (Result, error) {
		env.log.add("undo:" + name)
		if call.Forward == nil {
			return nil, errors.New("compensation without forward result")
		}
		if failCompensate {
			return nil, fmt.Errorf("%s undo rejected", name)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("register %s.undo: %v", name, err)
	}
}

func milestone(name string) MilestoneDefinition {
	return MilestoneDefinition{Name: name, Handler: name, Compensation: name + ".undo"}
}

// flakyStore fails the nth update of saga records.
type flakyStore struct {
	store.Store
	failAt  int32
	updates int32
}

func (f *flakyStore) Update(ctx context.Context, rec store.Record, expected int) (int, error) {
	if rec.Kind == store.KindSaga {
		if n := atomic.AddInt32(&f.updates, 1); n == atomic.LoadInt32(&f.failAt) {
			return 0, migration.NewError(migration.ErrStoreUnavailable, "injected failure", nil, nil)
		}
	}
	return f.Store.Update(ctx, rec, expected)
}
