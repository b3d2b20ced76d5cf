package saga

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/store"
)

func TestLedgerReplaysSameKey(t *testing.T) {
	ledger := NewLedger(store.NewMemoryStore(), nil)
	var calls int32
	fn := ledger.Wrap("execute", func(ctx context.Context, call Call) (Result, error) {
		n := atomic.AddInt32(&calls, 1)
		return Result{"call": float64(n)}, nil
	})

	ctx := context.Background()
	first, err := fn(ctx, Call{IdempotencyKey: "saga-1/ingest", Milestone: "ingest"})
	require.NoError(t, err)
	second, err := fn(ctx, Call{IdempotencyKey: "saga-1/ingest", Milestone: "ingest"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first["call"], second["call"])

	_, err = fn(ctx, Call{IdempotencyKey: "saga-1/map", Milestone: "map"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	entry, ok, err := ledger.Lookup(ctx, "execute:saga-1/ingest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ingest", entry.Milestone)
}

func TestLedgerDoesNotRecordFailures(t *testing.T) {
	ledger := NewLedger(store.NewMemoryStore(), store.MsgpackCodec{})
	var calls int32
	fn := ledger.Wrap("", func(ctx context.Context, call Call) (Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, assert.AnError
		}
		return Result{"ok": true}, nil
	})

	ctx := context.Background()
	_, err := fn(ctx, Call{IdempotencyKey: "k"})
	require.Error(t, err)
	res, err := fn(ctx, Call{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// A milestone whose completion was not durably recorded runs again on
// resume; with a ledger the side effect is not duplicated.
func TestEngineLedgerPreventsDuplicateSideEffects(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore(), failAt: 2}
	ledger := NewLedger(flaky, nil)
	env := newEnv(t, flaky, WithLedger(ledger))

	var sideEffects int32
	require.NoError(t, env.registry.Register("ingest", func(ctx context.Context, call Call) (Result, error) {
		atomic.AddInt32(&sideEffects, 1)
		return Result{"legacy_ref": "L-" + call.EntityID}, nil
	}))
	require.NoError(t, env.registry.Register("ingest.undo", noopHandler))
	env.step(t, "map", false, false)

	require.NoError(t, env.engine.Define(Definition{
		Type:       "policy",
		Milestones: []MilestoneDefinition{milestone("ingest"), milestone("map")},
	}))

	ctx := context.Background()
	exec, err := env.engine.Start(ctx, "policy", "POL-001", nil)
	require.Error(t, err)

	resumed, err := env.engine.Resume(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, migration.SagaCompleted, resumed.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sideEffects))
	assert.Equal(t, "L-POL-001", resumed.Output()["legacy_ref"])
}
