package wave

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/saga"
	"github.com/goliatone/go-migration/store"
	"github.com/goliatone/go-migration/telemetry"
)

func TestRecoverWaveAfterFinalSaveFailed(t *testing.T) {
	s := &interruptedStore{Store: store.NewMemoryStore(), failAt: 3}
	env := newWaveEnvOn(t, s)
	env.register(t, 3, nil)
	env.failing("E-02")

	ctx := context.Background()
	waveID, err := env.orch.CreateWave(ctx, Definition{SagaType: "policy"})
	require.NoError(t, err)
	_, err = env.orch.SelectCandidates(ctx, waveID)
	require.NoError(t, err)

	_, err = env.orch.ExecuteWave(ctx, waveID, 2)
	require.True(t, migration.HasCode(err, migration.CodeStoreUnavailable))

	w, err := env.orch.GetWave(ctx, waveID)
	require.NoError(t, err)
	require.Equal(t, migration.WaveExecuting, w.Status)
	_, err = env.orch.RollbackWave(ctx, waveID)
	assert.True(t, migration.HasCode(err, migration.CodeInvalidWaveState))

	res, err := env.orch.RecoverWave(ctx, waveID)
	require.NoError(t, err)
	assert.Equal(t, migration.WaveCompleted, res.Status)
	assert.Equal(t, 3, res.Selected)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)

	recovered := env.events.OfType(telemetry.WaveCompleted)
	require.NotEmpty(t, recovered)
	assert.Equal(t, true, recovered[len(recovered)-1].Fields["recovered"])

	rollback, err := env.orch.RollbackWave(ctx, waveID)
	require.NoError(t, err)
	assert.Equal(t, 2, rollback.Compensated)
	assert.Equal(t, 1, rollback.Skipped)

	_, err = env.orch.RecoverWave(ctx, waveID)
	assert.True(t, migration.HasCode(err, migration.CodeInvalidWaveState))
}

func TestRecoverWaveResumesInterruptedSagas(t *testing.T) {
	env := newWaveEnv(t)
	env.register(t, 3, nil)

	ctx := context.Background()
	waveID, err := env.orch.CreateWave(ctx, Definition{
		SagaType:     "policy",
		QualityGates: []Gate{{Type: GateMaxFailures, Threshold: 0}},
	})
	require.NoError(t, err)
	_, err = env.orch.SelectCandidates(ctx, waveID)
	require.NoError(t, err)

	// E-01 finished, E-02 was persisted but never ran, E-03 never started.
	_, err = env.engine.Start(ctx, "policy", "E-01", nil, saga.WithWaveID(waveID))
	require.NoError(t, err)
	executions := store.NewCollection[saga.Execution](env.store, store.KindSaga, nil)
	_, err = executions.Create(ctx, "saga-interrupted", saga.Execution{
		SagaID:    "saga-interrupted",
		SagaType:  "policy",
		EntityID:  "E-02",
		WaveID:    waveID,
		Status:    migration.SagaPending,
		Completed: []saga.MilestoneRecord{},
	})
	require.NoError(t, err)

	w, err := env.orch.GetWave(ctx, waveID)
	require.NoError(t, err)
	w.Status = migration.WaveExecuting
	require.NoError(t, env.orch.save(ctx, w))

	results, err := env.orch.RecoverWaves(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	assert.Equal(t, migration.WaveGatedFailure, res.Status)
	assert.True(t, migration.IsGateFailed(res.Err()))

	resumed, err := env.engine.Status(ctx, "saga-interrupted")
	require.NoError(t, err)
	assert.Equal(t, migration.SagaCompleted, resumed.Status)

	state, err := env.tracker.GetState(ctx, "E-03")
	require.NoError(t, err)
	assert.Equal(t, migration.EntityNotStarted, state.CurrentStatus)

	require.Len(t, res.Sagas, 3)
	assert.Equal(t, "E-03", res.Sagas[2].EntityID)
	assert.Empty(t, res.Sagas[2].SagaID)

	again, err := env.orch.RecoverWaves(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}
