package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migration "github.com/goliatone/go-migration"
)

func migrate(t *testing.T, tr *Tracker, entityID, sagaID string, steps ...migration.EntityStatus) {
	t.Helper()
	ctx := context.Background()
	_, err := tr.RegisterEntity(ctx, entityID, migration.LocationSource, nil)
	require.NoError(t, err)
	for _, status := range steps {
		loc := migration.Location("")
		if status == migration.EntityCompleted {
			loc = migration.LocationTarget
		}
		_, err := tr.RecordTransition(ctx, entityID, status, loc, sagaID)
		require.NoError(t, err)
	}
}

func TestReconcileReportsMismatches(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	migrate(t, tr, "E-1", "saga-1", migration.EntityInProgress, migration.EntityCompleted)
	migrate(t, tr, "E-2", "saga-2", migration.EntityInProgress, migration.EntityCompleted, migration.EntityRolledBack)
	migrate(t, tr, "E-3", "saga-3", migration.EntityInProgress, migration.EntityCompleted)
	migrate(t, tr, "E-4", "")
	migrate(t, tr, "E-5", "saga-5", migration.EntityInProgress)

	sagas := []SagaView{
		{SagaID: "saga-1", EntityID: "E-1", Status: migration.SagaCompleted},
		{SagaID: "saga-1b", EntityID: "E-1", Status: migration.SagaFailed},
		{SagaID: "saga-2", EntityID: "E-2", Status: migration.SagaCompleted},
		{SagaID: "saga-3", EntityID: "E-3", Status: migration.SagaFailed, NeedsIntervention: true},
	}

	rep, err := tr.Reconcile(ctx, nil, sagas)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Checked)
	assert.Empty(t, rep.Unknown)
	assert.False(t, rep.Consistent())

	issues := make(map[string][]string)
	for _, m := range rep.Mismatches {
		issues[m.EntityID] = append(issues[m.EntityID], m.Issue)
	}
	assert.NotContains(t, issues, "E-1")
	assert.NotContains(t, issues, "E-4")
	assert.Equal(t, []string{
		"rolled back entity is not at source_system",
		"saga saga-2 is completed while entity is rolled_back",
	}, issues["E-2"])
	assert.Equal(t, []string{"saga saga-3 needs intervention while entity is completed"}, issues["E-3"])
	assert.Equal(t, []string{"saga saga-5 has no execution"}, issues["E-5"])

	for _, m := range rep.Mismatches {
		if m.EntityID == "E-3" {
			assert.Equal(t, "saga-3", m.SagaID)
			assert.Equal(t, migration.SagaFailed, m.SagaStatus)
			assert.Equal(t, migration.EntityCompleted, m.Status)
			assert.Equal(t, migration.LocationTarget, m.Location)
		}
	}
}

func TestReconcileSelectedEntities(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	migrate(t, tr, "E-1", "saga-1", migration.EntityInProgress, migration.EntityCompleted)
	migrate(t, tr, "E-2", "saga-2", migration.EntityInProgress)

	sagas := []SagaView{
		{SagaID: "saga-1", EntityID: "E-1", Status: migration.SagaCompleted},
		{SagaID: "saga-2", EntityID: "E-2", Status: migration.SagaRunning},
		{SagaID: "saga-9", EntityID: "E-2", Status: migration.SagaPending},
	}

	rep, err := tr.Reconcile(ctx, []string{"E-1", "zz-missing", "E-1", " ", "a-missing"}, sagas)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, []string{"a-missing", "zz-missing"}, rep.Unknown)
	assert.Empty(t, rep.Mismatches)
	assert.False(t, rep.Consistent())

	rep, err = tr.Reconcile(ctx, []string{"E-2"}, sagas)
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, "saga-9", rep.Mismatches[0].SagaID)
	assert.Equal(t, "saga saga-9 is pending but does not own the entity", rep.Mismatches[0].Issue)

	rep, err = tr.Reconcile(ctx, []string{"E-2"}, sagas[:2])
	require.NoError(t, err)
	assert.True(t, rep.Consistent())
}

func TestReconcileValidatedInTransit(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	migrate(t, tr, "E-1", "saga-1", migration.EntityInProgress, migration.EntityCompleted)
	_, err := tr.RecordTransition(ctx, "E-1", migration.EntityValidated, migration.LocationInTransit, "")
	require.NoError(t, err)

	rep, err := tr.Reconcile(ctx, []string{"E-1"}, []SagaView{{SagaID: "saga-1", EntityID: "E-1", Status: migration.SagaCompleted}})
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, "validated entity is still in_transit", rep.Mismatches[0].Issue)
}
