package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/store"
	"github.com/goliatone/go-migration/telemetry"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithLogger(migration.NopLogger{})}
	return New(store.NewMemoryStore(), append(base, opts...)...), clock
}

func TestRegisterEntity(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	rec, err := tr.RegisterEntity(ctx, "POL-001", "", map[string]any{"line": "auto"})
	require.NoError(t, err)
	assert.Equal(t, migration.EntityNotStarted, rec.CurrentStatus)
	assert.Equal(t, migration.LocationSource, rec.CurrentLocation)
	require.Len(t, rec.History, 1)

	_, err = tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	assert.True(t, migration.IsAlreadyExists(err))

	_, err = tr.RegisterEntity(ctx, "POL-002", migration.Location("mars"), nil)
	assert.True(t, migration.IsInvalidDefinition(err))
}

func TestHappyPathHistory(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	require.NoError(t, err)
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, migration.LocationInTransit, "saga-1")
	require.NoError(t, err)
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityCompleted, migration.LocationTarget, "saga-1")
	require.NoError(t, err)

	report, err := tr.ValidateMigration(ctx, "POL-001", ValidationRules{})
	require.NoError(t, err)
	require.True(t, report.Passed, "failures: %v", report.Failures)

	rec, err := tr.GetState(ctx, "POL-001")
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []Transition{
		{Status: migration.EntityNotStarted, Location: migration.LocationSource, Reason: "registered", Timestamp: base.Add(1 * time.Second)},
		{Status: migration.EntityInProgress, Location: migration.LocationInTransit, SagaID: "saga-1", Timestamp: base.Add(2 * time.Second)},
		{Status: migration.EntityCompleted, Location: migration.LocationTarget, SagaID: "saga-1", Timestamp: base.Add(3 * time.Second)},
		{Status: migration.EntityValidated, Location: migration.LocationTarget, SagaID: "saga-1", Reason: "validated", Timestamp: base.Add(4 * time.Second)},
	}
	if diff := cmp.Diff(want, rec.History); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, migration.EntityValidated, rec.CurrentStatus)
	assert.Empty(t, rec.ActiveSagaID)
}

func TestNotStartedToValidatedRejected(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	require.NoError(t, err)

	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityValidated, migration.LocationTarget, "saga-1")
	require.Error(t, err)
	assert.True(t, migration.IsInvalidTransition(err))

	rec, err := tr.GetState(ctx, "POL-001")
	require.NoError(t, err)
	assert.Equal(t, migration.EntityNotStarted, rec.CurrentStatus)
	assert.Equal(t, migration.LocationSource, rec.CurrentLocation)
	assert.Len(t, rec.History, 1)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to migration.EntityStatus
		ok       bool
	}{
		{migration.EntityNotStarted, migration.EntityInProgress, true},
		{migration.EntityNotStarted, migration.EntityCompleted, false},
		{migration.EntityInProgress, migration.EntityCompleted, true},
		{migration.EntityInProgress, migration.EntityFailed, true},
		{migration.EntityInProgress, migration.EntityRolledBack, true},
		{migration.EntityCompleted, migration.EntityValidated, true},
		{migration.EntityCompleted, migration.EntityRolledBack, true},
		{migration.EntityCompleted, migration.EntityInProgress, false},
		{migration.EntityValidated, migration.EntityRolledBack, false},
		{migration.EntityFailed, migration.EntityInProgress, true},
		{migration.EntityFailed, migration.EntityCompleted, false},
		{migration.EntityRolledBack, migration.EntityInProgress, true},
		{migration.EntityRolledBack, migration.EntityValidated, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			err := checkTransition(context.Background(), tc.from, tc.to)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, migration.IsInvalidTransition(err))
		})
	}
}

func TestReopenWithNewSaga(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	require.NoError(t, err)
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-1")
	require.NoError(t, err)
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityFailed, "", "saga-1")
	require.NoError(t, err)

	rec, err := tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-2")
	require.NoError(t, err)
	assert.Equal(t, "saga-2", rec.ActiveSagaID)
	assert.Len(t, rec.History, 4)
}

func TestFinishedSagaCannotReopenEntity(t *testing.T) {
	for _, terminal := range []migration.EntityStatus{migration.EntityFailed, migration.EntityRolledBack} {
		t.Run(string(terminal), func(t *testing.T) {
			tr, _ := newTestTracker(t)
			ctx := context.Background()

			_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
			require.NoError(t, err)
			_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-1")
			require.NoError(t, err)
			_, err = tr.RecordTransition(ctx, "POL-001", terminal, "", "saga-1")
			require.NoError(t, err)

			_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-1")
			assert.True(t, migration.IsInvalidTransition(err))

			rec, err := tr.GetState(ctx, "POL-001")
			require.NoError(t, err)
			assert.Equal(t, terminal, rec.CurrentStatus)
			assert.Empty(t, rec.ActiveSagaID)
			assert.Len(t, rec.History, 3)
		})
	}
}

func TestEarlierSagaCannotReopenAfterNewerOne(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	require.NoError(t, err)
	for _, step := range []struct {
		status migration.EntityStatus
		saga   string
	}{
		{migration.EntityInProgress, "saga-1"},
		{migration.EntityFailed, "saga-1"},
		{migration.EntityInProgress, "saga-2"},
		{migration.EntityRolledBack, "saga-2"},
	} {
		_, err = tr.RecordTransition(ctx, "POL-001", step.status, "", step.saga)
		require.NoError(t, err)
	}

	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-1")
	assert.True(t, migration.IsInvalidTransition(err))

	rec, err := tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-3")
	require.NoError(t, err)
	assert.Equal(t, "saga-3", rec.ActiveSagaID)
}

func TestOnlyCompletingSagaRollsBack(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	require.NoError(t, err)
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-1")
	require.NoError(t, err)
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityCompleted, migration.LocationTarget, "saga-1")
	require.NoError(t, err)

	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityRolledBack, migration.LocationSource, "saga-2")
	assert.True(t, migration.IsInvalidTransition(err))
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityRolledBack, migration.LocationSource, "")
	assert.True(t, migration.IsInvalidTransition(err))

	rec, err := tr.RecordTransition(ctx, "POL-001", migration.EntityRolledBack, migration.LocationSource, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, migration.EntityRolledBack, rec.CurrentStatus)
}

func TestSecondSagaRejectedWhileInProgress(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	require.NoError(t, err)
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-1")
	require.NoError(t, err)

	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-2")
	assert.True(t, migration.IsInvalidTransition(err))
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityCompleted, migration.LocationTarget, "saga-2")
	assert.True(t, migration.IsInvalidTransition(err))

	rec, err := tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, migration.LocationInTransit, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, migration.LocationInTransit, rec.CurrentLocation)
}

func TestInProgressRequiresSagaID(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	require.NoError(t, err)

	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "")
	assert.True(t, migration.IsInvalidTransition(err))
}

func TestGetStateUnknownEntity(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, err := tr.GetState(context.Background(), "missing")
	assert.True(t, migration.IsNotFound(err))
}

func TestQueryIsDeterministic(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for _, id := range []string{"POL-003", "POL-001", "POL-004", "POL-002"} {
		region := "north"
		if id == "POL-002" {
			region = "south"
		}
		_, err := tr.RegisterEntity(ctx, id, migration.LocationSource, map[string]any{"region": region})
		require.NoError(t, err)
	}
	_, err := tr.RecordTransition(ctx, "POL-004", migration.EntityInProgress, "", "saga-x")
	require.NoError(t, err)

	got, err := tr.Query(ctx, Filter{
		Statuses:   []migration.EntityStatus{migration.EntityNotStarted},
		Attributes: map[string]any{"region": "north"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"POL-001", "POL-003"}, ids(got))

	limited, err := tr.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"POL-001", "POL-002"}, ids(limited))

	byID, err := tr.Query(ctx, Filter{EntityIDs: []string{"POL-004", "POL-002"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"POL-002", "POL-004"}, ids(byID))
}

func TestValidateMigrationReportsFailures(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	require.NoError(t, err)

	report, err := tr.ValidateMigration(ctx, "POL-001", ValidationRules{RequiredMetadata: []string{"target_ref"}})
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Len(t, report.Failures, 3)

	rec, err := tr.GetState(ctx, "POL-001")
	require.NoError(t, err)
	assert.Equal(t, migration.EntityNotStarted, rec.CurrentStatus)
}

func TestSummaryAndLocation(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		_, err := tr.RegisterEntity(ctx, id, migration.LocationSource, nil)
		require.NoError(t, err)
	}
	_, err := tr.RecordTransition(ctx, "A", migration.EntityInProgress, migration.LocationInTransit, "s-a")
	require.NoError(t, err)
	_, err = tr.RecordTransition(ctx, "A", migration.EntityCompleted, migration.LocationTarget, "s-a")
	require.NoError(t, err)

	sum, err := tr.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.ByStatus[migration.EntityNotStarted])
	assert.Equal(t, 1, sum.ByStatus[migration.EntityCompleted])
	assert.Equal(t, 1, sum.ByLocation[migration.LocationTarget])

	atTarget, err := tr.EntitiesByLocation(ctx, migration.LocationTarget)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(atTarget))
}

func TestTransitionsEmitEvents(t *testing.T) {
	rec := telemetry.NewRecorder()
	tr, _ := newTestTracker(t, WithSink(rec))
	ctx := context.Background()

	_, err := tr.RegisterEntity(ctx, "POL-001", migration.LocationSource, nil)
	require.NoError(t, err)
	_, err = tr.RecordTransition(ctx, "POL-001", migration.EntityInProgress, "", "saga-1")
	require.NoError(t, err)

	events := rec.OfType(telemetry.EntityTransition)
	require.Len(t, events, 2)
	assert.Equal(t, "in_progress", events[1].Status)
	assert.Equal(t, "saga-1", events[1].SagaID)
}

func TestConcurrentWritersDistinctEntities(t *testing.T) {
	tr, _ := newTestTracker(t, WithCodec(store.MsgpackCodec{}))
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := tr.RegisterEntity(ctx, fmt.Sprintf("E-%02d", i), migration.LocationSource, nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("E-%02d", i)
			saga := fmt.Sprintf("saga-%d", i)
			if _, err := tr.RecordTransition(ctx, id, migration.EntityInProgress, migration.LocationInTransit, saga); err != nil {
				errs <- err
				return
			}
			if _, err := tr.RecordTransition(ctx, id, migration.EntityCompleted, migration.LocationTarget, saga); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	sum, err := tr.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, sum.ByStatus[migration.EntityCompleted])
}

func ids(records []*EntityRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.EntityID)
	}
	return out
}
