package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migration "github.com/goliatone/go-migration"
)

func noopHandler(context.Context, Call) (Result, error) { return nil, nil }

func newTestRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, name := range names {
		require.NoError(t, r.Register(name, noopHandler))
	}
	return r
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t, "ingest")
	err := r.Register("ingest", noopHandler)
	assert.True(t, migration.IsAlreadyExists(err))

	err = r.Register("", noopHandler)
	assert.True(t, migration.IsInvalidDefinition(err))
	err = r.Register("nil", nil)
	assert.True(t, migration.IsInvalidDefinition(err))

	assert.Equal(t, []string{"ingest"}, r.Names())
}

func TestResolveOrdersMilestones(t *testing.T) {
	r := newTestRegistry(t, "a", "a.undo", "b", "b.undo")
	plan, err := r.Resolve(Definition{
		Type: "ordered",
		Milestones: []MilestoneDefinition{
			{Name: "second", Order: 20, Handler: "b", Compensation: "b.undo"},
			{Name: "first", Order: 10, Handler: "a", Compensation: "a.undo"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, plan.MilestoneNames())
	assert.Equal(t, migration.LocationTarget, plan.Definition().CompletedLocation)
	assert.Equal(t, defaultKeyTemplate, plan.steps[0].def.IdempotencyKey)
}

func TestResolveReportsEveryProblem(t *testing.T) {
	r := newTestRegistry(t, "a", "a.undo")

	cases := map[string]Definition{
		"missing type": {
			Milestones: []MilestoneDefinition{{Name: "x", Handler: "a", Irreversible: true}},
		},
		"no milestones": {Type: "empty"},
		"undeclared compensation": {
			Type:       "t",
			Milestones: []MilestoneDefinition{{Name: "x", Handler: "a"}},
		},
		"unregistered handler": {
			Type:       "t",
			Milestones: []MilestoneDefinition{{Name: "x", Handler: "missing", Irreversible: true}},
		},
		"unregistered compensation": {
			Type:       "t",
			Milestones: []MilestoneDefinition{{Name: "x", Handler: "a", Compensation: "missing"}},
		},
		"irreversible with compensation": {
			Type:       "t",
			Milestones: []MilestoneDefinition{{Name: "x", Handler: "a", Compensation: "a.undo", Irreversible: true}},
		},
		"duplicate names": {
			Type: "t",
			Milestones: []MilestoneDefinition{
				{Name: "x", Handler: "a", Irreversible: true},
				{Name: "x", Handler: "a", Irreversible: true},
			},
		},
		"duplicate order": {
			Type: "t",
			Milestones: []MilestoneDefinition{
				{Name: "x", Order: 1, Handler: "a", Irreversible: true},
				{Name: "y", Order: 1, Handler: "a", Irreversible: true},
			},
		},
		"key without milestone": {
			Type:       "t",
			Milestones: []MilestoneDefinition{{Name: "x", Handler: "a", Irreversible: true, IdempotencyKey: "{saga_id}"}},
		},
		"key with unknown placeholder": {
			Type:       "t",
			Milestones: []MilestoneDefinition{{Name: "x", Handler: "a", Irreversible: true, IdempotencyKey: "{saga_id}/{milestone}/{tenant}"}},
		},
		"bad effect location": {
			Type:       "t",
			Milestones: []MilestoneDefinition{{Name: "x", Handler: "a", Irreversible: true, Effect: Effect{Location: "moon"}}},
		},
	}

	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(def)
			require.Error(t, err)
			assert.True(t, migration.IsInvalidDefinition(err), "got %v", err)
		})
	}
}

func TestDefineRejectsInvalidDefinition(t *testing.T) {
	env := newEnv(t, nil)
	require.NoError(t, env.registry.Register("ingest", noopHandler))

	err := env.engine.Define(Definition{
		Type:       "policy",
		Milestones: []MilestoneDefinition{{Name: "ingest", Handler: "ingest"}},
	})
	assert.True(t, migration.IsInvalidDefinition(err))
	_, ok := env.engine.Definition("policy")
	assert.False(t, ok)
}

func TestRenderKey(t *testing.T) {
	assert.Equal(t, "s-1/ingest", RenderKey("", "s-1", "policy", "POL-1", "ingest"))
	assert.Equal(t, "policy:POL-1:s-1:ingest", RenderKey("{saga_type}:{entity_id}:{saga_id}:{milestone}", "s-1", "policy", "POL-1", "ingest"))
}
