package saga

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/runner"
)

// Registry maps handler names to operations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(name string, fn HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return migration.NewError(migration.ErrInvalidDefinition, "handler name and func required", nil, map[string]any{
			"handler": name,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return migration.NewError(migration.ErrAlreadyExists, "handler already registered", nil, map[string]any{
			"handler": name,
		})
	}
	r.handlers[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[strings.TrimSpace(name)]
	return fn, ok
}

// Names lists registered handlers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type step struct {
	def        MilestoneDefinition
	forward    HandlerFunc
	compensate HandlerFunc
	policy     runner.Policy
	compPolicy runner.Policy
}

// Plan is a validated definition with every handler resolved.
type Plan struct {
	def   Definition
	steps []step
	index map[string]int
}

func (p *Plan) Definition() Definition { return p.def }

func (p *Plan) step(name string) (step, bool) {
	i, ok := p.index[name]
	if !ok {
		return step{}, false
	}
	return p.steps[i], true
}

// Resolve validates def and binds its handlers. Every problem found is
// reported in one ErrInvalidDefinition.
func (r *Registry) Resolve(def Definition) (*Plan, error) {
	var errs error
	fail := func(format string, args ...any) {
		errs = errors.Join(errs, fmt.Errorf(format, args...))
	}

	def.Type = strings.TrimSpace(def.Type)
	if def.Type == "" {
		fail("saga type required")
	}
	if def.Timeout < 0 {
		fail("saga timeout must not be negative")
	}
	if def.CompletedLocation == "" {
		def.CompletedLocation = migration.LocationTarget
	}
	if !def.CompletedLocation.Valid() {
		fail("unknown completed location %q", def.CompletedLocation)
	}
	if len(def.Milestones) == 0 {
		fail("at least one milestone required")
	}

	milestones := orderMilestones(def.Milestones, fail)
	plan := &Plan{def: def, index: make(map[string]int, len(milestones))}

	for _, m := range milestones {
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			fail("milestone at order %d has no name", m.Order)
			continue
		}
		if _, dup := plan.index[m.Name]; dup {
			fail("milestone %q declared twice", m.Name)
			continue
		}

		st := step{def: m}
		if fn, ok := r.Lookup(m.Handler); ok {
			st.forward = fn
		} else {
			fail("milestone %q: handler %q not registered", m.Name, m.Handler)
		}

		switch {
		case m.Irreversible && m.Compensation != "":
			fail("milestone %q: irreversible milestone cannot declare a compensation", m.Name)
		case m.Irreversible:
		case m.Compensation == "":
			fail("milestone %q: compensation handler or irreversible flag required", m.Name)
		default:
			if fn, ok := r.Lookup(m.Compensation); ok {
				st.compensate = fn
			} else {
				fail("milestone %q: compensation %q not registered", m.Name, m.Compensation)
			}
		}

		if m.IdempotencyKey == "" {
			st.def.IdempotencyKey = defaultKeyTemplate
		}
		for _, problem := range checkKeyTemplate(st.def.IdempotencyKey) {
			fail("milestone %q: idempotency key: %s", m.Name, problem)
		}
		if m.Timeout < 0 {
			fail("milestone %q: timeout must not be negative", m.Name)
		}
		if m.Retry.MaxAttempts < 0 {
			fail("milestone %q: max attempts must not be negative", m.Name)
		}
		if m.Effect.Location != "" && !m.Effect.Location.Valid() {
			fail("milestone %q: unknown effect location %q", m.Name, m.Effect.Location)
		}

		st.policy = m.Retry.policy(m.Timeout)
		compRetry := m.Retry
		if m.CompensationRetry != nil {
			compRetry = *m.CompensationRetry
		}
		st.compPolicy = compRetry.policy(m.Timeout)

		plan.index[m.Name] = len(plan.steps)
		plan.steps = append(plan.steps, st)
	}

	if errs != nil {
		return nil, migration.NewError(migration.ErrInvalidDefinition, "invalid saga definition: "+errs.Error(), errs, map[string]any{
			"saga_type": def.Type,
		})
	}
	plan.def.Milestones = milestones
	return plan, nil
}

// orderMilestones sorts by Order. When no order is given the declaration
// order is used.
func orderMilestones(in []MilestoneDefinition, fail func(string, ...any)) []MilestoneDefinition {
	out := append([]MilestoneDefinition(nil), in...)
	explicit := false
	for _, m := range out {
		if m.Order != 0 {
			explicit = true
			break
		}
	}
	if !explicit {
		for i := range out {
			out[i].Order = i + 1
		}
		return out
	}
	seen := make(map[int]string, len(out))
	for _, m := range out {
		if other, dup := seen[m.Order]; dup {
			fail("milestones %q and %q share order %d", other, m.Name, m.Order)
		}
		seen[m.Order] = m.Name
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
