// Package tracker records the migration status and location of every entity
// with an append-only transition history and a validated state machine.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/internal/keylock"
	"github.com/goliatone/go-migration/store"
	"github.com/goliatone/go-migration/telemetry"
)

// Tracker is the single writer of entity state. Writes for one entity are
// serialized; distinct entities proceed in parallel.
type Tracker struct {
	records *store.Collection[EntityRecord]
	codec   store.Codec
	locks   *keylock.Locker
	logger  migration.Logger
	sink    telemetry.Sink
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger. A nil logger keeps the default.
func WithLogger(logger migration.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithSink sets where entity transition events are emitted.
func WithSink(sink telemetry.Sink) Option {
	return func(t *Tracker) {
		if sink != nil {
			t.sink = sink
		}
	}
}

// WithCodec selects how records are encoded in the store. Defaults to JSON.
func WithCodec(codec store.Codec) Option {
	return func(t *Tracker) {
		t.codec = codec
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New builds a tracker over s.
func New(s store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		locks:  keylock.New(),
		logger: migration.NewFmtLogger(nil),
		sink:   telemetry.NopSink{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.records = store.NewCollection[EntityRecord](s, store.KindEntity, t.codec)
	return t
}

// RegisterEntity starts tracking entityID at location with status not_started.
func (t *Tracker) RegisterEntity(ctx context.Context, entityID string, location migration.Location, metadata map[string]any) (*EntityRecord, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, migration.NewError(migration.ErrInvalidDefinition, "entity id required", nil, nil)
	}
	if location == "" {
		location = migration.LocationSource
	}
	if !location.Valid() {
		return nil, migration.NewError(migration.ErrInvalidDefinition, "unknown location", nil, map[string]any{
			"entity_id": entityID,
			"location":  string(location),
		})
	}

	unlock := t.locks.Lock(entityID)
	defer unlock()

	now := t.now()
	rec := EntityRecord{
		EntityID:        entityID,
		CurrentLocation: location,
		CurrentStatus:   migration.EntityNotStarted,
		History: []Transition{{
			Status:    migration.EntityNotStarted,
			Location:  location,
			Reason:    "registered",
			Timestamp: now,
		}},
		Metadata:  copyMetadata(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	version, err := t.records.Create(ctx, entityID, rec)
	if err != nil {
		return nil, err
	}
	rec.Version = version

	migration.WithLoggerFields(t.logger.WithContext(ctx), map[string]any{"entity_id": entityID}).
		Debug("entity registered location=%s", location)
	t.emit(ctx, &rec, "")
	return rec.clone(), nil
}

// RecordTransition moves entityID to status/location on behalf of sagaID.
// An empty location keeps the current one. Disallowed changes fail with
// ErrInvalidTransition and leave the record untouched.
func (t *Tracker) RecordTransition(ctx context.Context, entityID string, status migration.EntityStatus, location migration.Location, sagaID string) (*EntityRecord, error) {
	return t.transition(ctx, entityID, status, location, sagaID, "")
}

// RecordTransitionWithReason is RecordTransition with a history annotation.
func (t *Tracker) RecordTransitionWithReason(ctx context.Context, entityID string, status migration.EntityStatus, location migration.Location, sagaID, reason string) (*EntityRecord, error) {
	return t.transition(ctx, entityID, status, location, sagaID, reason)
}

func (t *Tracker) transition(ctx context.Context, entityID string, status migration.EntityStatus, location migration.Location, sagaID, reason string) (*EntityRecord, error) {
	entityID = strings.TrimSpace(entityID)
	unlock := t.locks.Lock(entityID)
	defer unlock()

	rec, err := t.load(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if location == "" {
		location = rec.CurrentLocation
	}
	if !location.Valid() {
		return nil, migration.NewError(migration.ErrInvalidTransition, "unknown location", nil, map[string]any{
			"entity_id": entityID,
			"location":  string(location),
		})
	}
	if err := t.checkOwner(rec, status, sagaID); err != nil {
		return nil, err
	}
	if err := checkTransition(ctx, rec.CurrentStatus, status); err != nil {
		return nil, annotate(err, entityID, sagaID)
	}

	now := t.now()
	next := rec.clone()
	next.CurrentStatus = status
	next.CurrentLocation = location
	next.UpdatedAt = now
	next.History = append(next.History, Transition{
		Status:    status,
		Location:  location,
		SagaID:    sagaID,
		Reason:    reason,
		Timestamp: now,
	})
	if status == migration.EntityInProgress {
		next.ActiveSagaID = sagaID
	} else {
		next.ActiveSagaID = ""
	}

	version, err := t.records.Update(ctx, entityID, *next, rec.Version)
	if err != nil {
		return nil, err
	}
	next.Version = version

	migration.WithLoggerFields(t.logger.WithContext(ctx), map[string]any{
		"entity_id": entityID,
		"saga_id":   sagaID,
	}).Debug("entity transition %s -> %s location=%s", rec.CurrentStatus, status, location)
	t.emit(ctx, next, sagaID)
	return next.clone(), nil
}

// checkOwner enforces one active saga per entity. A saga that already failed
// or rolled back the entity cannot reopen it, and only the saga that completed
// the entity may roll it back.
func (t *Tracker) checkOwner(rec *EntityRecord, status migration.EntityStatus, sagaID string) error {
	sagaID = strings.TrimSpace(sagaID)
	if status == migration.EntityInProgress && sagaID == "" {
		return migration.NewError(migration.ErrInvalidTransition, "saga id required to enter in_progress", nil, map[string]any{
			"entity_id": rec.EntityID,
		})
	}

	switch {
	case rec.CurrentStatus == migration.EntityInProgress && rec.ActiveSagaID != "":
		if sagaID != rec.ActiveSagaID {
			return ownerError(rec, sagaID, "entity is owned by another saga")
		}
	case status == migration.EntityInProgress && rec.CurrentStatus.Reopenable():
		if sagaID == rec.LastSagaID() || rec.settledBy(sagaID) {
			return ownerError(rec, sagaID, "saga already finished with this entity")
		}
	case status == migration.EntityRolledBack && rec.CurrentStatus == migration.EntityCompleted:
		if sagaID != rec.LastSagaID() {
			return ownerError(rec, sagaID, "entity was completed by another saga")
		}
	}
	return nil
}

func ownerError(rec *EntityRecord, sagaID, msg string) error {
	return migration.NewError(migration.ErrInvalidTransition, msg, nil, map[string]any{
		"entity_id":      rec.EntityID,
		"saga_id":        sagaID,
		"active_saga_id": rec.ActiveSagaID,
		"last_saga_id":   rec.LastSagaID(),
		"status":         string(rec.CurrentStatus),
	})
}

// GetState returns the current record for entityID.
func (t *Tracker) GetState(ctx context.Context, entityID string) (*EntityRecord, error) {
	return t.load(ctx, strings.TrimSpace(entityID))
}

func (t *Tracker) load(ctx context.Context, entityID string) (*EntityRecord, error) {
	if entityID == "" {
		return nil, migration.NewError(migration.ErrNotFound, "entity id required", nil, nil)
	}
	rec, version, err := t.records.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	rec.Version = version
	return &rec, nil
}

// Filter narrows Query results. Empty fields match everything.
type Filter struct {
	Statuses   []migration.EntityStatus
	Locations  []migration.Location
	EntityIDs  []string
	Attributes map[string]any
	Limit      int
}

// Matches reports whether rec satisfies every populated criterion.
func (f Filter) Matches(rec *EntityRecord) bool {
	if rec == nil {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, rec.CurrentStatus) {
		return false
	}
	if len(f.Locations) > 0 && !contains(f.Locations, rec.CurrentLocation) {
		return false
	}
	if len(f.EntityIDs) > 0 && !contains(f.EntityIDs, rec.EntityID) {
		return false
	}
	for key, want := range f.Attributes {
		got, ok := rec.Metadata[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Query returns matching records ordered by entity id.
func (t *Tracker) Query(ctx context.Context, filter Filter) ([]*EntityRecord, error) {
	items, err := t.records.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*EntityRecord, 0, len(items))
	for _, item := range items {
		rec := item.Value
		rec.Version = item.Version
		if !filter.Matches(&rec) {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// EntitiesByLocation lists entities currently at location.
func (t *Tracker) EntitiesByLocation(ctx context.Context, location migration.Location) ([]*EntityRecord, error) {
	return t.Query(ctx, Filter{Locations: []migration.Location{location}})
}

func (t *Tracker) emit(ctx context.Context, rec *EntityRecord, sagaID string) {
	t.sink.Emit(ctx, telemetry.Event{
		Type:      telemetry.EntityTransition,
		SagaID:    sagaID,
		EntityID:  rec.EntityID,
		Status:    string(rec.CurrentStatus),
		Location:  string(rec.CurrentLocation),
		Timestamp: rec.UpdatedAt,
	})
}

func annotate(err error, entityID, sagaID string) error {
	meta := migration.Metadata(err)
	out := map[string]any{"entity_id": entityID}
	if sagaID != "" {
		out["saga_id"] = sagaID
	}
	for k, v := range meta {
		out[k] = v
	}
	return migration.NewError(migration.ErrInvalidTransition, "", err, out)
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
