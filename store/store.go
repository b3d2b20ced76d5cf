// Package store provides the durable record store backing sagas, waves and
// tracked entities. Every backend supports optimistic-concurrency updates.
package store

import (
	"context"
	"strings"
	"time"

	migration "github.com/goliatone/go-migration"
)

// Kind groups records of one persisted type.
type Kind string

const (
	KindSaga        Kind = "saga"
	KindWave        Kind = "wave"
	KindEntity      Kind = "entity"
	KindIdempotency Kind = "idempotency"
)

// Record is one persisted, versioned document.
type Record struct {
	Kind      Kind
	ID        string
	Version   int
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists records with create / get / update-with-version semantics.
type Store interface {
	// Create inserts rec at version 1; an existing record yields ErrAlreadyExists.
	Create(ctx context.Context, rec Record) (int, error)
	// Get returns ErrNotFound when the record does not exist.
	Get(ctx context.Context, kind Kind, id string) (*Record, error)
	// Update replaces rec when the stored version equals expectedVersion and
	// returns the new version, or ErrConcurrencyConflict on mismatch.
	Update(ctx context.Context, rec Record, expectedVersion int) (int, error)
	// List returns every record of kind ordered by id.
	List(ctx context.Context, kind Kind) ([]*Record, error)
}

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	cp := *rec
	if rec.Data != nil {
		cp.Data = append([]byte(nil), rec.Data...)
	}
	return &cp
}

func normalizeRecord(rec Record) (Record, error) {
	rec.ID = strings.TrimSpace(rec.ID)
	rec.Kind = Kind(strings.TrimSpace(string(rec.Kind)))
	if rec.ID == "" || rec.Kind == "" {
		return rec, migration.NewError(migration.ErrInvalidDefinition, "record kind and id required", nil, map[string]any{
			"kind": string(rec.Kind),
			"id":   rec.ID,
		})
	}
	return rec, nil
}

func notFound(kind Kind, id string) error {
	return migration.NewError(migration.ErrNotFound, "record not found", nil, map[string]any{
		"kind": string(kind),
		"id":   id,
	})
}

func alreadyExists(kind Kind, id string) error {
	return migration.NewError(migration.ErrAlreadyExists, "record already exists", nil, map[string]any{
		"kind": string(kind),
		"id":   id,
	})
}

func versionConflict(kind Kind, id string, expected, actual int) error {
	return migration.NewError(migration.ErrConcurrencyConflict, "record version conflict", nil, map[string]any{
		"kind":             string(kind),
		"id":               id,
		"expected_version": expected,
		"actual_version":   actual,
	})
}

func unavailable(op string, err error) error {
	return migration.NewError(migration.ErrStoreUnavailable, "store "+op+" failed", err, map[string]any{
		"operation": op,
	})
}

func errorCode(err error) string {
	return migration.Code(err)
}
