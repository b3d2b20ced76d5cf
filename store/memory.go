package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	memdb "github.com/hashicorp/go-memdb"
)

const memoryTable = "records"

// MemoryStore keeps records in a go-memdb database. Write transactions are
// serialized by memdb, which makes the version check and write atomic.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		// the schema is static, a failure here is a programming error
		panic(err)
	}
	return &MemoryStore{db: db}
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			memoryTable: {
				Name: memoryTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Kind"},
								&memdb.StringFieldIndex{Field: "ID"},
							},
						},
					},
					"kind": {
						Name:    "kind",
						Indexer: &memdb.StringFieldIndex{Field: "Kind"},
					},
				},
			},
		},
	}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("memory store not configured")
	}
	rec, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(memoryTable, "id", string(rec.Kind), rec.ID)
	if err != nil {
		return 0, unavailable("create", err)
	}
	if existing != nil {
		return 0, alreadyExists(rec.Kind, rec.ID)
	}
	now := time.Now().UTC()
	stored := cloneRecord(&rec)
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	if err := txn.Insert(memoryTable, stored); err != nil {
		return 0, unavailable("create", err)
	}
	txn.Commit()
	return stored.Version, nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (*Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("memory store not configured")
	}
	id = strings.TrimSpace(id)
	txn := s.db.Txn(false)
	raw, err := txn.First(memoryTable, "id", string(kind), id)
	if err != nil {
		return nil, unavailable("get", err)
	}
	if raw == nil {
		return nil, notFound(kind, id)
	}
	return cloneRecord(raw.(*Record)), nil
}

func (s *MemoryStore) Update(_ context.Context, rec Record, expectedVersion int) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("memory store not configured")
	}
	rec, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(memoryTable, "id", string(rec.Kind), rec.ID)
	if err != nil {
		return 0, unavailable("update", err)
	}
	if raw == nil {
		return 0, notFound(rec.Kind, rec.ID)
	}
	current := raw.(*Record)
	if current.Version != expectedVersion {
		return 0, versionConflict(rec.Kind, rec.ID, expectedVersion, current.Version)
	}
	next := cloneRecord(&rec)
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	if err := txn.Insert(memoryTable, next); err != nil {
		return 0, unavailable("update", err)
	}
	txn.Commit()
	return next.Version, nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind) ([]*Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("memory store not configured")
	}
	txn := s.db.Txn(false)
	it, err := txn.Get(memoryTable, "kind", string(kind))
	if err != nil {
		return nil, unavailable("list", err)
	}
	var out []*Record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, cloneRecord(obj.(*Record)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
