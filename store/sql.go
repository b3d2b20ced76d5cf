package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name     string
	BlobType string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

var (
	SQLiteDialect = Dialect{
		Name:        "sqlite3",
		BlobType:    "BLOB",
		Placeholder: func(int) string { return "?" },
	}
	PostgresDialect = Dialect{
		Name:        "postgres",
		BlobType:    "BYTEA",
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// DialectFor resolves a dialect from a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return SQLiteDialect, nil
	case "postgres", "postgresql", "pq":
		return PostgresDialect, nil
	}
	return Dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
}

// SQLStore persists records in a single table keyed by (kind, id).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// NewSQLStore builds a store on db; an empty table defaults to migration_records.
func NewSQLStore(db *sql.DB, dialect Dialect, table string) *SQLStore {
	if strings.TrimSpace(table) == "" {
		table = "migration_records"
	}
	if dialect.Placeholder == nil {
		dialect = SQLiteDialect
	}
	return &SQLStore{db: db, dialect: dialect, table: table}
}

func (s *SQLStore) quotedTable() string {
	return pq.QuoteIdentifier(s.table)
}

func (s *SQLStore) args(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s.dialect.Placeholder(i + 1)
	}
	return out
}

// EnsureSchema creates the records table when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		data %s,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	)`, s.quotedTable(), s.dialect.BlobType)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return unavailable("ensure_schema", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, rec Record) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sql store not configured")
	}
	rec, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	p := s.args(6)
	q := fmt.Sprintf(`INSERT INTO %s (kind, id, version, data, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s) ON CONFLICT (kind, id) DO NOTHING`,
		s.quotedTable(), p[0], p[1], p[2], p[3], p[4], p[5])
	ts := rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, q, string(rec.Kind), rec.ID, 1, rec.Data, ts, ts)
	if err != nil {
		return 0, unavailable("create", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("create", err)
	}
	if affected == 0 {
		return 0, alreadyExists(rec.Kind, rec.ID)
	}
	return 1, nil
}

func (s *SQLStore) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	id = strings.TrimSpace(id)
	p := s.args(2)
	q := fmt.Sprintf(`SELECT version, data, created_at, updated_at FROM %s WHERE kind = %s AND id = %s`,
		s.quotedTable(), p[0], p[1])
	rec := &Record{Kind: kind, ID: id}
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, q, string(kind), id).Scan(&rec.Version, &rec.Data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	rec.CreatedAt = parseTimestamp(createdAt)
	rec.UpdatedAt = parseTimestamp(updatedAt)
	return rec, nil
}

func (s *SQLStore) Update(ctx context.Context, rec Record, expectedVersion int) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sql store not configured")
	}
	rec, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	next := expectedVersion + 1
	p := s.args(6)
	q := fmt.Sprintf(`UPDATE %s SET version = %s, data = %s, updated_at = %s
		WHERE kind = %s AND id = %s AND version = %s`,
		s.quotedTable(), p[0], p[1], p[2], p[3], p[4], p[5])
	result, err := s.db.ExecContext(ctx, q,
		next,
		rec.Data,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(rec.Kind),
		rec.ID,
		expectedVersion,
	)
	if err != nil {
		return 0, unavailable("update", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("update", err)
	}
	if affected > 0 {
		return next, nil
	}
	current, err := s.Get(ctx, rec.Kind, rec.ID)
	if err != nil {
		return 0, err
	}
	return 0, versionConflict(rec.Kind, rec.ID, expectedVersion, current.Version)
}

func (s *SQLStore) List(ctx context.Context, kind Kind) ([]*Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	p := s.args(1)
	q := fmt.Sprintf(`SELECT id, version, data, created_at, updated_at FROM %s WHERE kind = %s ORDER BY id ASC`,
		s.quotedTable(), p[0])
	rows, err := s.db.QueryContext(ctx, q, string(kind))
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{Kind: kind}
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Data, &createdAt, &updatedAt); err != nil {
			return nil, unavailable("list", err)
		}
		rec.CreatedAt = parseTimestamp(createdAt)
		rec.UpdatedAt = parseTimestamp(updatedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}
