package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis schema:

- Hash: {prefix}{kind}:{id}    fields version, data, created_at, updated_at
- Set:  {prefix}{kind}:_index  ids of every record of kind
*/

// RedisStore persists records in Redis hashes. Version checks run inside a
// WATCH/MULTI transaction so concurrent writers on the same key conflict.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using the "migration:" key prefix.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "migration:",
	}
}

// WithKeyPrefix sets a custom key prefix.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		s.prefix = prefix
	}
	return s
}

func (s *RedisStore) recordKey(kind Kind, id string) string {
	return s.prefix + string(kind) + ":" + id
}

func (s *RedisStore) indexKey(kind Kind) string {
	return s.prefix + string(kind) + ":_index"
}

func (s *RedisStore) Create(ctx context.Context, rec Record) (int, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("redis store not configured")
	}
	rec, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	key := s.recordKey(rec.Kind, rec.ID)
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return alreadyExists(rec.Kind, rec.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"version":    1,
				"data":       rec.Data,
				"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
				"updated_at": rec.CreatedAt.Format(time.RFC3339Nano),
			})
			pipe.SAdd(ctx, s.indexKey(rec.Kind), rec.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return 0, alreadyExists(rec.Kind, rec.ID)
		}
		return 0, s.wrap("create", err)
	}
	return 1, nil
}

func (s *RedisStore) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	id = strings.TrimSpace(id)
	fields, err := s.client.HGetAll(ctx, s.recordKey(kind, id)).Result()
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(fields) == 0 {
		return nil, notFound(kind, id)
	}
	return decodeRedisRecord(kind, id, fields), nil
}

func (s *RedisStore) Update(ctx context.Context, rec Record, expectedVersion int) (int, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("redis store not configured")
	}
	rec, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	key := s.recordKey(rec.Kind, rec.ID)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	var next int

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, "version").Result()
		if errors.Is(err, redis.Nil) {
			return notFound(rec.Kind, rec.ID)
		}
		if err != nil {
			return err
		}
		current, _ := strconv.Atoi(raw)
		if current != expectedVersion {
			return versionConflict(rec.Kind, rec.ID, expectedVersion, current)
		}
		next = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"version":    next,
				"data":       rec.Data,
				"updated_at": rec.UpdatedAt.Format(time.RFC3339Nano),
			})
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return 0, versionConflict(rec.Kind, rec.ID, expectedVersion, -1)
		}
		return 0, s.wrap("update", err)
	}
	return next, nil
}

func (s *RedisStore) List(ctx context.Context, kind Kind) ([]*Record, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	ids, err := s.client.SMembers(ctx, s.indexKey(kind)).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}
	sort.Strings(ids)
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.recordKey(kind, id)).Result()
		if err != nil {
			return nil, unavailable("list", err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeRedisRecord(kind, id, fields))
	}
	return out, nil
}

// wrap keeps domain errors returned from inside WATCH callbacks intact.
func (s *RedisStore) wrap(op string, err error) error {
	if code := errorCode(err); code != "" {
		return err
	}
	return unavailable(op, err)
}

func decodeRedisRecord(kind Kind, id string, fields map[string]string) *Record {
	rec := &Record{
		Kind: kind,
		ID:   id,
		Data: []byte(fields["data"]),
	}
	rec.Version, _ = strconv.Atoi(fields["version"])
	if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		rec.UpdatedAt = ts
	}
	return rec
}
