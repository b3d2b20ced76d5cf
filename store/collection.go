package store

import (
	"context"
	"fmt"
	"time"
)

// Versioned pairs a decoded value with its storage version.
type Versioned[T any] struct {
	Value     T
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Collection is a typed view over one Kind of a Store.
type Collection[T any] struct {
	store Store
	kind  Kind
	codec Codec
}

// NewCollection binds kind on s; a nil codec defaults to JSONCodec.
func NewCollection[T any](s Store, kind Kind, codec Codec) *Collection[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Collection[T]{store: s, kind: kind, codec: codec}
}

func (c *Collection[T]) Kind() Kind { return c.kind }

func (c *Collection[T]) Create(ctx context.Context, id string, v T) (int, error) {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", c.kind, id, err)
	}
	now := time.Now().UTC()
	return c.store.Create(ctx, Record{
		Kind:      c.kind,
		ID:        id,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (c *Collection[T]) Get(ctx context.Context, id string) (T, int, error) {
	var out T
	rec, err := c.store.Get(ctx, c.kind, id)
	if err != nil {
		return out, 0, err
	}
	if err := c.codec.Unmarshal(rec.Data, &out); err != nil {
		return out, 0, fmt.Errorf("decode %s %s: %w", c.kind, id, err)
	}
	return out, rec.Version, nil
}

func (c *Collection[T]) Update(ctx context.Context, id string, v T, expectedVersion int) (int, error) {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", c.kind, id, err)
	}
	return c.store.Update(ctx, Record{
		Kind:      c.kind,
		ID:        id,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}, expectedVersion)
}

func (c *Collection[T]) List(ctx context.Context) ([]Versioned[T], error) {
	recs, err := c.store.List(ctx, c.kind)
	if err != nil {
		return nil, err
	}
	out := make([]Versioned[T], 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := c.codec.Unmarshal(rec.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", c.kind, rec.ID, err)
		}
		out = append(out, Versioned[T]{
			Value:     v,
			Version:   rec.Version,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return out, nil
}
