package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migration "github.com/goliatone/go-migration"
)

func runStoreConformance(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	version, err := s.Create(ctx, Record{Kind: KindSaga, ID: "saga-b", Data: []byte(`{"n":1}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	_, err = s.Create(ctx, Record{Kind: KindSaga, ID: "saga-b", Data: []byte(`{}`)})
	assert.True(t, migration.IsAlreadyExists(err), "expected already exists, got %v", err)

	_, err = s.Get(ctx, KindSaga, "missing")
	assert.True(t, migration.IsNotFound(err), "expected not found, got %v", err)

	version, err = s.Update(ctx, Record{Kind: KindSaga, ID: "saga-b", Data: []byte(`{"n":2}`)}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	_, err = s.Update(ctx, Record{Kind: KindSaga, ID: "saga-b", Data: []byte(`{"n":3}`)}, 1)
	assert.True(t, migration.IsConcurrencyConflict(err), "expected conflict, got %v", err)

	_, err = s.Update(ctx, Record{Kind: KindSaga, ID: "missing", Data: []byte(`{}`)}, 1)
	assert.True(t, migration.IsNotFound(err), "expected not found, got %v", err)

	rec, err := s.Get(ctx, KindSaga, "saga-b")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.JSONEq(t, `{"n":2}`, string(rec.Data))

	_, err = s.Create(ctx, Record{Kind: KindSaga, ID: "saga-a", Data: []byte(`{}`)})
	require.NoError(t, err)
	_, err = s.Create(ctx, Record{Kind: KindWave, ID: "wave-a", Data: []byte(`{}`)})
	require.NoError(t, err)

	list, err := s.List(ctx, KindSaga)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "saga-a", list[0].ID)
	assert.Equal(t, "saga-b", list[1].ID)
}

func TestMemoryStoreConformance(t *testing.T) {
	runStoreConformance(t, NewMemoryStore())
}

func TestRedisStoreConformance(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	runStoreConformance(t, NewRedisStore(client).WithKeyPrefix("test:"))
	assert.True(t, mr.Exists("test:saga:saga-b"))
}

func TestMemoryStoreConcurrentUpdatesSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Create(ctx, Record{Kind: KindEntity, ID: "POL-001", Data: []byte(`{}`)})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, Record{Kind: KindEntity, ID: "POL-001", Data: []byte(`{"x":1}`)}, 1)
			switch {
			case err == nil:
				winners.Add(1)
			case migration.IsConcurrencyConflict(err):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(15), conflicts.Load())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Create(ctx, Record{Kind: KindWave, ID: "w", Data: []byte("abc")})
	require.NoError(t, err)

	rec, err := s.Get(ctx, KindWave, "w")
	require.NoError(t, err)
	rec.Data[0] = 'z'

	again, err := s.Get(ctx, KindWave, "w")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again.Data))
}

type collectionDoc struct {
	Name  string
	Count int
	Tags  []string
}

func TestCollectionRoundTripWithCodecs(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx := context.Background()
			coll := NewCollection[collectionDoc](NewMemoryStore(), KindWave, codec)

			version, err := coll.Create(ctx, "wave-1", collectionDoc{Name: "first", Count: 1})
			require.NoError(t, err)

			doc, got, err := coll.Get(ctx, "wave-1")
			require.NoError(t, err)
			assert.Equal(t, version, got)
			assert.Equal(t, "first", doc.Name)

			doc.Count = 2
			doc.Tags = []string{"north"}
			_, err = coll.Update(ctx, "wave-1", doc, got)
			require.NoError(t, err)

			items, err := coll.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, 2, items[0].Value.Count)
			assert.Equal(t, []string{"north"}, items[0].Value.Tags)
			assert.Equal(t, 2, items[0].Version)
		})
	}
}
