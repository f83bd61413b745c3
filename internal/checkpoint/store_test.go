package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func TestStoreCompareAndAdvance(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, found, err := store.Read(ctx, "sub-1")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.Advance(ctx, "sub-1", "", "100"))
			assert.ErrorIs(t, store.Advance(ctx, "sub-1", "", "90"), ErrConflictStale, "seed only when absent")

			require.NoError(t, store.Advance(ctx, "sub-1", "100", "105"))
			assert.ErrorIs(t, store.Advance(ctx, "sub-1", "100", "110"), ErrConflictStale)

			cursor, found, err := store.Read(ctx, "sub-1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "105", cursor)

			require.NoError(t, store.Delete(ctx, "sub-1"))
			_, found, err = store.Read(ctx, "sub-1")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStoreConcurrentAdvanceHasSingleWinner(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Advance(ctx, "sub-2", "", "100"))

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if store.Advance(ctx, "sub-2", "100", "105") == nil {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins)
		})
	}
}
