package sequence

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/labqms/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCounterStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisCounterStore(client, "")
}

func TestRedisCounterStore_incrementAndCurrent(t *testing.T) {
	mr, store := newTestRedis(t)
	ctx := context.Background()

	cur, err := store.Current(ctx, "CAL", 2025)
	require.NoError(t, err)
	require.Equal(t, int64(0), cur)

	for want := int64(1); want <= 3; want++ {
		v, err := store.Increment(ctx, "CAL", 2025)
		require.NoError(t, err)
		require.Equal(t, want, v)
	}

	cur, err = store.Current(ctx, "CAL", 2025)
	require.NoError(t, err)
	require.Equal(t, int64(3), cur)

	got, err := mr.Get("seq:CAL:2025")
	require.NoError(t, err)
	require.Equal(t, "3", got)
}

func TestRedisCounterStore_concurrentIncrements(t *testing.T) {
	_, store := newTestRedis(t)
	g := newTestGenerator(t, store)

	const n = 100
	seen := make(map[int64]bool, n)
	var mu sync.Mutex
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			v, err := g.Next(context.Background(), "SMP", 2025)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[v] {
				t.Errorf("value %d issued twice", v)
			}
			seen[v] = true
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "missing value %d", i)
	}
}

func TestRedisCounterStore_serverDownIsSequenceUnavailable(t *testing.T) {
	mr, store := newTestRedis(t)
	g := newTestGenerator(t, store)
	mr.Close()

	_, err := g.Next(context.Background(), "QSF", 2025)
	require.True(t, model.IsCode(err, model.ErrSequenceUnavailable), "got %v", err)
	require.Error(t, store.HealthCheck(context.Background()))
}

func TestRedisCounterStore_corruptValue(t *testing.T) {
	mr, store := newTestRedis(t)
	require.NoError(t, mr.Set("seq:QSF:2025", "not-a-number"))

	_, err := store.Increment(context.Background(), "QSF", 2025)
	require.Error(t, err)
	_, err = store.Current(context.Background(), "QSF", 2025)
	require.Error(t, err)
}
