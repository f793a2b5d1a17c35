package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/labqms/model"
)

var created = Response{Status: 201, ContentType: "application/json", Body: []byte(`{"identifier":"QSF-2025-001"}`)}

type storeCase struct {
	name  string
	store Store
	// expire makes every stored entry older than ttl.
	expire func(ttl time.Duration)
}

func stores(t *testing.T) []storeCase {
	t.Helper()

	mem := NewMemoryStore()
	var offset time.Duration
	var mu sync.Mutex
	base := time.Now()
	mem.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return base.Add(offset)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return []storeCase{
		{"memory", mem, func(ttl time.Duration) {
			mu.Lock()
			offset += ttl + time.Second
			mu.Unlock()
		}},
		{"redis", NewRedisStore(client, ""), func(ttl time.Duration) {
			mr.FastForward(ttl + time.Second)
		}},
	}
}

func TestStore_claimCompleteReplay(t *testing.T) {
	for _, sc := range stores(t) {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()

			resp, err := sc.store.Begin(ctx, "k1", "h1", time.Minute)
			require.NoError(t, err)
			require.Nil(t, resp, "first Begin must claim")

			require.NoError(t, sc.store.Complete(ctx, "k1", "h1", created, time.Minute))

			resp, err = sc.store.Begin(ctx, "k1", "h1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, resp)
			require.Equal(t, created, *resp)
		})
	}
}

func TestStore_conflicts(t *testing.T) {
	for _, sc := range stores(t) {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := sc.store.Begin(ctx, "k1", "h1", time.Minute)
			require.NoError(t, err)

			_, err = sc.store.Begin(ctx, "k1", "h1", time.Minute)
			require.True(t, model.IsCode(err, model.ErrConflict), "in-flight: got %v", err)

			require.NoError(t, sc.store.Complete(ctx, "k1", "h1", created, time.Minute))
			_, err = sc.store.Begin(ctx, "k1", "other-body", time.Minute)
			require.True(t, model.IsCode(err, model.ErrConflict), "different body: got %v", err)
		})
	}
}

func TestStore_abortReleasesKey(t *testing.T) {
	for _, sc := range stores(t) {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := sc.store.Begin(ctx, "k1", "h1", time.Minute)
			require.NoError(t, err)
			require.NoError(t, sc.store.Abort(ctx, "k1"))

			resp, err := sc.store.Begin(ctx, "k1", "h2", time.Minute)
			require.NoError(t, err)
			require.Nil(t, resp)
		})
	}
}

func TestStore_expiry(t *testing.T) {
	for _, sc := range stores(t) {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := sc.store.Begin(ctx, "k1", "h1", time.Minute)
			require.NoError(t, err)
			require.NoError(t, sc.store.Complete(ctx, "k1", "h1", created, time.Minute))

			sc.expire(time.Minute)

			resp, err := sc.store.Begin(ctx, "k1", "h2", time.Minute)
			require.NoError(t, err)
			require.Nil(t, resp, "expired key must be claimable")
		})
	}
}

// Exactly one of many concurrent requests with one key may execute.
func TestStore_concurrentBegin(t *testing.T) {
	for _, sc := range stores(t) {
		t.Run(sc.name, func(t *testing.T) {
			var owners, conflicts atomic.Int32
			var g errgroup.Group
			for i := 0; i < 30; i++ {
				g.Go(func() error {
					resp, err := sc.store.Begin(context.Background(), "race", "h", time.Minute)
					switch {
					case model.IsCode(err, model.ErrConflict):
						conflicts.Add(1)
					case err != nil:
						return err
					case resp == nil:
						owners.Add(1)
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			require.Equal(t, int32(1), owners.Load())
			require.Equal(t, int32(29), conflicts.Load())
		})
	}
}

func TestRedisStore_keyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client, "qms-idem")

	_, err := store.Begin(context.Background(), "k", "h", time.Minute)
	require.NoError(t, err)
	require.True(t, mr.Exists("qms-idem:k"))
	require.NoError(t, store.HealthCheck(context.Background()))
}

func TestFormatKey(t *testing.T) {
	require.Equal(t, "user-1:POST:/api/documents:abc", FormatKey("user-1", "POST", "/api/documents", "abc"))
}
