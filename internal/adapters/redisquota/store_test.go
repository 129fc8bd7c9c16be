package redisquota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubebroker/internal/adapters/redisquota"
)

func newStore(t *testing.T) (*redisquota.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisquota.NewClient(redisquota.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return redisquota.NewStore(client), mr
}

func TestNewClient_RequiresAddress(t *testing.T) {
	t.Parallel()
	_, err := redisquota.NewClient(redisquota.Config{})
	require.ErrorIs(t, err, redisquota.ErrEmptyAddress)
}

func TestStore_AdmitUpToLimit(t *testing.T) {
	t.Parallel()
	store, mr := newStore(t)
	ctx := context.Background()

	for range 3 {
		ok, err := store.Admit(ctx, "10.0.0.1", "2025-05-20", 3)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := store.Admit(ctx, "10.0.0.1", "2025-05-20", 3)
	require.NoError(t, err)
	assert.False(t, ok)

	key := "tubebroker:quota:2025-05-20:10.0.0.1"
	n, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "3", n, "refusals do not increment")

	ok, err = store.Admit(ctx, "10.0.0.1", "2025-05-21", 3)
	require.NoError(t, err)
	assert.True(t, ok, "a new day starts from zero")

	assert.True(t, mr.Exists(key))
	assert.Equal(t, 48*time.Hour, mr.TTL(key))

	mr.FastForward(49 * time.Hour)
	assert.False(t, mr.Exists(key), "counters expire without pruning")
	require.NoError(t, store.Prune(ctx, "2025-05-22"))
}

func TestStore_ConcurrentAdmits(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	var (
		admitted atomic.Int32
		wg       sync.WaitGroup
	)
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := store.Admit(context.Background(), "10.0.0.2", "2025-05-20", 10); err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), admitted.Load())
}

func TestStore_ErrorsWhenRedisIsDown(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := redisquota.NewStore(client)
	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	_, err := store.Admit(context.Background(), "10.0.0.3", "2025-05-20", 10)
	require.Error(t, err)
	require.Error(t, store.Ping(context.Background()))
}
