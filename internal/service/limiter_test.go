package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubebroker/internal/adapters/memquota"
	"tubebroker/internal/service"
)

func TestDayBucket(t *testing.T) {
	t.Parallel()

	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "2025-05-20", service.DayBucket(time.Date(2025, 5, 20, 23, 59, 59, 0, time.UTC)))
	assert.Equal(t, "2025-05-21", service.DayBucket(time.Date(2025, 5, 20, 19, 30, 0, 0, est)))
}

func TestLimiter_DailyQuota(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	clock.Set(time.Date(2025, 5, 20, 23, 59, 0, 0, time.UTC))
	store := memquota.NewStore()
	limiter := service.NewLimiter(store, 10, clock.Now)
	ctx := context.Background()

	for i := range 10 {
		ok, err := limiter.Admit(ctx, ipA)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be admitted", i+1)
	}
	ok, err := limiter.Admit(ctx, ipA)
	require.NoError(t, err)
	assert.False(t, ok, "11th request of the day is refused")
	assert.Equal(t, 10, store.Count(ipA, "2025-05-20"), "refusals do not increment")

	ok, err = limiter.Admit(ctx, ipB)
	require.NoError(t, err)
	assert.True(t, ok, "quota is per IP")

	clock.Set(time.Date(2025, 5, 21, 0, 0, 0, 0, time.UTC))
	ok, err = limiter.Admit(ctx, ipA)
	require.NoError(t, err)
	assert.True(t, ok, "quota resets at UTC midnight")
	assert.Equal(t, 1, store.Count(ipA, "2025-05-21"))
}

func TestLimiter_ConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	t.Parallel()

	limiter := service.NewLimiter(memquota.NewStore(), 10, nil)

	var (
		admitted atomic.Int32
		wg       sync.WaitGroup
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := limiter.Admit(context.Background(), ipA); err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), admitted.Load())
}

func TestLimiter_PruneDropsOldDays(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memquota.NewStore()
	limiter := service.NewLimiter(store, 0, clock.Now)
	ctx := context.Background()

	_, err := limiter.Admit(ctx, ipA)
	require.NoError(t, err)
	day := service.DayBucket(clock.Now())

	require.NoError(t, limiter.Prune(ctx))
	assert.Equal(t, 1, store.Count(ipA, day))

	clock.Advance(24 * time.Hour)
	require.NoError(t, limiter.Prune(ctx))
	assert.Zero(t, store.Count(ipA, day))
}
