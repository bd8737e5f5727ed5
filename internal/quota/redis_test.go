package quota

import (
	"context"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scripts run against an in-process miniredis unless REDIS_ADDR points at a real server.
func newRedisTracker(t *testing.T, limits Limits, clock *fakeClock) *RedisTracker {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		mr := miniredis.RunT(t)
		mr.SetTime(clock.Now())
		addr = mr.Addr()
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err(), "redis at %s", addr)

	tr, err := NewRedisTracker(rdb, limits,
		WithKeyPrefix("test:"+uuid.NewString()+":"),
		WithRedisClock(clock.Now),
	)
	require.NoError(t, err)
	require.NoError(t, tr.Load(ctx))
	return tr
}

// Windows must expire in the server's future, so start from the real time
func newRedisClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Millisecond)}
}

func TestRedisTracker_Ceilings(t *testing.T) {
	ctx := context.Background()
	clock := newRedisClock()
	tr := newRedisTracker(t, Limits{MaxCustomEvents: 3, MaxBytes: 1000, Window: time.Minute, Mode: ModeRolling}, clock)

	for i := 0; i < 3; i++ {
		d, err := tr.CheckAndRecord(ctx, "dep-1", custom(100))
		require.NoError(t, err)
		require.True(t, d.Admitted)
	}

	d, err := tr.CheckAndRecord(ctx, "dep-1", custom(1))
	require.NoError(t, err)
	assert.Equal(t, ReasonEventCountExceeded, d.Reason)
	assert.Equal(t, int64(3), d.Usage.CustomEvents)

	d, err = tr.CheckAndRecord(ctx, "dep-1", system(701))
	require.NoError(t, err)
	assert.Equal(t, ReasonByteVolumeExceeded, d.Reason)

	d, err = tr.CheckAndRecord(ctx, "dep-1", system(700))
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, int64(1000), d.Usage.Bytes)
}

func TestRedisTracker_RolloverRefundReset(t *testing.T) {
	ctx := context.Background()
	clock := newRedisClock()
	tr := newRedisTracker(t, Limits{MaxCustomEvents: 1, MaxBytes: 1000, Window: time.Minute, Mode: ModeRolling}, clock)

	d, err := tr.CheckAndRecord(ctx, "dep-1", custom(10))
	require.NoError(t, err)
	require.True(t, d.Admitted)
	assert.Equal(t, clock.Now().UnixMilli(), d.Usage.WindowStart.UnixMilli())

	require.NoError(t, tr.Refund(ctx, "dep-1", custom(10), d.Usage.WindowStart))
	usage, err := tr.Usage(ctx, "dep-1")
	require.NoError(t, err)
	assert.Zero(t, usage.CustomEvents)

	d, err = tr.CheckAndRecord(ctx, "dep-1", custom(10))
	require.NoError(t, err)
	require.True(t, d.Admitted)

	clock.Advance(time.Minute)
	d, err = tr.CheckAndRecord(ctx, "dep-1", custom(10))
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	require.NoError(t, tr.Reset(ctx, "dep-1"))
	usage, err = tr.Usage(ctx, "dep-1")
	require.NoError(t, err)
	assert.Zero(t, usage.CustomEvents)
	assert.Zero(t, usage.Bytes)
}

func TestRedisTracker_ConcurrentLastSlot(t *testing.T) {
	ctx := context.Background()
	clock := newRedisClock()
	tr := newRedisTracker(t, Limits{MaxCustomEvents: 100, MaxBytes: 1 << 20, Window: time.Minute, Mode: ModeRolling}, clock)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				d, err := tr.CheckAndRecord(ctx, "dep-1", custom(1))
				if err != nil {
					t.Error(err)
					return
				}
				if d.Admitted {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(100), admitted.Load())
}

func TestRedisTracker_HugeCostRejected(t *testing.T) {
	ctx := context.Background()
	clock := newRedisClock()
	tr := newRedisTracker(t, DefaultLimits(), clock)

	d, err := tr.CheckAndRecord(ctx, "dep-1", custom(1))
	require.NoError(t, err)
	require.True(t, d.Admitted)

	d, err = tr.CheckAndRecord(ctx, "dep-1", custom(math.MaxInt64))
	require.NoError(t, err)
	assert.Equal(t, ReasonByteVolumeExceeded, d.Reason)

	d, err = tr.CheckAndRecord(ctx, "dep-1", system(40_000_000))
	require.NoError(t, err)
	assert.Equal(t, ReasonByteVolumeExceeded, d.Reason)

	usage, err := tr.Usage(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Bytes)
}
