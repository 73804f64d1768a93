package lock

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

	apperrors "github.com/deposit-settlement/internal/errors"
)

func setupRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker, err := NewRedisLocker(&RedisLockerConfig{Client: client})
	require.NoError(t, err)
	return locker, mr
}

func TestNewRedisLocker(t *testing.T) {
	_, err := NewRedisLocker(nil)
	assert.Error(t, err)
	_, err = NewRedisLocker(&RedisLockerConfig{})
	assert.Error(t, err)
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	locker, mr := setupRedisLocker(t)
	ctx := context.Background()

	t.Run("second acquire fails while held", func(t *testing.T) {
		token, ok, err := locker.TryAcquire(ctx, "deposit:0xabc", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEmpty(t, token)
		assert.True(t, mr.Exists("lock:deposit:0xabc"))

		_, ok, err = locker.TryAcquire(ctx, "deposit:0xabc", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		released, err := locker.Release(ctx, "deposit:0xabc", token)
		require.NoError(t, err)
		assert.True(t, released)
		assert.False(t, mr.Exists("lock:deposit:0xabc"))
	})

	t.Run("release with a foreign token keeps the lock", func(t *testing.T) {
		token, ok, err := locker.TryAcquire(ctx, "user-deposit:7", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		released, err := locker.Release(ctx, "user-deposit:7", "someone-else")
		require.NoError(t, err)
		assert.False(t, released)
		assert.True(t, mr.Exists("lock:user-deposit:7"))

		released, err = locker.Release(ctx, "user-deposit:7", token)
		require.NoError(t, err)
		assert.True(t, released)
	})

	t.Run("lock expires after ttl", func(t *testing.T) {
		token, ok, err := locker.TryAcquire(ctx, "deposit:0xdead", 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(3 * time.Second)

		_, ok, err = locker.TryAcquire(ctx, "deposit:0xdead", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "expired lock can be taken by a new owner")

		released, err := locker.Release(ctx, "deposit:0xdead", token)
		require.NoError(t, err)
		assert.False(t, released, "stale owner must not delete the new owner's lock")
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		_, _, err := locker.TryAcquire(ctx, "x", 0)
		assert.Error(t, err)
	})
}

func TestAcquireWait(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	t.Run("times out with lock-not-acquired", func(t *testing.T) {
		_, ok, err := locker.TryAcquire(ctx, "deposit:0x1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		start := time.Now()
		h, err := AcquireWait(ctx, locker, "deposit:0x1", time.Minute, 60*time.Millisecond)
		assert.Nil(t, h)
		assert.ErrorIs(t, err, apperrors.ErrLockNotAcquired)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("acquires once the holder releases", func(t *testing.T) {
		token, ok, err := locker.TryAcquire(ctx, "deposit:0x2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = locker.Release(ctx, "deposit:0x2", token)
		}()

		h, err := AcquireWait(ctx, locker, "deposit:0x2", time.Minute, time.Second)
		require.NoError(t, err)
		assert.True(t, locker.Held("deposit:0x2"))

		released, err := h.Release()
		require.NoError(t, err)
		assert.True(t, released)
		assert.False(t, locker.Held("deposit:0x2"))
	})

	t.Run("parent cancellation is returned as is", func(t *testing.T) {
		_, _, _ = locker.TryAcquire(ctx, "deposit:0x3", time.Minute)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := AcquireWait(cctx, locker, "deposit:0x3", time.Minute, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	locker, _ := setupRedisLocker(t)
	ctx := context.Background()

	var holders, maxHolders int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := AcquireWait(ctx, locker, "deposit:0xshared", time.Minute, 2*time.Second)
			if err != nil {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			_, _ = h.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxHolders)
}

func TestScopeOf(t *testing.T) {
	assert.Equal(t, "deposit", scopeOf("deposit:0xabc"))
	assert.Equal(t, "incoming_transfer_monitoring", scopeOf("incoming_transfer_monitoring"))
}
