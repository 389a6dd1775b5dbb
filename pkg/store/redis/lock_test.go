package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLockTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisClientFromExisting(client), mr
}

func TestRunLock_AcquireAndRelease(t *testing.T) {
	rc, _ := newLockTestClient(t)
	ctx := context.Background()

	lock := NewRunLock(rc, "run-1")

	acquired, err := lock.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, lock.IsHeld())

	err = lock.Unlock(ctx)
	assert.NoError(t, err)
	assert.False(t, lock.IsHeld())
}

func TestRunLock_SecondHolderBlockedUntilRelease(t *testing.T) {
	rc, _ := newLockTestClient(t)
	ctx := context.Background()

	lock1 := NewRunLock(rc, "run-2")
	lock2 := NewRunLock(rc, "run-2")

	acquired, err := lock1.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.False(t, acquired, "second orchestrator must not win the same run")

	assert.NoError(t, lock1.Unlock(ctx))

	acquired, err = lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)
	assert.NoError(t, lock2.Unlock(ctx))
}

func TestRunLock_IndependentRunsDoNotContend(t *testing.T) {
	rc, _ := newLockTestClient(t)
	ctx := context.Background()

	lock1 := NewRunLock(rc, "run-a")
	lock2 := NewRunLock(rc, "run-b")

	acquired, err := lock1.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)

	assert.NoError(t, lock1.Unlock(ctx))
	assert.NoError(t, lock2.Unlock(ctx))
}

func TestRunLock_ExpiresAfterTTL(t *testing.T) {
	rc, mr := newLockTestClient(t)
	ctx := context.Background()

	lock1 := NewRunLock(rc, "run-3")
	lock2 := NewRunLock(rc, "run-3")

	acquired, err := lock1.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)

	mr.FastForward(runLockTTL + time.Second)

	acquired, err = lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired, "lock should be available after TTL expiry")
	assert.NoError(t, lock2.Unlock(ctx))
}

func TestRunLock_UnlockDoesNotStealReacquiredLock(t *testing.T) {
	rc, mr := newLockTestClient(t)
	ctx := context.Background()

	lock1 := NewRunLock(rc, "run-4")
	lock2 := NewRunLock(rc, "run-4")

	acquired, err := lock1.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)

	mr.FastForward(runLockTTL + time.Second)

	acquired, err = lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)

	// Stale holder releases; the new holder's lock must survive.
	assert.NoError(t, lock1.Unlock(ctx))

	held, err := rc.GetClient().Exists(ctx, "run:run-4:lock").Result()
	assert.NoError(t, err)
	assert.Equal(t, int64(1), held)

	assert.NoError(t, lock2.Unlock(ctx))
}

func TestRunLock_RenewalOutlivesAcquisitionContext(t *testing.T) {
	rc, mr := newLockTestClient(t)

	lock := NewRunLock(rc, "run-5")
	lock.renewEvery = 10 * time.Millisecond

	reqCtx, cancel := context.WithCancel(context.Background())
	acquired, err := lock.TryLock(reqCtx)
	require.NoError(t, err)
	require.True(t, acquired)

	// The request that started the run is long gone; the lock must still
	// be renewed for as long as the coordination goroutine holds it.
	cancel()
	mr.FastForward(runLockTTL - time.Second)

	require.Eventually(t, func() bool {
		return mr.TTL("run:run-5:lock") > runLockTTL/2
	}, time.Second, 10*time.Millisecond, "renewal should reset the TTL after the acquiring context is cancelled")
	assert.True(t, lock.IsHeld())

	require.NoError(t, lock.Unlock(context.Background()))
	assert.False(t, mr.Exists("run:run-5:lock"))
}
