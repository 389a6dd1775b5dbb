package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loadmesh/pkg/logger"

	"github.com/google/uuid"
)

const (
	runLockTTL           = 30 * time.Second
	runLockAcquireWindow = 5 * time.Second
	runLockRenewInterval = 10 * time.Second
)

// RunLock is a per-run coordination lock. Exactly one orchestrator instance
// may drive a run's supervision loop at a time; the lock value is unique per
// holder so a crashed instance's expired lock cannot be released by mistake.
type RunLock struct {
	client     *RedisClient
	key        string
	value      string
	ttl        time.Duration
	renewEvery time.Duration

	mu          sync.Mutex
	held        bool
	stopRenew   chan struct{}
	renewCeased bool
}

// NewRunLock creates the coordination lock for one run.
func NewRunLock(client *RedisClient, runID string) *RunLock {
	return &RunLock{
		client:     client,
		key:        fmt.Sprintf("run:%s:lock", runID),
		value:      uuid.NewString(),
		ttl:        runLockTTL,
		renewEvery: runLockRenewInterval,
	}
}

// TryLock attempts to acquire the lock without blocking on contention. On
// success a background goroutine keeps renewing the TTL until Unlock. The
// ctx bounds only the acquisition: the lock outlives the request that took
// it and is held for the whole coordination loop, so renewal deliberately
// does not stop when ctx does.
func (l *RunLock) TryLock(ctx context.Context) (bool, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, runLockAcquireWindow)
	defer cancel()

	acquired, err := l.client.GetClient().SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	l.mu.Lock()
	l.held = true
	// Fresh channel per acquisition so the lock supports lock/unlock cycles.
	l.stopRenew = make(chan struct{})
	l.renewCeased = false
	l.mu.Unlock()

	go l.renewLoop()
	return true, nil
}

// Unlock releases the lock. Only the holder's own value is deleted, so an
// expired-and-reacquired lock is left untouched.
func (l *RunLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	if !l.renewCeased {
		l.renewCeased = true
		close(l.stopRenew)
	}
	l.held = false
	l.mu.Unlock()

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if err := l.client.GetClient().Eval(ctx, script, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this instance still believes it holds the lock.
func (l *RunLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// renewLoop extends the TTL until Unlock closes stopRenew. A failed renewal
// marks the lock as lost and exits; from then on another instance's TryLock
// on the same run succeeds.
func (l *RunLock) renewLoop() {
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	for {
		select {
		case <-l.stopRenew:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), runLockAcquireWindow)
			result, err := l.client.GetClient().Eval(ctx, script,
				[]string{l.key}, l.value, int(l.ttl.Seconds())).Result()
			cancel()
			if err != nil || result.(int64) == 0 {
				logger.WarnCtx(ctx, "run lock renewal failed, lock lost: key=%s err=%v", l.key, err)
				l.mu.Lock()
				l.held = false
				l.mu.Unlock()
				return
			}
		}
	}
}
