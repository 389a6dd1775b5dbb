package target

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(2, func() Client {
		return NewSimulatedClient(LatencyProfile{})
	})
	defer pool.Close()
	ctx := context.Background()

	c1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	c2, err := pool.Acquire(ctx)
	require.NoError(t, err)

	// Third acquire must block until a client is released.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(blocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Release(c1)
	c3, err := pool.Acquire(ctx)
	require.NoError(t, err)

	pool.Release(c2)
	pool.Release(c3)
}

func TestPool_CloseUnblocksWaiters(t *testing.T) {
	pool := NewPool(1, func() Client {
		return NewSimulatedClient(LatencyProfile{})
	})
	_, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		done <- err
	}()

	pool.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not unblocked by Close")
	}
}

func TestSequenceValueProvider_NoCollisions(t *testing.T) {
	provider := NewSequenceValueProvider()

	seen := make(map[string]bool)
	for _, worker := range []string{"w-1", "w-2"} {
		for i := 0; i < 100; i++ {
			v := provider.NextValue(worker)
			assert.False(t, seen[v], "duplicate value %s", v)
			seen[v] = true
			assert.True(t, strings.Contains(v, worker))
		}
	}
}

func TestSimulatedClient_ErrorRate(t *testing.T) {
	client := NewSimulatedClient(LatencyProfile{ErrorRate: 1.0})
	_, err := client.Execute(context.Background(), OpRead, "k1")
	assert.ErrorIs(t, err, ErrSimulatedFailure)

	client.SetProfile(OpRead, LatencyProfile{ErrorRate: 0})
	_, err = client.Execute(context.Background(), OpRead, "k1")
	assert.NoError(t, err)
}

func TestSimulatedClient_Latency(t *testing.T) {
	client := NewSimulatedClient(LatencyProfile{BaseLatency: 20 * time.Millisecond})

	start := time.Now()
	latency, err := client.Execute(context.Background(), OpWrite, "k2")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency, 20*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
