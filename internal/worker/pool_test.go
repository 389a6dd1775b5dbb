package worker

import (
	"context"
	"testing"
	"time"

	"loadmesh/internal/target"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTaskPool(cfg TaskPoolConfig) (*TaskPool, *StepWindow) {
	window := NewStepWindow()
	conns := target.NewPool(64, func() target.Client {
		return target.NewSimulatedClient(target.LatencyProfile{BaseLatency: time.Millisecond})
	})
	pool := NewTaskPool("w-1", cfg, conns, target.NewSequenceValueProvider(), window)
	return pool, window
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestTaskPool_ScaleUpAndDown(t *testing.T) {
	pool, _ := newTestTaskPool(TaskPoolConfig{ThinkTime: time.Millisecond})
	defer pool.StopAll()
	ctx := context.Background()

	pool.ScaleTo(ctx, 4)
	eventually(t, func() bool { return pool.Running() == 4 }, "scale up to 4")

	pool.ScaleTo(ctx, 1)
	eventually(t, func() bool { return pool.Running() == 1 }, "scale down to 1")

	pool.ScaleTo(ctx, 3)
	eventually(t, func() bool { return pool.Running() == 3 }, "scale back up to 3")
}

func TestTaskPool_RecordsOperations(t *testing.T) {
	pool, window := newTestTaskPool(TaskPoolConfig{})
	defer pool.StopAll()

	pool.ScaleTo(context.Background(), 2)
	eventually(t, func() bool {
		return window.Snapshot(time.Second).Operations > 10
	}, "tasks record samples into the window")

	m := window.Snapshot(time.Second)
	assert.Contains(t, m.PerKind, string(target.OpRead))
	assert.Contains(t, m.PerKind, string(target.OpWrite))
}

func TestTaskPool_OpBudgetDrainsTasks(t *testing.T) {
	pool, window := newTestTaskPool(TaskPoolConfig{OpBudget: 3})
	defer pool.StopAll()

	pool.ScaleTo(context.Background(), 2)
	eventually(t, func() bool { return pool.Running() == 0 }, "budgeted tasks finish on their own")

	m := window.Snapshot(time.Second)
	assert.Equal(t, int64(6), m.Operations)
}

func TestTaskPool_StopAllWaitsForTasks(t *testing.T) {
	pool, _ := newTestTaskPool(TaskPoolConfig{ThinkTime: time.Millisecond})
	pool.ScaleTo(context.Background(), 5)
	eventually(t, func() bool { return pool.Running() == 5 }, "scale up to 5")

	pool.StopAll()
	assert.Zero(t, pool.Running())
}

func TestTaskPool_QPSCap(t *testing.T) {
	pool, window := newTestTaskPool(TaskPoolConfig{QPSCap: 50})
	defer pool.StopAll()

	pool.ScaleTo(context.Background(), 8)
	time.Sleep(200 * time.Millisecond)

	// 50 qps over 200ms allows ~10 operations plus one burst token.
	m := window.Snapshot(200 * time.Millisecond)
	assert.LessOrEqual(t, m.Operations, int64(20), "cap must hold regardless of task count")
}
