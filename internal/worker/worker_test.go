package worker

import (
	"context"
	"testing"
	"time"

	"loadmesh/internal/model"
	"loadmesh/internal/target"
	"loadmesh/pkg/config"
	redisstore "loadmesh/pkg/store/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerTestEnv struct {
	runs   *redisstore.RunRepository
	hearts *redisstore.HeartbeatRepository
	events *redisstore.EventLog
	steps  *redisstore.StepRepository
}

func newWorkerTestEnv(t *testing.T) *workerTestEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := redisstore.NewRedisClientFromExisting(client)
	return &workerTestEnv{
		runs:   redisstore.NewRunRepository(rc),
		hearts: redisstore.NewHeartbeatRepository(rc),
		events: redisstore.NewEventLog(rc),
		steps:  redisstore.NewStepRepository(rc),
	}
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		HeartbeatInterval: 1,
		HeartbeatTimeout:  10,
		StatusPollMs:      10,
		RendezvousTimeout: 1,
		ShutdownGraceSecs: 5,
	}
}

func (env *workerTestEnv) newWorker(workerID, runID string) *Worker {
	client := target.NewSimulatedClient(target.LatencyProfile{BaseLatency: time.Millisecond})
	return NewWorker(workerID, runID, testWorkerConfig(),
		env.runs, env.hearts, env.events, env.steps,
		client, target.NewSequenceValueProvider())
}

func setPhaseEvent(runID string, seq int64, phase model.RunPhase) *model.ControlEvent {
	ev := model.NewSetPhaseEvent(runID, phase)
	ev.Sequence = seq
	return ev
}

func TestWorker_PhaseNeverRegresses(t *testing.T) {
	env := newWorkerTestEnv(t)
	w := env.newWorker("w-1", "run-phase-1")

	w.applyEvent(setPhaseEvent("run-phase-1", 1, model.RunPhaseRunning), nil)
	require.Equal(t, model.RunPhaseRunning, w.currentPhase())

	// A later event carrying an earlier phase must not move the worker back.
	w.applyEvent(setPhaseEvent("run-phase-1", 2, model.RunPhaseWarmup), nil)
	assert.Equal(t, model.RunPhaseRunning, w.currentPhase())
	assert.Equal(t, int64(2), w.lastSeen())

	w.applyEvent(setPhaseEvent("run-phase-1", 3, model.RunPhaseProcessing), nil)
	assert.Equal(t, model.RunPhaseProcessing, w.currentPhase())
}

func TestWorker_MeasurementPhaseNormalizedToRunning(t *testing.T) {
	env := newWorkerTestEnv(t)
	w := env.newWorker("w-1", "run-phase-2")

	w.applyEvent(setPhaseEvent("run-phase-2", 1, model.RunPhaseMeasurement), nil)
	assert.Equal(t, model.RunPhaseRunning, w.currentPhase())
}

func TestWorker_StaleDeliveriesDoNotRewindCursor(t *testing.T) {
	env := newWorkerTestEnv(t)
	w := env.newWorker("w-1", "run-cursor-1")

	w.applyEvent(setPhaseEvent("run-cursor-1", 2, model.RunPhaseRunning), nil)
	require.Equal(t, int64(2), w.lastSeen())

	// Redelivery of an already-consumed sequence leaves cursor and phase alone.
	w.applyEvent(setPhaseEvent("run-cursor-1", 1, model.RunPhaseWarmup), nil)
	assert.Equal(t, int64(2), w.lastSeen())
	assert.Equal(t, model.RunPhaseRunning, w.currentPhase())
}

func TestWorker_RegistersThenTimesOutWaitingForStart(t *testing.T) {
	env := newWorkerTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.runs.Create(ctx, "run-rdv-1", &model.FindMaxConfig{}))

	w := env.newWorker("w-1", "run-rdv-1")
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	// READY heartbeat appears before the run ever starts.
	require.Eventually(t, func() bool {
		hb, err := env.hearts.Get(ctx, "run-rdv-1", "w-1")
		return err == nil && hb.Status == model.WorkerStatusReady
	}, 500*time.Millisecond, 10*time.Millisecond, "worker should register READY while waiting")

	// The run is never started, so the worker gives up after its timeout.
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rendezvous timeout")
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not abort after the rendezvous timeout")
	}

	hb, err := env.hearts.Get(ctx, "run-rdv-1", "w-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerStatusStopped, hb.Status)
	assert.Contains(t, hb.Message, "rendezvous timeout")
}

func TestWorker_AbortsWhenRunIsAlreadyTerminal(t *testing.T) {
	env := newWorkerTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.runs.Create(ctx, "run-rdv-2", &model.FindMaxConfig{}))
	require.NoError(t, env.runs.UpdateStatus(ctx, "run-rdv-2",
		model.RunStatusPrepared, model.RunStatusCancelled, nil))

	w := env.newWorker("w-1", "run-rdv-2")
	err := w.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal status CANCELLED")

	hb, err := env.hearts.Get(ctx, "run-rdv-2", "w-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerStatusStopped, hb.Status)
}

func TestWorker_RunsSearchToCompletion(t *testing.T) {
	env := newWorkerTestEnv(t)
	ctx := context.Background()

	cfg := &model.FindMaxConfig{
		WorkerCount:         1,
		StartConcurrency:    2,
		MaxConcurrency:      2,
		StepDurationSeconds: 1,
		MaxErrorRatePct:     5,
		LatencyStabilityPct: 50,
	}
	require.NoError(t, env.runs.Create(ctx, "run-full-1", cfg))

	now := time.Now()
	require.NoError(t, env.runs.UpdateStatus(ctx, "run-full-1",
		model.RunStatusPrepared, model.RunStatusStarting,
		&redisstore.StatusUpdate{Phase: model.RunPhaseWarmup}))
	require.NoError(t, env.runs.UpdateStatus(ctx, "run-full-1",
		model.RunStatusStarting, model.RunStatusRunning,
		&redisstore.StatusUpdate{Phase: model.RunPhaseRunning, StartTime: &now}))

	w := env.newWorker("w-1", "run-full-1")
	require.NoError(t, w.Run(ctx))

	result, err := env.steps.GetWorkerResult(ctx, "run-full-1", "w-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.FinalBestConcurrency)
	assert.Equal(t, StopReasonMaxWorkers, result.StopReason)
	assert.Greater(t, result.FinalBestQPS, 0.0)

	steps, err := env.steps.GetSteps(ctx, "run-full-1", "w-1")
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, 2, steps[0].Concurrency)

	hb, err := env.hearts.Get(ctx, "run-full-1", "w-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerStatusStopped, hb.Status)
	assert.Equal(t, StopReasonMaxWorkers, hb.Message)
}
