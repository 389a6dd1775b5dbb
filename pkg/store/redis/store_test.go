package redis

import (
	"context"
	"testing"
	"time"

	"loadmesh/internal/model"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &RedisClient{client: client}, mr
}

func TestRunRepository_CreateAndGet(t *testing.T) {
	rc, _ := newTestClient(t)
	repo := NewRunRepository(rc)
	ctx := context.Background()

	cfg := &model.FindMaxConfig{WorkerCount: 3}
	cfg.Defaults()
	require.NoError(t, repo.Create(ctx, "run-1", cfg))

	rs, err := repo.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", rs.RunID)
	assert.Equal(t, model.RunStatusPrepared, rs.Status)
	assert.Equal(t, model.RunPhasePreparing, rs.Phase)
	assert.Nil(t, rs.StartTime)

	got, err := repo.GetConfig(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.WorkerCount)
	assert.Equal(t, cfg.StartConcurrency, got.StartConcurrency)
}

func TestRunRepository_GetMissing(t *testing.T) {
	rc, _ := newTestClient(t)
	repo := NewRunRepository(rc)

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunRepository_ConditionalWrite(t *testing.T) {
	rc, _ := newTestClient(t)
	repo := NewRunRepository(rc)
	ctx := context.Background()

	cfg := &model.FindMaxConfig{}
	cfg.Defaults()
	require.NoError(t, repo.Create(ctx, "run-cas", cfg))

	// Expected status matches: write applies.
	err := repo.UpdateStatus(ctx, "run-cas", model.RunStatusPrepared, model.RunStatusStarting, nil)
	require.NoError(t, err)

	// Re-running the same transition must fail the predicate.
	err = repo.UpdateStatus(ctx, "run-cas", model.RunStatusPrepared, model.RunStatusStarting, nil)
	assert.ErrorIs(t, err, ErrCASConflict)

	// STARTING -> RUNNING with start time and phase in one conditional write.
	now := time.Now()
	err = repo.UpdateStatus(ctx, "run-cas", model.RunStatusStarting, model.RunStatusRunning, &StatusUpdate{
		Phase:     model.RunPhaseWarmup,
		StartTime: &now,
	})
	require.NoError(t, err)

	rs, err := repo.Get(ctx, "run-cas")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, rs.Status)
	assert.Equal(t, model.RunPhaseWarmup, rs.Phase)
	require.NotNil(t, rs.StartTime)
	assert.WithinDuration(t, now, *rs.StartTime, time.Second)
}

func TestEventLog_SequencesAreDense(t *testing.T) {
	rc, _ := newTestClient(t)
	log := NewEventLog(rc)
	ctx := context.Background()

	seq1, err := log.Append(ctx, model.NewSetPhaseEvent("run-ev", model.RunPhaseWarmup))
	require.NoError(t, err)
	seq2, err := log.Append(ctx, model.NewScaleToEvent("run-ev", 20))
	require.NoError(t, err)
	seq3, err := log.Append(ctx, model.NewStopEvent("run-ev", "test"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)
	assert.Equal(t, int64(3), seq3)

	events, err := log.ReadFrom(ctx, "run-ev", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventSetPhase, events[0].Type)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)

	scale, err := events[1].ScaleTo()
	require.NoError(t, err)
	assert.Equal(t, 20, scale.Concurrency)
}

func TestEventLog_CursorRead(t *testing.T) {
	rc, _ := newTestClient(t)
	log := NewEventLog(rc)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, model.NewScaleToEvent("run-cur", 10+i))
		require.NoError(t, err)
	}

	// Cursor at 3: only events 4 and 5 come back.
	events, err := log.ReadFrom(ctx, "run-cur", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(5), events[1].Sequence)

	// Cursor past the end: nothing.
	events, err = log.ReadFrom(ctx, "run-cur", 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHeartbeatRepository_UpsertAndGetAll(t *testing.T) {
	rc, _ := newTestClient(t)
	repo := NewHeartbeatRepository(rc)
	ctx := context.Background()

	for _, id := range []string{"w-1", "w-2", "w-3"} {
		hb := &model.WorkerHeartbeat{
			RunID:    "run-hb",
			WorkerID: id,
			Status:   model.WorkerStatusReady,
			Phase:    model.RunPhasePreparing,
		}
		require.NoError(t, repo.Upsert(ctx, hb))
	}

	all, err := repo.GetAll(ctx, "run-hb")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ready, err := repo.CountByStatus(ctx, "run-hb", model.WorkerStatusReady)
	require.NoError(t, err)
	assert.Equal(t, 3, ready)

	// A second upsert bumps the counter.
	require.NoError(t, repo.Upsert(ctx, &model.WorkerHeartbeat{
		RunID: "run-hb", WorkerID: "w-1", Status: model.WorkerStatusRunning,
	}))
	hb, err := repo.Get(ctx, "run-hb", "w-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerStatusRunning, hb.Status)
	assert.Equal(t, int64(2), hb.HeartbeatCount)
}

func TestHeartbeatRepository_RowsExpire(t *testing.T) {
	rc, mr := newTestClient(t)
	repo := NewHeartbeatRepository(rc)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &model.WorkerHeartbeat{
		RunID: "run-ttl", WorkerID: "w-1", Status: model.WorkerStatusReady,
	}))

	mr.FastForward(heartbeatDataTTL + time.Second)

	all, err := repo.GetAll(ctx, "run-ttl")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStepRepository_Roundtrip(t *testing.T) {
	rc, _ := newTestClient(t)
	repo := NewStepRepository(rc)
	ctx := context.Background()

	step := &model.StepRecord{
		StepIndex:    0,
		Concurrency:  5,
		QPS:          120.5,
		P95LatencyMs: 18.2,
		P99LatencyMs: 25.0,
		Stable:       true,
	}
	require.NoError(t, repo.AppendStep(ctx, "run-st", "w-1", step))
	require.NoError(t, repo.AppendStep(ctx, "run-st", "w-1", &model.StepRecord{
		StepIndex: 1, Concurrency: 15, Stable: false, StopReason: "p95 latency exceeded guardrail",
	}))

	steps, err := repo.GetSteps(ctx, "run-st", "w-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 5, steps[0].Concurrency)
	assert.True(t, steps[0].Stable)
	assert.False(t, steps[1].Stable)

	// Worker result and aggregate round-trip.
	require.NoError(t, repo.SaveWorkerResult(ctx, "run-st", &model.WorkerResult{
		WorkerID: "w-1", FinalBestConcurrency: 5, FinalBestQPS: 120.5, Steps: steps,
	}))
	wr, err := repo.GetWorkerResult(ctx, "run-st", "w-1")
	require.NoError(t, err)
	require.NotNil(t, wr)
	assert.Equal(t, 5, wr.FinalBestConcurrency)

	missing, err := repo.GetAggregate(ctx, "run-st")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.SaveAggregate(ctx, &model.AggregatedFindMaxResult{
		RunID: "run-st", TotalWorkers: 1, FinalBestConcurrency: 5, FinalBestQPS: 120.5, IsAggregate: true,
	}))
	agg, err := repo.GetAggregate(ctx, "run-st")
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.True(t, agg.IsAggregate)
}

func TestRunRepository_PhaseWriteIsRankGuarded(t *testing.T) {
	rc, _ := newTestClient(t)
	repo := NewRunRepository(rc)
	ctx := context.Background()

	cfg := &model.FindMaxConfig{}
	cfg.Defaults()
	require.NoError(t, repo.Create(ctx, "run-phase", cfg))

	require.NoError(t, repo.UpdatePhase(ctx, "run-phase", model.RunPhaseRunning))

	// A racing writer that validated against an older row must not be able
	// to move the phase backwards.
	err := repo.UpdatePhase(ctx, "run-phase", model.RunPhaseWarmup)
	assert.ErrorIs(t, err, ErrCASConflict)

	rs, err := repo.Get(ctx, "run-phase")
	require.NoError(t, err)
	assert.Equal(t, model.RunPhaseRunning, rs.Phase)

	// Forward and same-rank writes still apply.
	require.NoError(t, repo.UpdatePhase(ctx, "run-phase", model.RunPhaseRunning))
	require.NoError(t, repo.UpdatePhase(ctx, "run-phase", model.RunPhaseProcessing))

	// Unknown phases are rejected outright.
	err = repo.UpdatePhase(ctx, "run-phase", model.RunPhase("BOGUS"))
	assert.ErrorIs(t, err, ErrCASConflict)
}
