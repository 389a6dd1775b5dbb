package jobs

import (
	"context"
	"testing"
	"time"

	"loadmesh/internal/model"
	redisstore "loadmesh/pkg/store/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retentionFixture struct {
	job    *RunStateRetention
	runs   *redisstore.RunRepository
	hearts *redisstore.HeartbeatRepository
	events *redisstore.EventLog
	steps  *redisstore.StepRepository
	client *goredis.Client
}

func newRetentionFixture(t *testing.T) *retentionFixture {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rc := redisstore.NewRedisClientFromExisting(client)
	runs := redisstore.NewRunRepository(rc)
	hearts := redisstore.NewHeartbeatRepository(rc)
	events := redisstore.NewEventLog(rc)
	steps := redisstore.NewStepRepository(rc)

	return &retentionFixture{
		job:    NewRunStateRetention(runs, hearts, events, steps, 24*time.Hour),
		runs:   runs,
		hearts: hearts,
		events: events,
		steps:  steps,
		client: client,
	}
}

func (f *retentionFixture) createTerminalRun(ctx context.Context, t *testing.T, runID string, age time.Duration) {
	t.Helper()
	cfg := &model.FindMaxConfig{}
	cfg.Defaults()
	require.NoError(t, f.runs.Create(ctx, runID, cfg))
	require.NoError(t, f.runs.UpdateStatus(ctx, runID,
		model.RunStatusPrepared, model.RunStatusCompleted, nil))
	require.NoError(t, f.hearts.Upsert(ctx, &model.WorkerHeartbeat{
		RunID: runID, WorkerID: "w-1", Status: model.WorkerStatusStopped,
	}))
	_, err := f.events.Append(ctx, model.NewStopEvent(runID, "done"))
	require.NoError(t, err)
	require.NoError(t, f.steps.AppendStep(ctx, runID, "w-1", &model.StepRecord{
		StepIndex: 0, Concurrency: 10,
	}))
	ageRun(ctx, f.client, runID, age)
}

func TestRunStateRetention_PrunesOldTerminalRun(t *testing.T) {
	f := newRetentionFixture(t)
	ctx := context.Background()

	f.createTerminalRun(ctx, t, "run-old", 48*time.Hour)

	require.NoError(t, f.job.Run(ctx))

	_, err := f.runs.Get(ctx, "run-old")
	assert.Error(t, err, "status row should be gone")

	heartbeats, err := f.hearts.GetAll(ctx, "run-old")
	require.NoError(t, err)
	assert.Empty(t, heartbeats)

	steps, err := f.steps.GetSteps(ctx, "run-old", "w-1")
	require.NoError(t, err)
	assert.Empty(t, steps)

	ids, err := f.runs.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "run-old")
}

func TestRunStateRetention_KeepsRecentTerminalRun(t *testing.T) {
	f := newRetentionFixture(t)
	ctx := context.Background()

	f.createTerminalRun(ctx, t, "run-recent", time.Hour)

	require.NoError(t, f.job.Run(ctx))

	rs, err := f.runs.Get(ctx, "run-recent")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, rs.Status)
}

func TestRunStateRetention_KeepsActiveRun(t *testing.T) {
	f := newRetentionFixture(t)
	ctx := context.Background()

	cfg := &model.FindMaxConfig{}
	cfg.Defaults()
	require.NoError(t, f.runs.Create(ctx, "run-active", cfg))
	ageRun(ctx, f.client, "run-active", 48*time.Hour)

	require.NoError(t, f.job.Run(ctx))

	rs, err := f.runs.Get(ctx, "run-active")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPrepared, rs.Status)
}
