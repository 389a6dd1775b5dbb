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

func newSweeperFixture(t *testing.T) (*StaleRunSweeper, *redisstore.RunRepository, *redisstore.HeartbeatRepository, *goredis.Client) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rc := redisstore.NewRedisClientFromExisting(client)
	runs := redisstore.NewRunRepository(rc)
	hearts := redisstore.NewHeartbeatRepository(rc)
	sweeper := NewStaleRunSweeper(runs, hearts, 5*time.Minute, time.Minute)
	return sweeper, runs, hearts, client
}

func ageRun(ctx context.Context, client *goredis.Client, runID string, age time.Duration) {
	client.HSet(ctx, "run:"+runID, "updated_at",
		time.Now().Add(-age).Format(time.RFC3339Nano))
}

func TestStaleRunSweeper_SweepsAbandonedRun(t *testing.T) {
	sweeper, runs, _, client := newSweeperFixture(t)
	ctx := context.Background()

	cfg := &model.FindMaxConfig{}
	cfg.Defaults()
	require.NoError(t, runs.Create(ctx, "run-old", cfg))
	ageRun(ctx, client, "run-old", time.Hour)

	require.NoError(t, sweeper.Run(ctx))

	rs, err := runs.Get(ctx, "run-old")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, rs.Status)
	assert.Contains(t, rs.Message, "swept")
}

func TestStaleRunSweeper_KeepsRunWithLiveWorker(t *testing.T) {
	sweeper, runs, hearts, client := newSweeperFixture(t)
	ctx := context.Background()

	cfg := &model.FindMaxConfig{}
	cfg.Defaults()
	require.NoError(t, runs.Create(ctx, "run-live", cfg))
	ageRun(ctx, client, "run-live", time.Hour)
	require.NoError(t, hearts.Upsert(ctx, &model.WorkerHeartbeat{
		RunID: "run-live", WorkerID: "w-1", Status: model.WorkerStatusRunning,
	}))

	require.NoError(t, sweeper.Run(ctx))

	rs, err := runs.Get(ctx, "run-live")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPrepared, rs.Status)
}

func TestStaleRunSweeper_KeepsRecentAndTerminalRuns(t *testing.T) {
	sweeper, runs, _, client := newSweeperFixture(t)
	ctx := context.Background()

	cfg := &model.FindMaxConfig{}
	cfg.Defaults()

	require.NoError(t, runs.Create(ctx, "run-fresh", cfg))

	require.NoError(t, runs.Create(ctx, "run-done", cfg))
	require.NoError(t, runs.UpdateStatus(ctx, "run-done",
		model.RunStatusPrepared, model.RunStatusCompleted, nil))
	ageRun(ctx, client, "run-done", time.Hour)

	require.NoError(t, sweeper.Run(ctx))

	rs, err := runs.Get(ctx, "run-fresh")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPrepared, rs.Status)

	rs, err = runs.Get(ctx, "run-done")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, rs.Status)
}
