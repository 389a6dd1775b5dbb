package jobs

import (
	"context"
	"time"

	"loadmesh/pkg/logger"
	redisstore "loadmesh/pkg/store/redis"

	"go.uber.org/zap"
)

// RunStateRetention removes a terminal run's coordination state from the
// shared store once it is old enough that nothing reads it anymore. The
// durable archive, when enabled, keeps the results; this only reclaims the
// store's working set.
type RunStateRetention struct {
	runs      *redisstore.RunRepository
	hearts    *redisstore.HeartbeatRepository
	events    *redisstore.EventLog
	steps     *redisstore.StepRepository
	retention time.Duration
}

// NewRunStateRetention creates the retention job.
func NewRunStateRetention(runs *redisstore.RunRepository,
	hearts *redisstore.HeartbeatRepository, events *redisstore.EventLog,
	steps *redisstore.StepRepository, retention time.Duration) *RunStateRetention {

	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RunStateRetention{
		runs:      runs,
		hearts:    hearts,
		events:    events,
		steps:     steps,
		retention: retention,
	}
}

func (j *RunStateRetention) Name() string            { return "run-state-retention" }
func (j *RunStateRetention) Interval() time.Duration { return time.Hour }
func (j *RunStateRetention) AlignToInterval() bool   { return true }

// Run deletes run state for terminal runs past the retention window.
func (j *RunStateRetention) Run(ctx context.Context) error {
	runIDs, err := j.runs.List(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-j.retention)
	pruned := 0
	for _, runID := range runIDs {
		rs, err := j.runs.Get(ctx, runID)
		if err != nil {
			continue
		}
		if !rs.Status.IsTerminal() || rs.UpdatedAt.After(cutoff) {
			continue
		}

		if err := j.pruneRun(ctx, runID); err != nil {
			logger.Warn("failed to prune run state",
				zap.String("run_id", runID), zap.Error(err))
			continue
		}
		pruned++
	}

	if pruned > 0 {
		logger.Info("terminal run state pruned", zap.Int("runs", pruned))
	}
	return nil
}

func (j *RunStateRetention) pruneRun(ctx context.Context, runID string) error {
	heartbeats, err := j.hearts.GetAll(ctx, runID)
	if err != nil {
		return err
	}
	workerIDs := make([]string, 0, len(heartbeats))
	for _, hb := range heartbeats {
		workerIDs = append(workerIDs, hb.WorkerID)
	}

	// Order matters: the status row goes last so a partial prune leaves the
	// run discoverable and the next cycle retries the rest.
	if err := j.steps.DeleteAll(ctx, runID, workerIDs); err != nil {
		return err
	}
	if err := j.events.Delete(ctx, runID); err != nil {
		return err
	}
	if err := j.hearts.DeleteAll(ctx, runID); err != nil {
		return err
	}
	return j.runs.Delete(ctx, runID)
}
