package jobs

import (
	"context"
	"fmt"
	"time"

	"loadmesh/internal/model"
	"loadmesh/pkg/logger"
	redisstore "loadmesh/pkg/store/redis"

	"go.uber.org/zap"
)

// StaleRunSweeper fails runs whose orchestrator died mid-flight: a
// non-terminal run with no live worker heartbeat and no status write for
// longer than the threshold is abandoned, not in progress.
type StaleRunSweeper struct {
	runs      *redisstore.RunRepository
	hearts    *redisstore.HeartbeatRepository
	threshold time.Duration
	interval  time.Duration
}

// NewStaleRunSweeper creates the sweeper.
func NewStaleRunSweeper(runs *redisstore.RunRepository,
	hearts *redisstore.HeartbeatRepository, threshold, interval time.Duration) *StaleRunSweeper {

	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleRunSweeper{runs: runs, hearts: hearts, threshold: threshold, interval: interval}
}

func (s *StaleRunSweeper) Name() string            { return "stale-run-sweeper" }
func (s *StaleRunSweeper) Interval() time.Duration { return s.interval }

// Run scans every known run once.
func (s *StaleRunSweeper) Run(ctx context.Context) error {
	runIDs, err := s.runs.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	cutoff := time.Now().Add(-s.threshold)
	for _, runID := range runIDs {
		rs, err := s.runs.Get(ctx, runID)
		if err != nil {
			continue
		}
		if rs.Status.IsTerminal() || rs.UpdatedAt.After(cutoff) {
			continue
		}
		if s.hasLiveWorker(ctx, runID, cutoff) {
			continue
		}

		err = s.runs.UpdateStatus(ctx, runID, rs.Status, model.RunStatusFailed, &redisstore.StatusUpdate{
			Message: fmt.Sprintf("swept: no progress since %s", rs.UpdatedAt.Format(time.RFC3339)),
		})
		if err != nil {
			// The run advanced between read and write, leave it alone.
			continue
		}
		logger.Warn("stale run swept to FAILED",
			zap.String("run_id", runID),
			zap.String("previous_status", string(rs.Status)),
		)
	}
	return nil
}

func (s *StaleRunSweeper) hasLiveWorker(ctx context.Context, runID string, cutoff time.Time) bool {
	heartbeats, err := s.hearts.GetAll(ctx, runID)
	if err != nil {
		return true // fail open, never sweep on a read error
	}
	for _, hb := range heartbeats {
		if hb.Status != model.WorkerStatusStopped && hb.LastHeartbeat.After(cutoff) {
			return true
		}
	}
	return false
}
