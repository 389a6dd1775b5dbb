package orchestrator

import (
	"context"
	"fmt"
	"time"

	"loadmesh/internal/model"
	"loadmesh/pkg/logger"
	redisstore "loadmesh/pkg/store/redis"

	"go.uber.org/zap"
)

// Aggregator folds per-worker results into the run-level summary. The
// aggregate is a plain sum: each worker searched its own slice of the
// target's capacity, so the fleet-wide maximum is the total.
type Aggregator struct {
	hearts *redisstore.HeartbeatRepository
	steps  *redisstore.StepRepository
}

// NewAggregator creates an aggregator.
func NewAggregator(hearts *redisstore.HeartbeatRepository, steps *redisstore.StepRepository) *Aggregator {
	return &Aggregator{hearts: hearts, steps: steps}
}

// Aggregate computes and persists the run-level result. Workers that
// never reported a result (lost mid-run) contribute nothing; the summary
// reflects only workers that finished their search.
func (a *Aggregator) Aggregate(ctx context.Context, runID string) (*model.AggregatedFindMaxResult, error) {
	heartbeats, err := a.hearts.GetAll(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run workers: %w", err)
	}

	agg := &model.AggregatedFindMaxResult{
		RunID:       runID,
		IsAggregate: true,
		ComputedAt:  time.Now(),
	}

	for _, hb := range heartbeats {
		result, err := a.steps.GetWorkerResult(ctx, runID, hb.WorkerID)
		if err != nil {
			return nil, fmt.Errorf("failed to read result for worker %s: %w", hb.WorkerID, err)
		}
		if result == nil {
			logger.Warn("worker reported no result, excluded from aggregate",
				zap.String("run_id", runID),
				zap.String("worker_id", hb.WorkerID),
			)
			continue
		}
		agg.TotalWorkers++
		agg.FinalBestConcurrency += result.FinalBestConcurrency
		agg.FinalBestQPS += result.FinalBestQPS
		agg.PerWorkerResults = append(agg.PerWorkerResults, *result)
	}
	agg.TotalNodes = agg.TotalWorkers

	if err := a.steps.SaveAggregate(ctx, agg); err != nil {
		return nil, fmt.Errorf("failed to save aggregate result: %w", err)
	}
	logger.Info("results aggregated",
		zap.String("run_id", runID),
		zap.Int("total_workers", agg.TotalWorkers),
		zap.Int("final_best_concurrency", agg.FinalBestConcurrency),
		zap.Float64("final_best_qps", agg.FinalBestQPS),
	)
	return agg, nil
}
