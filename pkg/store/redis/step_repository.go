package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"loadmesh/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	stepsPrefix        = ":steps:"  // run:{run_id}:steps:{worker_id} -> list of StepRecord JSON
	workerResultPrefix = ":result:" // run:{run_id}:result:{worker_id} -> WorkerResult JSON
	resultSuffix       = ":result"  // run:{run_id}:result -> AggregatedFindMaxResult JSON
)

// StepRepository holds each worker's append-only step history and terminal
// result, plus the run-level aggregate written once at completion.
type StepRepository struct {
	redis *redis.Client
}

// NewStepRepository creates step repository
func NewStepRepository(redisClient *RedisClient) *StepRepository {
	return &StepRepository{redis: redisClient.GetClient()}
}

func stepsKey(runID, workerID string) string {
	return runKeyPrefix + runID + stepsPrefix + workerID
}

func workerResultKey(runID, workerID string) string {
	return runKeyPrefix + runID + workerResultPrefix + workerID
}

func resultKey(runID string) string {
	return runKeyPrefix + runID + resultSuffix
}

// AppendStep appends one immutable step record to a worker's history.
func (r *StepRepository) AppendStep(ctx context.Context, runID, workerID string, step *model.StepRecord) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step record: %w", err)
	}
	if err := r.redis.RPush(ctx, stepsKey(runID, workerID), data).Err(); err != nil {
		return fmt.Errorf("failed to append step record: %w", err)
	}
	return nil
}

// GetSteps reads a worker's full step history in order.
func (r *StepRepository) GetSteps(ctx context.Context, runID, workerID string) ([]model.StepRecord, error) {
	items, err := r.redis.LRange(ctx, stepsKey(runID, workerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read step records: %w", err)
	}
	steps := make([]model.StepRecord, 0, len(items))
	for _, item := range items {
		var step model.StepRecord
		if err := json.Unmarshal([]byte(item), &step); err != nil {
			return nil, fmt.Errorf("malformed step record: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// SaveWorkerResult writes a worker's terminal controller result.
func (r *StepRepository) SaveWorkerResult(ctx context.Context, runID string, result *model.WorkerResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal worker result: %w", err)
	}
	if err := r.redis.Set(ctx, workerResultKey(runID, result.WorkerID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save worker result: %w", err)
	}
	return nil
}

// GetWorkerResult reads one worker's terminal result; nil when absent.
func (r *StepRepository) GetWorkerResult(ctx context.Context, runID, workerID string) (*model.WorkerResult, error) {
	data, err := r.redis.Get(ctx, workerResultKey(runID, workerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker result: %w", err)
	}
	var result model.WorkerResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("malformed worker result: %w", err)
	}
	return &result, nil
}

// SaveAggregate writes the run-level result exactly once at completion.
func (r *StepRepository) SaveAggregate(ctx context.Context, result *model.AggregatedFindMaxResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate result: %w", err)
	}
	if err := r.redis.Set(ctx, resultKey(result.RunID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save aggregate result: %w", err)
	}
	return nil
}

// GetAggregate reads the run-level result; nil when the run has not been
// finalized yet.
func (r *StepRepository) GetAggregate(ctx context.Context, runID string) (*model.AggregatedFindMaxResult, error) {
	data, err := r.redis.Get(ctx, resultKey(runID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate result: %w", err)
	}
	var result model.AggregatedFindMaxResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("malformed aggregate result: %w", err)
	}
	return &result, nil
}

// DeleteAll removes all step and result keys for a run at teardown.
func (r *StepRepository) DeleteAll(ctx context.Context, runID string, workerIDs []string) error {
	pipe := r.redis.Pipeline()
	for _, workerID := range workerIDs {
		pipe.Del(ctx, stepsKey(runID, workerID))
		pipe.Del(ctx, workerResultKey(runID, workerID))
	}
	pipe.Del(ctx, resultKey(runID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete step records: %w", err)
	}
	return nil
}
