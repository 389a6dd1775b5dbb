package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loadmesh/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	heartbeatKeyPrefix = ":worker:"  // run:{run_id}:worker:{worker_id}
	workerSetSuffix    = ":workers"  // run:{run_id}:workers
	heartbeatDataTTL   = 5 * time.Minute
)

// HeartbeatRepository tracks per-worker liveness rows in Redis.
// Rows carry a TTL so a crashed run cannot leak them forever; liveness
// decisions use the last_heartbeat timestamp, not the TTL.
type HeartbeatRepository struct {
	redis *redis.Client
}

// NewHeartbeatRepository creates heartbeat repository
func NewHeartbeatRepository(redisClient *RedisClient) *HeartbeatRepository {
	return &HeartbeatRepository{redis: redisClient.GetClient()}
}

func heartbeatKey(runID, workerID string) string {
	return runKeyPrefix + runID + heartbeatKeyPrefix + workerID
}

func workerSetKey(runID string) string {
	return runKeyPrefix + runID + workerSetSuffix
}

// Upsert refreshes a worker's heartbeat row and bumps its counter.
func (r *HeartbeatRepository) Upsert(ctx context.Context, hb *model.WorkerHeartbeat) error {
	key := heartbeatKey(hb.RunID, hb.WorkerID)

	pipe := r.redis.Pipeline()
	pipe.HSet(ctx, key,
		"run_id", hb.RunID,
		"worker_id", hb.WorkerID,
		"status", string(hb.Status),
		"phase", string(hb.Phase),
		"message", hb.Message,
		"last_heartbeat", time.Now().Format(timeLayout),
	)
	pipe.HIncrBy(ctx, key, "heartbeat_count", 1)
	pipe.Expire(ctx, key, heartbeatDataTTL)
	pipe.SAdd(ctx, workerSetKey(hb.RunID), hb.WorkerID)
	pipe.Expire(ctx, workerSetKey(hb.RunID), heartbeatDataTTL*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

// Get reads one worker's heartbeat row.
func (r *HeartbeatRepository) Get(ctx context.Context, runID, workerID string) (*model.WorkerHeartbeat, error) {
	fields, err := r.redis.HGetAll(ctx, heartbeatKey(runID, workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("heartbeat not found for worker %s", workerID)
	}
	return heartbeatFromFields(fields), nil
}

// GetAll reads every worker's heartbeat for a run in one round-trip.
func (r *HeartbeatRepository) GetAll(ctx context.Context, runID string) ([]*model.WorkerHeartbeat, error) {
	workerIDs, err := r.redis.SMembers(ctx, workerSetKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get worker set: %w", err)
	}
	if len(workerIDs) == 0 {
		return []*model.WorkerHeartbeat{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, 0, len(workerIDs))
	for _, workerID := range workerIDs {
		cmds = append(cmds, pipe.HGetAll(ctx, heartbeatKey(runID, workerID)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read heartbeats: %w", err)
	}

	heartbeats := make([]*model.WorkerHeartbeat, 0, len(workerIDs))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// Row expired between SMEMBERS and HGETALL, skip.
			continue
		}
		heartbeats = append(heartbeats, heartbeatFromFields(fields))
	}
	return heartbeats, nil
}

// CountByStatus returns how many workers currently report the given status.
func (r *HeartbeatRepository) CountByStatus(ctx context.Context, runID string, status model.WorkerStatus) (int, error) {
	heartbeats, err := r.GetAll(ctx, runID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, hb := range heartbeats {
		if hb.Status == status {
			count++
		}
	}
	return count, nil
}

// Delete removes one worker's heartbeat row.
func (r *HeartbeatRepository) Delete(ctx context.Context, runID, workerID string) error {
	pipe := r.redis.Pipeline()
	pipe.Del(ctx, heartbeatKey(runID, workerID))
	pipe.SRem(ctx, workerSetKey(runID), workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}

// DeleteAll removes every heartbeat row for a run at teardown.
func (r *HeartbeatRepository) DeleteAll(ctx context.Context, runID string) error {
	workerIDs, err := r.redis.SMembers(ctx, workerSetKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("failed to get worker set: %w", err)
	}
	pipe := r.redis.Pipeline()
	for _, workerID := range workerIDs {
		pipe.Del(ctx, heartbeatKey(runID, workerID))
	}
	pipe.Del(ctx, workerSetKey(runID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete heartbeats: %w", err)
	}
	return nil
}

func heartbeatFromFields(fields map[string]string) *model.WorkerHeartbeat {
	hb := &model.WorkerHeartbeat{
		RunID:    fields["run_id"],
		WorkerID: fields["worker_id"],
		Status:   model.WorkerStatus(fields["status"]),
		Phase:    model.RunPhase(fields["phase"]),
		Message:  fields["message"],
	}
	if v := fields["last_heartbeat"]; v != "" {
		hb.LastHeartbeat, _ = time.Parse(timeLayout, v)
	}
	if v := fields["heartbeat_count"]; v != "" {
		// Ignore parse errors, the counter is informational.
		var count int64
		if err := json.Unmarshal([]byte(v), &count); err == nil {
			hb.HeartbeatCount = count
		}
	}
	return hb
}
