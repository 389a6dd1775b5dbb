package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loadmesh/internal/model"
	"loadmesh/pkg/lifecycle"

	"github.com/go-redis/redis/v8"
)

const (
	runKeyPrefix       = "run:"      // run:{run_id} -> hash (status row)
	runConfigSuffix    = ":config"   // run:{run_id}:config -> JSON FindMaxConfig
	runSetKey          = "runs:all"  // set of known run ids
	timeLayout         = time.RFC3339Nano
)

// ErrCASConflict is returned when a conditional status write finds a
// different current status than the caller expected. The caller either
// retries or treats it as "someone else already advanced this state".
var ErrCASConflict = errors.New("run status changed concurrently")

// ErrRunNotFound is returned when no status row exists for a run id.
var ErrRunNotFound = errors.New("run not found")

// updateStatusScript applies the new status only while the stored status
// still matches the expected one. Executed atomically by Redis, this is the
// conditional-write primitive the whole protocol leans on.
var updateStatusScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'status')
	if current == false then current = '' end
	if current ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
	if ARGV[4] ~= '' then
		redis.call('HSET', KEYS[1], 'phase', ARGV[4])
	end
	if ARGV[5] ~= '' then
		redis.call('HSET', KEYS[1], 'start_time', ARGV[5])
	end
	if ARGV[6] ~= '' then
		redis.call('HSET', KEYS[1], 'message', ARGV[6])
	end
	return 1
`)

// RunRepository manages the per-run status row in Redis
type RunRepository struct {
	redis *redis.Client
}

// NewRunRepository creates run repository
func NewRunRepository(redisClient *RedisClient) *RunRepository {
	return &RunRepository{redis: redisClient.GetClient()}
}

func runKey(runID string) string { return runKeyPrefix + runID }

// Create writes a fresh PREPARED status row and the run's search config.
func (r *RunRepository) Create(ctx context.Context, runID string, cfg *model.FindMaxConfig) error {
	now := time.Now()
	cfgData, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}

	pipe := r.redis.Pipeline()
	pipe.HSet(ctx, runKey(runID),
		"run_id", runID,
		"status", string(model.RunStatusPrepared),
		"phase", string(model.RunPhasePreparing),
		"created_at", now.Format(timeLayout),
		"updated_at", now.Format(timeLayout),
	)
	pipe.Set(ctx, runKey(runID)+runConfigSuffix, cfgData, 0)
	pipe.SAdd(ctx, runSetKey, runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Get reads the most recently committed status row.
func (r *RunRepository) Get(ctx context.Context, runID string) (*model.RunStatus, error) {
	fields, err := r.redis.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrRunNotFound
	}

	rs := &model.RunStatus{
		RunID:   fields["run_id"],
		Status:  model.RunStatusValue(fields["status"]),
		Phase:   model.RunPhase(fields["phase"]),
		Message: fields["message"],
	}
	if v := fields["start_time"]; v != "" {
		if ts, err := time.Parse(timeLayout, v); err == nil {
			rs.StartTime = &ts
		}
	}
	if v := fields["created_at"]; v != "" {
		rs.CreatedAt, _ = time.Parse(timeLayout, v)
	}
	if v := fields["updated_at"]; v != "" {
		rs.UpdatedAt, _ = time.Parse(timeLayout, v)
	}
	return rs, nil
}

// GetConfig reads the run's search config.
func (r *RunRepository) GetConfig(ctx context.Context, runID string) (*model.FindMaxConfig, error) {
	data, err := r.redis.Get(ctx, runKey(runID)+runConfigSuffix).Result()
	if err == redis.Nil {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run config: %w", err)
	}
	var cfg model.FindMaxConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
	}
	return &cfg, nil
}

// StatusUpdate optional fields applied together with a status transition
type StatusUpdate struct {
	Phase     model.RunPhase
	StartTime *time.Time
	Message   string
}

// UpdateStatus performs the conditional write `status: expected -> next`.
// Returns ErrCASConflict when the stored status no longer matches.
func (r *RunRepository) UpdateStatus(ctx context.Context, runID string,
	expected, next model.RunStatusValue, upd *StatusUpdate) error {

	phase, startTime, message := "", "", ""
	if upd != nil {
		phase = string(upd.Phase)
		if upd.StartTime != nil {
			startTime = upd.StartTime.Format(timeLayout)
		}
		message = upd.Message
	}

	ok, err := updateStatusScript.Run(ctx, r.redis,
		[]string{runKey(runID)},
		string(expected), string(next), time.Now().Format(timeLayout),
		phase, startTime, message,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if ok == 0 {
		return ErrCASConflict
	}
	return nil
}

// updatePhaseScript applies the new phase only while the stored phase does
// not outrank it. The rank table is passed in as ARGV pairs so the ordering
// stays defined in the lifecycle package alone.
var updatePhaseScript = redis.NewScript(`
	local ranks = {}
	for i = 3, #ARGV - 1, 2 do
		ranks[ARGV[i]] = tonumber(ARGV[i + 1])
	end
	local target = ranks[ARGV[1]]
	if target == nil then
		return 0
	end
	local current = redis.call('HGET', KEYS[1], 'phase')
	local cur = 0
	if current ~= false and ranks[current] ~= nil then
		cur = ranks[current]
	end
	if target < cur then
		return 0
	end
	redis.call('HSET', KEYS[1], 'phase', ARGV[1], 'updated_at', ARGV[2])
	return 1
`)

// UpdatePhase advances the phase field through a rank-guarded conditional
// write. Returns ErrCASConflict when the stored phase already outranks the
// requested one, so racing phase writers cannot publish a regression.
func (r *RunRepository) UpdatePhase(ctx context.Context, runID string, phase model.RunPhase) error {
	args := make([]interface{}, 0, 2+2*len(lifecycle.PhaseRank))
	args = append(args, string(phase), time.Now().Format(timeLayout))
	for p, rank := range lifecycle.PhaseRank {
		args = append(args, string(p), rank)
	}

	ok, err := updatePhaseScript.Run(ctx, r.redis, []string{runKey(runID)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to update run phase: %w", err)
	}
	if ok == 0 {
		return ErrCASConflict
	}
	return nil
}

// List returns all known run ids.
func (r *RunRepository) List(ctx context.Context) ([]string, error) {
	ids, err := r.redis.SMembers(ctx, runSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return ids, nil
}

// Delete removes the status row and config at run teardown.
func (r *RunRepository) Delete(ctx context.Context, runID string) error {
	pipe := r.redis.Pipeline()
	pipe.Del(ctx, runKey(runID))
	pipe.Del(ctx, runKey(runID)+runConfigSuffix)
	pipe.SRem(ctx, runSetKey, runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}
