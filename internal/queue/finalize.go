package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"loadmesh/internal/orchestrator"
	"loadmesh/pkg/logger"
	"loadmesh/pkg/notification"
	"loadmesh/pkg/store/mysql"
	redisstore "loadmesh/pkg/store/redis"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// FinalizeHandler processes run:finalize tasks: compute the aggregate
// result, archive it to MySQL when an archive is configured, then send
// the completion notification. Aggregation and archival are idempotent,
// so asynq retries are safe; the notification runs last and its failure
// never fails the task.
type FinalizeHandler struct {
	runs       *redisstore.RunRepository
	aggregator *orchestrator.Aggregator
	archive    *mysql.ResultRepository
	notifier   *notification.FeishuNotifier
}

// NewFinalizeHandler creates the finalize handler. archive and notifier
// may be nil.
func NewFinalizeHandler(runs *redisstore.RunRepository,
	aggregator *orchestrator.Aggregator, archive *mysql.ResultRepository,
	notifier *notification.FeishuNotifier) *FinalizeHandler {

	return &FinalizeHandler{
		runs:       runs,
		aggregator: aggregator,
		archive:    archive,
		notifier:   notifier,
	}
}

// ProcessTask implements asynq.Handler.
func (h *FinalizeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload FinalizePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("malformed finalize payload: %w", err)
	}

	agg, err := h.aggregator.Aggregate(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("failed to aggregate run %s: %w", payload.RunID, err)
	}

	rs, err := h.runs.Get(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("failed to read run %s: %w", payload.RunID, err)
	}

	if h.archive != nil {
		cfg, err := h.runs.GetConfig(ctx, payload.RunID)
		if err != nil {
			return fmt.Errorf("failed to read run config %s: %w", payload.RunID, err)
		}
		if err := h.archive.ArchiveRun(ctx, rs, cfg, agg); err != nil {
			return fmt.Errorf("failed to archive run %s: %w", payload.RunID, err)
		}
	}

	if h.notifier != nil {
		err := h.notifier.SendRunCompleted(ctx, &notification.RunCompletedNotification{
			RunID:           payload.RunID,
			Status:          string(rs.Status),
			TotalWorkers:    agg.TotalWorkers,
			BestConcurrency: agg.FinalBestConcurrency,
			BestQPS:         agg.FinalBestQPS,
			Message:         rs.Message,
			CompletedAt:     rs.UpdatedAt,
		})
		if err != nil {
			logger.Warn("run completion notification failed",
				zap.String("run_id", payload.RunID), zap.Error(err))
		}
	}

	logger.Info("run finalized",
		zap.String("run_id", payload.RunID),
		zap.Int("final_best_concurrency", agg.FinalBestConcurrency),
	)
	return nil
}
