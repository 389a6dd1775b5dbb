package mysql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domain "loadmesh/internal/model"
	"loadmesh/pkg/store/mysql/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResultRepository archives finalized run results in MySQL.
// Redis is the coordination medium; this is the durable system of record
// that survives run teardown.
type ResultRepository struct {
	ds *Datastore
}

// NewResultRepository creates a new result repository
func NewResultRepository(ds *Datastore) *ResultRepository {
	return &ResultRepository{ds: ds}
}

// ArchiveRun persists the aggregate result and every worker's step history
// in one transaction. Re-archiving the same run overwrites the summary row
// and re-inserts steps, so the finalize job can retry safely.
func (r *ResultRepository) ArchiveRun(ctx context.Context, status *domain.RunStatus,
	cfg *domain.FindMaxConfig, agg *domain.AggregatedFindMaxResult) error {

	row := &model.RunResult{
		RunID:                agg.RunID,
		Status:               string(status.Status),
		TotalWorkers:         agg.TotalWorkers,
		TotalNodes:           agg.TotalNodes,
		FinalBestConcurrency: agg.FinalBestConcurrency,
		FinalBestQPS:         agg.FinalBestQPS,
		Config:               toJSONMap(cfg),
		StartTime:            status.StartTime,
		CompletedAt:          agg.ComputedAt,
	}

	steps := make([]model.WorkerStep, 0)
	for _, wr := range agg.PerWorkerResults {
		for _, step := range wr.Steps {
			steps = append(steps, model.WorkerStep{
				RunID:        agg.RunID,
				WorkerID:     wr.WorkerID,
				StepIndex:    step.StepIndex,
				Concurrency:  step.Concurrency,
				QPS:          step.QPS,
				P95LatencyMs: step.P95LatencyMs,
				P99LatencyMs: step.P99LatencyMs,
				ErrorRatePct: step.ErrorRatePct,
				Stable:       step.Stable,
				IsBackoff:    step.IsBackoff,
				StopReason:   step.StopReason,
				KindMetrics:  toJSONMap(step.KindMetrics),
			})
		}
	}

	return r.ds.ExecTx(ctx, func(ctx context.Context) error {
		err := r.ds.DB(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "total_workers", "total_nodes",
				"final_best_concurrency", "final_best_qps", "completed_at",
			}),
		}).Create(row).Error
		if err != nil {
			return fmt.Errorf("failed to archive run result: %w", err)
		}

		if err := r.ds.DB(ctx).Where("run_id = ?", agg.RunID).
			Delete(&model.WorkerStep{}).Error; err != nil {
			return fmt.Errorf("failed to clear archived steps: %w", err)
		}
		if len(steps) > 0 {
			if err := r.ds.DB(ctx).CreateInBatches(steps, 100).Error; err != nil {
				return fmt.Errorf("failed to archive worker steps: %w", err)
			}
		}
		return nil
	})
}

// GetRunResult retrieves an archived run by ID, nil if never archived
func (r *ResultRepository) GetRunResult(ctx context.Context, runID string) (*model.RunResult, error) {
	var row model.RunResult
	err := r.ds.DB(ctx).Where("run_id = ?", runID).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run result: %w", err)
	}
	return &row, nil
}

// GetWorkerSteps retrieves a run's archived step history ordered by
// worker then step index.
func (r *ResultRepository) GetWorkerSteps(ctx context.Context, runID string) ([]model.WorkerStep, error) {
	var rows []model.WorkerStep
	err := r.ds.DB(ctx).Where("run_id = ?", runID).
		Order("worker_id, step_index").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get worker steps: %w", err)
	}
	return rows, nil
}

// ListRecent retrieves archived runs completed within the window, newest first
func (r *ResultRepository) ListRecent(ctx context.Context, since time.Time, limit int) ([]model.RunResult, error) {
	var rows []model.RunResult
	err := r.ds.DB(ctx).Where("completed_at >= ?", since).
		Order("completed_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list run results: %w", err)
	}
	return rows, nil
}

// DeleteBefore removes archived rows older than the cutoff, returns rows removed
func (r *ResultRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := r.ds.ExecTx(ctx, func(ctx context.Context) error {
		var old []model.RunResult
		if err := r.ds.DB(ctx).Select("run_id").
			Where("completed_at < ?", cutoff).Find(&old).Error; err != nil {
			return err
		}
		for _, row := range old {
			if err := r.ds.DB(ctx).Where("run_id = ?", row.RunID).
				Delete(&model.WorkerStep{}).Error; err != nil {
				return err
			}
		}
		result := r.ds.DB(ctx).Where("completed_at < ?", cutoff).
			Delete(&model.RunResult{})
		removed = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune run results: %w", err)
	}
	return removed, nil
}

// toJSONMap round-trips any JSON-serializable value into a JSON column map.
func toJSONMap(v interface{}) model.JSONMap {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m model.JSONMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
