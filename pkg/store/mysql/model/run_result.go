package model

import "time"

// RunResult MySQL model for the run_results archive table.
// One row per finalized run, written by the finalize job after the
// aggregate result is computed. Redis keys for a run are expendable
// after this row exists.
type RunResult struct {
	ID                   int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID                string     `gorm:"column:run_id;type:varchar(255);not null;uniqueIndex:idx_run_id_unique" json:"run_id"`
	Status               string     `gorm:"column:status;type:varchar(50);not null;index:idx_status" json:"status"`
	TotalWorkers         int        `gorm:"column:total_workers;not null" json:"total_workers"`
	TotalNodes           int        `gorm:"column:total_nodes;not null" json:"total_nodes"`
	FinalBestConcurrency int        `gorm:"column:final_best_concurrency;not null" json:"final_best_concurrency"`
	FinalBestQPS         float64    `gorm:"column:final_best_qps;not null" json:"final_best_qps"`
	Config               JSONMap    `gorm:"column:config;type:json" json:"config"`
	StartTime            *time.Time `gorm:"column:start_time;type:datetime(3)" json:"start_time"`
	CompletedAt          time.Time  `gorm:"column:completed_at;type:datetime(3);not null;index:idx_completed_at" json:"completed_at"`
	CreatedAt            time.Time  `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
}

// TableName specifies the table name for RunResult
func (RunResult) TableName() string {
	return "run_results"
}

// WorkerStep MySQL model for the worker_steps archive table.
// One row per concurrency step per worker, preserved for offline
// analysis of how the search converged.
type WorkerStep struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID        string    `gorm:"column:run_id;type:varchar(255);not null;index:idx_run_worker,priority:1" json:"run_id"`
	WorkerID     string    `gorm:"column:worker_id;type:varchar(255);not null;index:idx_run_worker,priority:2" json:"worker_id"`
	StepIndex    int       `gorm:"column:step_index;not null" json:"step_index"`
	Concurrency  int       `gorm:"column:concurrency;not null" json:"concurrency"`
	QPS          float64   `gorm:"column:qps;not null" json:"qps"`
	P95LatencyMs float64   `gorm:"column:p95_latency_ms;not null" json:"p95_latency_ms"`
	P99LatencyMs float64   `gorm:"column:p99_latency_ms;not null" json:"p99_latency_ms"`
	ErrorRatePct float64   `gorm:"column:error_rate_pct;not null" json:"error_rate_pct"`
	Stable       bool      `gorm:"column:stable;not null" json:"stable"`
	IsBackoff    bool      `gorm:"column:is_backoff;not null" json:"is_backoff"`
	StopReason   string    `gorm:"column:stop_reason;type:varchar(255)" json:"stop_reason"`
	KindMetrics  JSONMap   `gorm:"column:kind_metrics;type:json" json:"kind_metrics"`
	CreatedAt    time.Time `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3)" json:"created_at"`
}

// TableName specifies the table name for WorkerStep
func (WorkerStep) TableName() string {
	return "worker_steps"
}
