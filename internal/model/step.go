package model

import (
	"time"
)

// KindMetrics per-operation-kind breakdown inside one step window
type KindMetrics struct {
	Operations   int64   `json:"operations"`
	QPS          float64 `json:"qps"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
	ErrorRatePct float64 `json:"error_rate_pct"`
}

// StepRecord one fixed-duration measurement window of the concurrency
// search. Appended only by the controller, immutable once written.
type StepRecord struct {
	StepIndex    int                    `json:"step_index"`
	Concurrency  int                    `json:"concurrency"`
	QPS          float64                `json:"qps"`
	P95LatencyMs float64                `json:"p95_latency_ms"`
	P99LatencyMs float64                `json:"p99_latency_ms"`
	ErrorRatePct float64                `json:"error_rate_pct"`
	Stable       bool                   `json:"stable"`
	StopReason   string                 `json:"stop_reason,omitempty"`
	IsBackoff    bool                   `json:"is_backoff,omitempty"`
	KindMetrics  map[string]KindMetrics `json:"kind_metrics,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      time.Time              `json:"ended_at"`
}

// WorkerResult terminal state of one worker's controller run
type WorkerResult struct {
	WorkerID             string       `json:"worker_id"`
	FinalBestConcurrency int          `json:"final_best_concurrency"`
	FinalBestQPS         float64      `json:"final_best_qps"`
	StopReason           string       `json:"stop_reason,omitempty"`
	Steps                []StepRecord `json:"steps"`
}

// AggregatedFindMaxResult run-level summary computed once at completion
// by the results aggregator; read-only thereafter.
type AggregatedFindMaxResult struct {
	RunID                string         `json:"run_id"`
	TotalWorkers         int            `json:"total_workers"`
	TotalNodes           int            `json:"total_nodes"`
	FinalBestConcurrency int            `json:"final_best_concurrency"`
	FinalBestQPS         float64        `json:"final_best_qps"`
	PerWorkerResults     []WorkerResult `json:"per_worker_results"`
	IsAggregate          bool           `json:"is_aggregate"`
	ComputedAt           time.Time      `json:"computed_at"`
}
