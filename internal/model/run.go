package model

import (
	"time"
)

// RunStatusValue run lifecycle status
type RunStatusValue string

const (
	RunStatusPending    RunStatusValue = "PENDING"    // Created but not yet persisted fully
	RunStatusPrepared   RunStatusValue = "PREPARED"   // Ready to be started
	RunStatusStarting   RunStatusValue = "STARTING"   // Waiting for worker rendezvous
	RunStatusRunning    RunStatusValue = "RUNNING"    // Workers generating load
	RunStatusStopping   RunStatusValue = "STOPPING"   // Stop requested, draining
	RunStatusCancelling RunStatusValue = "CANCELLING" // Cancel requested, draining
	RunStatusCompleted  RunStatusValue = "COMPLETED"  // Finished normally
	RunStatusFailed     RunStatusValue = "FAILED"     // Finished with failure
	RunStatusCancelled  RunStatusValue = "CANCELLED"  // Cancelled before completion
	RunStatusStopped    RunStatusValue = "STOPPED"    // Stopped by external request
)

// RunPhase run phase within a status
type RunPhase string

const (
	RunPhasePreparing   RunPhase = "PREPARING"
	RunPhaseWarmup      RunPhase = "WARMUP"
	RunPhaseRunning     RunPhase = "RUNNING"
	RunPhaseMeasurement RunPhase = "MEASUREMENT" // Normalized to RUNNING by the lifecycle guard
	RunPhaseProcessing  RunPhase = "PROCESSING"
	RunPhaseCompleted   RunPhase = "COMPLETED"
)

// RunStatus is the authoritative control-plane row for one run.
// Written only by the orchestrator; read by workers and the API.
type RunStatus struct {
	RunID     string         `json:"run_id"`
	Status    RunStatusValue `json:"status"`
	Phase     RunPhase       `json:"phase"`
	Message   string         `json:"message,omitempty"` // Failure detail when status is FAILED
	StartTime *time.Time     `json:"start_time,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the status is a terminal one.
func (s RunStatusValue) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusStopped:
		return true
	}
	return false
}

// WorkerLossPolicy what the orchestrator does when a worker heartbeat goes stale
type WorkerLossPolicy string

const (
	WorkerLossFail    WorkerLossPolicy = "fail"    // Fail the run on any lost worker
	WorkerLossDegrade WorkerLossPolicy = "degrade" // Continue while live workers >= min_workers
)

// FindMaxConfig parameters of the adaptive max-concurrency search.
// Stored with the run so every worker executes the same search.
type FindMaxConfig struct {
	WorkerCount          int              `json:"worker_count"`
	MinWorkers           int              `json:"min_workers"`
	StartConcurrency     int              `json:"start_concurrency"`
	MaxConcurrency       int              `json:"max_concurrency"`
	ConcurrencyIncrement int              `json:"concurrency_increment"`
	StepDurationSeconds  int              `json:"step_duration_seconds"`
	MaxErrorRatePct      float64          `json:"max_error_rate_pct"`
	LatencyStabilityPct  float64          `json:"latency_stability_pct"`
	ThinkTimeMs          int              `json:"think_time_ms,omitempty"`
	OpBudgetPerTask      int              `json:"op_budget_per_task,omitempty"` // 0 = unlimited
	QPSCapPerWorker      float64          `json:"qps_cap_per_worker,omitempty"` // 0 = uncapped
	InitialPhase         RunPhase         `json:"initial_phase,omitempty"`
	OnWorkerLoss         WorkerLossPolicy `json:"on_worker_loss,omitempty"`
}

// Defaults fills zero fields with usable defaults.
func (c *FindMaxConfig) Defaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = c.WorkerCount
	}
	if c.StartConcurrency <= 0 {
		c.StartConcurrency = 5
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 500
	}
	if c.ConcurrencyIncrement <= 0 {
		c.ConcurrencyIncrement = 10
	}
	if c.StepDurationSeconds <= 0 {
		c.StepDurationSeconds = 30
	}
	if c.MaxErrorRatePct <= 0 {
		c.MaxErrorRatePct = 1.0
	}
	if c.LatencyStabilityPct <= 0 {
		c.LatencyStabilityPct = 20.0
	}
	if c.InitialPhase == "" {
		c.InitialPhase = RunPhaseWarmup
	}
	if c.OnWorkerLoss == "" {
		c.OnWorkerLoss = WorkerLossFail
	}
}

// CreateRunRequest create run request
type CreateRunRequest struct {
	Config FindMaxConfig `json:"config"`
}

// CreateRunResponse create run response
type CreateRunResponse struct {
	RunID  string         `json:"run_id"`
	Status RunStatusValue `json:"status"`
}
