package model

import (
	"time"
)

// WorkerStatus worker liveness status as reported through the shared store
type WorkerStatus string

const (
	WorkerStatusReady   WorkerStatus = "READY"   // Registered, waiting for the run to start
	WorkerStatusRunning WorkerStatus = "RUNNING" // Generating load
	WorkerStatusStopped WorkerStatus = "STOPPED" // Finished (normally or not)
)

// WorkerHeartbeat one row per worker per run, refreshed at least once per
// heartbeat interval while the worker is alive. Staleness beyond the
// configured timeout means the orchestrator treats the worker as dead.
type WorkerHeartbeat struct {
	RunID          string       `json:"run_id"`
	WorkerID       string       `json:"worker_id"`
	Status         WorkerStatus `json:"status"`
	Phase          RunPhase     `json:"phase"`
	Message        string       `json:"message,omitempty"` // Failure detail reported by the worker
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	HeartbeatCount int64        `json:"heartbeat_count"`
}

// WorkerSummary heartbeat view returned by the query surface
type WorkerSummary struct {
	WorkerID      string       `json:"worker_id"`
	Status        WorkerStatus `json:"status"`
	Phase         RunPhase     `json:"phase"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Stale         bool         `json:"stale"`
}
