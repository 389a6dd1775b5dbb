// Package lifecycle is the single source of truth for run status and phase
// ordering. Orchestrator, workers and the API all import these rank tables;
// the guard makes any out-of-order or duplicate delivery idempotent, so the
// materialized (status, phase) pair only ever moves forward.
package lifecycle

import (
	"loadmesh/internal/model"
)

// StatusRank orders run statuses. Accepting a transition requires the new
// status to rank at least as high as the current one.
var StatusRank = map[model.RunStatusValue]int{
	"":                        0,
	model.RunStatusPending:    0,
	model.RunStatusPrepared:   1,
	model.RunStatusStarting:   1,
	model.RunStatusRunning:    2,
	model.RunStatusStopping:   3,
	model.RunStatusCancelling: 3,
	model.RunStatusCompleted:  4,
	model.RunStatusFailed:     4,
	model.RunStatusCancelled:  4,
	model.RunStatusStopped:    4,
}

// PhaseRank orders run phases. MEASUREMENT is an alias for RUNNING.
var PhaseRank = map[model.RunPhase]int{
	"":                         0,
	model.RunPhasePreparing:    0,
	model.RunPhaseWarmup:       1,
	model.RunPhaseRunning:      2,
	model.RunPhaseMeasurement:  2,
	model.RunPhaseProcessing:   3,
	model.RunPhaseCompleted:    4,
}

// NormalizePhase maps phase aliases onto their canonical value.
func NormalizePhase(p model.RunPhase) model.RunPhase {
	if p == model.RunPhaseMeasurement {
		return model.RunPhaseRunning
	}
	return p
}

// AcceptStatus reports whether moving from current to next is allowed.
// Unknown statuses are rejected outright.
func AcceptStatus(current, next model.RunStatusValue) bool {
	nextRank, ok := StatusRank[next]
	if !ok {
		return false
	}
	curRank, ok := StatusRank[current]
	if !ok {
		// A corrupt current value must not block a terminal override.
		curRank = 0
	}
	return next == current || nextRank >= curRank
}

// AcceptPhase reports whether moving from current to next is allowed while
// the run has the given status. On top of the rank check it rejects:
//   - a terminal phase while the status says the run is still active, so a
//     stray COMPLETED signal cannot short-circuit a live run;
//   - any non-terminal phase once the status is terminal, except PROCESSING
//     (post-run bookkeeping may still advance).
func AcceptPhase(current, next model.RunPhase, status model.RunStatusValue) bool {
	current = NormalizePhase(current)
	next = NormalizePhase(next)

	nextRank, ok := PhaseRank[next]
	if !ok {
		return false
	}
	curRank, ok := PhaseRank[current]
	if !ok {
		curRank = 0
	}
	if next != current && nextRank < curRank {
		return false
	}

	active := status == model.RunStatusRunning ||
		status == model.RunStatusCancelling ||
		status == model.RunStatusStopping
	if next == model.RunPhaseCompleted && active {
		return false
	}
	if status.IsTerminal() && next != model.RunPhaseCompleted && next != model.RunPhaseProcessing {
		return false
	}
	return true
}

// Apply merges an incoming (status, phase) pair into the current one,
// returning the materialized pair. Each field advances independently so a
// duplicate or reordered delivery can never move either backwards.
func Apply(curStatus model.RunStatusValue, curPhase model.RunPhase,
	nextStatus model.RunStatusValue, nextPhase model.RunPhase) (model.RunStatusValue, model.RunPhase) {

	outStatus := curStatus
	if AcceptStatus(curStatus, nextStatus) {
		outStatus = nextStatus
	}
	outPhase := NormalizePhase(curPhase)
	if AcceptPhase(curPhase, nextPhase, outStatus) {
		outPhase = NormalizePhase(nextPhase)
	}
	return outStatus, outPhase
}
