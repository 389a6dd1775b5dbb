package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loadmesh/internal/model"
	"loadmesh/pkg/config"
	"loadmesh/pkg/lifecycle"
	"loadmesh/pkg/logger"
	redisstore "loadmesh/pkg/store/redis"

	"go.uber.org/zap"
)

// Finalizer triggers post-run result processing. The queue manager
// implements it; a nil Finalizer makes the orchestrator aggregate inline.
type Finalizer interface {
	EnqueueFinalize(ctx context.Context, runID string) error
}

// Orchestrator drives one run's control plane: worker rendezvous, status
// and phase writes, heartbeat supervision, and the terminal transition.
// It is the only writer of RunStatus and the control event log.
type Orchestrator struct {
	cfg        config.WorkerConfig
	runs       *redisstore.RunRepository
	hearts     *redisstore.HeartbeatRepository
	events     *redisstore.EventLog
	aggregator *Aggregator
	finalizer  Finalizer
}

// NewOrchestrator creates an orchestrator. finalizer may be nil.
func NewOrchestrator(cfg config.WorkerConfig, runs *redisstore.RunRepository,
	hearts *redisstore.HeartbeatRepository, events *redisstore.EventLog,
	aggregator *Aggregator, finalizer Finalizer) *Orchestrator {

	return &Orchestrator{
		cfg:        cfg,
		runs:       runs,
		hearts:     hearts,
		events:     events,
		aggregator: aggregator,
		finalizer:  finalizer,
	}
}

// Run coordinates one run from PREPARED to a terminal status. Blocking;
// callers run it in its own goroutine per run.
func (o *Orchestrator) Run(ctx context.Context, runID string) error {
	findMax, err := o.runs.GetConfig(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run config: %w", err)
	}
	findMax.Defaults()

	if err := o.transition(ctx, runID, model.RunStatusPrepared, model.RunStatusStarting, nil); err != nil {
		return err
	}
	logger.Info("run starting",
		zap.String("run_id", runID),
		zap.Int("worker_count", findMax.WorkerCount),
	)

	if err := o.rendezvous(ctx, runID, findMax); err != nil {
		o.failRun(ctx, runID, model.RunStatusStarting, err.Error())
		return err
	}

	// Rendezvous reached: one conditional status write, then the phase
	// event. Each write is independent and individually retryable.
	now := time.Now()
	err = o.transition(ctx, runID, model.RunStatusStarting, model.RunStatusRunning, &redisstore.StatusUpdate{
		Phase:     findMax.InitialPhase,
		StartTime: &now,
	})
	if err != nil {
		return err
	}
	if _, err := o.events.Append(ctx, model.NewSetPhaseEvent(runID, findMax.InitialPhase)); err != nil {
		return fmt.Errorf("failed to append SET_PHASE event: %w", err)
	}
	logger.Info("run running",
		zap.String("run_id", runID),
		zap.String("phase", string(findMax.InitialPhase)),
	)

	return o.superviseRun(ctx, runID, findMax)
}

// Stop requests an external stop: append the STOP event, then move the
// status to CANCELLING. The run drains and lands on STOPPED.
func (o *Orchestrator) Stop(ctx context.Context, runID, reason string) error {
	rs, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if rs.Status.IsTerminal() {
		return nil
	}
	if !lifecycle.AcceptStatus(rs.Status, model.RunStatusCancelling) {
		return fmt.Errorf("run %s cannot be stopped from status %s", runID, rs.Status)
	}

	if _, err := o.events.Append(ctx, model.NewStopEvent(runID, reason)); err != nil {
		return fmt.Errorf("failed to append STOP event: %w", err)
	}
	err = o.runs.UpdateStatus(ctx, runID, rs.Status, model.RunStatusCancelling, &redisstore.StatusUpdate{
		Message: reason,
	})
	if errors.Is(err, redisstore.ErrCASConflict) {
		// Someone else already advanced the state; the STOP event stands.
		return nil
	}
	return err
}

// SetPhase appends a SET_PHASE event after validating the transition
// against the current row.
func (o *Orchestrator) SetPhase(ctx context.Context, runID string, phase model.RunPhase) error {
	rs, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !lifecycle.AcceptPhase(rs.Phase, phase, rs.Status) {
		return fmt.Errorf("phase %s not reachable from %s/%s", phase, rs.Status, rs.Phase)
	}
	if err := o.runs.UpdatePhase(ctx, runID, lifecycle.NormalizePhase(phase)); err != nil {
		return err
	}
	_, err = o.events.Append(ctx, model.NewSetPhaseEvent(runID, phase))
	return err
}

// ScaleTo appends a SCALE_TO event overriding every worker's concurrency
// target at their next step boundary.
func (o *Orchestrator) ScaleTo(ctx context.Context, runID string, concurrency int) error {
	rs, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if rs.Status != model.RunStatusRunning {
		return fmt.Errorf("run %s is %s, not RUNNING", runID, rs.Status)
	}
	_, err = o.events.Append(ctx, model.NewScaleToEvent(runID, concurrency))
	return err
}

// rendezvous waits until worker_count READY workers have registered.
func (o *Orchestrator) rendezvous(ctx context.Context, runID string, findMax *model.FindMaxConfig) error {
	deadline := time.Now().Add(o.cfg.RendezvousTimeoutDuration())
	ticker := time.NewTicker(o.cfg.StatusPollDuration())
	defer ticker.Stop()

	for {
		ready, err := o.hearts.CountByStatus(ctx, runID, model.WorkerStatusReady)
		if err != nil {
			return fmt.Errorf("failed to count ready workers: %w", err)
		}
		if ready >= findMax.WorkerCount {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rendezvous timeout: %d/%d workers ready", ready, findMax.WorkerCount)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// superviseRun polls worker heartbeats until every worker is terminal,
// the loss policy fails the run, or a stop request drains it.
func (o *Orchestrator) superviseRun(ctx context.Context, runID string, findMax *model.FindMaxConfig) error {
	ticker := time.NewTicker(o.cfg.HeartbeatIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		rs, err := o.runs.Get(ctx, runID)
		if err != nil {
			logger.Warn("failed to read run status", zap.Error(err))
			continue
		}
		if rs.Status.IsTerminal() {
			return nil
		}
		if rs.Status == model.RunStatusCancelling || rs.Status == model.RunStatusStopping {
			return o.drain(ctx, runID, rs.Status, model.RunStatusStopped, rs.Message)
		}

		heartbeats, err := o.hearts.GetAll(ctx, runID)
		if err != nil {
			logger.Warn("failed to read heartbeats", zap.Error(err))
			continue
		}

		live, stopped, lost := o.classify(heartbeats)
		if lost > 0 {
			failRun := findMax.OnWorkerLoss == model.WorkerLossFail ||
				live < findMax.MinWorkers
			if failRun {
				msg := fmt.Sprintf("%d worker(s) lost, %d live (policy %s, min %d)",
					lost, live, findMax.OnWorkerLoss, findMax.MinWorkers)
				logger.Error("worker loss fails run", zap.String("run_id", runID), zap.String("detail", msg))
				if _, err := o.events.Append(ctx, model.NewStopEvent(runID, msg)); err != nil {
					logger.Warn("failed to append STOP event", zap.Error(err))
				}
				o.transition(ctx, runID, rs.Status, model.RunStatusCancelling, &redisstore.StatusUpdate{Message: msg})
				return o.drain(ctx, runID, model.RunStatusCancelling, model.RunStatusFailed, msg)
			}
			logger.Warn("proceeding degraded after worker loss",
				zap.String("run_id", runID),
				zap.Int("live", live),
				zap.Int("lost", lost),
			)
		}

		// Completion: every worker that ever registered is terminal.
		if len(heartbeats) > 0 && stopped+lost == len(heartbeats) && stopped > 0 {
			return o.finish(ctx, runID, rs.Status, model.RunStatusCompleted, "")
		}
	}
}

// drain waits for the remaining workers to stop, then lands on the
// terminal status.
func (o *Orchestrator) drain(ctx context.Context, runID string,
	from, terminal model.RunStatusValue, message string) error {

	deadline := time.Now().Add(o.cfg.ShutdownGraceDuration())
	ticker := time.NewTicker(o.cfg.StatusPollDuration())
	defer ticker.Stop()

	for {
		heartbeats, err := o.hearts.GetAll(ctx, runID)
		if err == nil {
			_, stopped, lost := o.classify(heartbeats)
			if stopped+lost == len(heartbeats) {
				break
			}
		}
		if time.Now().After(deadline) {
			logger.Warn("drain timeout, finalizing anyway", zap.String("run_id", runID))
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return o.finish(ctx, runID, from, terminal, message)
}

// finish writes the terminal status and hands the run to the aggregator.
func (o *Orchestrator) finish(ctx context.Context, runID string,
	from, terminal model.RunStatusValue, message string) error {

	// A retried finish finds the phase already at COMPLETED; the guarded
	// write reports that as a conflict, which is fine here.
	if err := o.runs.UpdatePhase(ctx, runID, model.RunPhaseProcessing); err != nil && !errors.Is(err, redisstore.ErrCASConflict) {
		logger.Warn("failed to set PROCESSING phase", zap.Error(err))
	}

	err := o.transition(ctx, runID, from, terminal, &redisstore.StatusUpdate{
		Phase:   model.RunPhaseCompleted,
		Message: message,
	})
	if err != nil {
		return err
	}
	logger.Info("run finished",
		zap.String("run_id", runID),
		zap.String("status", string(terminal)),
	)

	if o.finalizer != nil {
		err := o.finalizer.EnqueueFinalize(ctx, runID)
		if err == nil {
			return nil
		}
		logger.Warn("failed to enqueue finalize task, aggregating inline", zap.Error(err))
	}
	if o.aggregator != nil {
		if _, err := o.aggregator.Aggregate(ctx, runID); err != nil {
			return fmt.Errorf("failed to aggregate results: %w", err)
		}
	}
	return nil
}

// failRun lands a run that never reached RUNNING on FAILED.
func (o *Orchestrator) failRun(ctx context.Context, runID string, from model.RunStatusValue, message string) {
	err := o.transition(ctx, runID, from, model.RunStatusFailed, &redisstore.StatusUpdate{
		Message: message,
	})
	if err != nil {
		logger.Error("failed to mark run FAILED",
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
}

// transition runs a guarded conditional status write. A CAS conflict
// against an already-advanced row of the same value is treated as done.
func (o *Orchestrator) transition(ctx context.Context, runID string,
	from, to model.RunStatusValue, upd *redisstore.StatusUpdate) error {

	if !lifecycle.AcceptStatus(from, to) {
		return fmt.Errorf("transition %s -> %s violates the status order", from, to)
	}
	err := o.runs.UpdateStatus(ctx, runID, from, to, upd)
	if errors.Is(err, redisstore.ErrCASConflict) {
		rs, getErr := o.runs.Get(ctx, runID)
		if getErr == nil && rs.Status == to {
			return nil
		}
		return fmt.Errorf("run %s: expected status %s: %w", runID, from, err)
	}
	return err
}

// classify buckets heartbeats into live, terminal, and presumed-dead.
func (o *Orchestrator) classify(heartbeats []*model.WorkerHeartbeat) (live, stopped, lost int) {
	cutoff := time.Now().Add(-o.cfg.HeartbeatTimeoutDuration())
	for _, hb := range heartbeats {
		switch {
		case hb.Status == model.WorkerStatusStopped:
			stopped++
		case hb.LastHeartbeat.Before(cutoff):
			lost++
		default:
			live++
		}
	}
	return live, stopped, lost
}
