package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loadmesh/internal/model"
	"loadmesh/internal/target"
	"loadmesh/pkg/config"
	"loadmesh/pkg/lifecycle"
	"loadmesh/pkg/logger"
	redisstore "loadmesh/pkg/store/redis"

	"go.uber.org/zap"
)

// Worker is one load-generating process of a run. It coordinates with the
// orchestrator exclusively through the shared store: status polls, a
// heartbeat row, and the control event log. There is no direct RPC.
type Worker struct {
	workerID string
	runID    string
	cfg      config.WorkerConfig

	runs   *redisstore.RunRepository
	hearts *redisstore.HeartbeatRepository
	events *redisstore.EventLog
	steps  *redisstore.StepRepository

	client target.Client
	values target.ValueProvider

	mu          sync.Mutex
	status      model.WorkerStatus
	phase       model.RunPhase
	message     string
	lastSeenSeq int64
}

// NewWorker creates a worker bound to one run.
func NewWorker(workerID, runID string, cfg config.WorkerConfig,
	runs *redisstore.RunRepository, hearts *redisstore.HeartbeatRepository,
	events *redisstore.EventLog, steps *redisstore.StepRepository,
	client target.Client, values target.ValueProvider) *Worker {

	return &Worker{
		workerID: workerID,
		runID:    runID,
		cfg:      cfg,
		runs:     runs,
		hearts:   hearts,
		events:   events,
		steps:    steps,
		client:   client,
		values:   values,
		status:   model.WorkerStatusReady,
		phase:    model.RunPhasePreparing,
	}
}

// Run executes the worker's whole lifecycle: register READY, rendezvous on
// the RUNNING status, drive the concurrency search, persist the result,
// report STOPPED. Returns an error when the run never reached RUNNING or a
// store write failed.
func (w *Worker) Run(ctx context.Context) error {
	findMax, err := w.runs.GetConfig(ctx, w.runID)
	if err != nil {
		return fmt.Errorf("failed to load run config: %w", err)
	}
	findMax.Defaults()

	// Register before anything else so the orchestrator can count us.
	if err := w.beat(ctx); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	logger.Info("worker registered",
		zap.String("run_id", w.runID),
		zap.String("worker_id", w.workerID),
	)

	if err := w.rendezvous(ctx); err != nil {
		w.setState(model.WorkerStatusStopped, w.currentPhase(), err.Error())
		w.beat(ctx)
		return err
	}
	w.setState(model.WorkerStatusRunning, w.currentPhase(), "")

	window := NewStepWindow()
	conns := target.NewPool(findMax.MaxConcurrency, func() target.Client { return w.client })
	defer conns.Close()

	pool := NewTaskPool(w.workerID, TaskPoolConfig{
		ThinkTime: time.Duration(findMax.ThinkTimeMs) * time.Millisecond,
		OpBudget:  findMax.OpBudgetPerTask,
		QPSCap:    findMax.QPSCapPerWorker,
	}, conns, w.values, window)

	controller := NewController(w.workerID, ControllerConfig{
		StartConcurrency:    findMax.StartConcurrency,
		MaxConcurrency:      findMax.MaxConcurrency,
		Increment:           findMax.ConcurrencyIncrement,
		StepDuration:        time.Duration(findMax.StepDurationSeconds) * time.Second,
		MaxErrorRatePct:     findMax.MaxErrorRatePct,
		LatencyStabilityPct: findMax.LatencyStabilityPct,
	}, pool, window, func(ctx context.Context, step *model.StepRecord) error {
		return w.steps.AppendStep(ctx, w.runID, w.workerID, step)
	})

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go w.watchControlPlane(watchCtx, controller)

	result, err := controller.Run(ctx)
	if err != nil {
		w.setState(model.WorkerStatusStopped, w.currentPhase(), err.Error())
		w.beat(ctx)
		return fmt.Errorf("controller run failed: %w", err)
	}
	result.StopReason = w.finalStopReason(result.StopReason)

	if err := w.steps.SaveWorkerResult(ctx, w.runID, result); err != nil {
		return fmt.Errorf("failed to save worker result: %w", err)
	}

	w.setState(model.WorkerStatusStopped, w.currentPhase(), result.StopReason)
	if err := w.beat(ctx); err != nil {
		logger.Warn("failed to report terminal heartbeat", zap.Error(err))
	}

	logger.Info("worker finished",
		zap.String("run_id", w.runID),
		zap.String("worker_id", w.workerID),
		zap.Int("final_best_concurrency", result.FinalBestConcurrency),
		zap.Float64("final_best_qps", result.FinalBestQPS),
		zap.String("stop_reason", result.StopReason),
	)
	return nil
}

// rendezvous polls the run status until RUNNING, aborting on a terminal
// status or after the configured timeout. The event cursor is drained
// while waiting so no SET_PHASE written at start time is missed.
func (w *Worker) rendezvous(ctx context.Context) error {
	deadline := time.Now().Add(w.cfg.RendezvousTimeoutDuration())
	ticker := time.NewTicker(w.cfg.StatusPollDuration())
	defer ticker.Stop()

	for {
		rs, err := w.runs.Get(ctx, w.runID)
		if err != nil {
			return fmt.Errorf("failed to poll run status: %w", err)
		}

		if events, err := w.events.ReadFrom(ctx, w.runID, w.lastSeen()); err == nil {
			for _, ev := range events {
				w.advanceCursor(ev.Sequence)
				if ev.Type == model.EventSetPhase {
					if payload, err := ev.SetPhase(); err == nil {
						w.setState(w.currentStatus(), payload.Phase, "")
					}
				}
			}
		}

		switch {
		case rs.Status == model.RunStatusRunning:
			return nil
		case rs.Status.IsTerminal():
			return fmt.Errorf("run reached terminal status %s before start", rs.Status)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("rendezvous timeout after %s waiting for RUNNING", w.cfg.RendezvousTimeoutDuration())
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchControlPlane drains control events and mirrors run status changes
// into controller signals until the context ends.
func (w *Worker) watchControlPlane(ctx context.Context, controller *Controller) {
	ticker := time.NewTicker(w.cfg.StatusPollDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := w.events.ReadFrom(ctx, w.runID, w.lastSeen())
		if err != nil {
			logger.Warn("failed to read control events", zap.Error(err))
		} else {
			for _, ev := range events {
				w.applyEvent(ev, controller)
			}
		}

		rs, err := w.runs.Get(ctx, w.runID)
		if err != nil {
			continue
		}
		if rs.Status == model.RunStatusCancelling || rs.Status == model.RunStatusStopping || rs.Status.IsTerminal() {
			controller.Stop(StopReasonStopped)
			return
		}
	}
}

// applyEvent handles one control event exactly once; the cursor makes
// replayed deliveries no-ops before we get here.
func (w *Worker) applyEvent(ev *model.ControlEvent, controller *Controller) {
	w.advanceCursor(ev.Sequence)

	switch ev.Type {
	case model.EventSetPhase:
		payload, err := ev.SetPhase()
		if err != nil {
			logger.Warn("malformed SET_PHASE event", zap.Int64("sequence", ev.Sequence), zap.Error(err))
			return
		}
		w.setState(w.currentStatus(), payload.Phase, "")
		logger.Info("phase changed",
			zap.String("run_id", w.runID),
			zap.String("phase", string(payload.Phase)),
		)
	case model.EventScaleTo:
		payload, err := ev.ScaleTo()
		if err != nil {
			logger.Warn("malformed SCALE_TO event", zap.Int64("sequence", ev.Sequence), zap.Error(err))
			return
		}
		controller.ScaleOverride(payload.Concurrency)
	case model.EventStop:
		reason := StopReasonStopped
		if payload, err := ev.Stop(); err == nil && payload.Reason != "" {
			reason = payload.Reason
		}
		controller.Stop(reason)
	default:
		logger.Warn("unknown control event type",
			zap.String("type", string(ev.Type)),
			zap.Int64("sequence", ev.Sequence),
		)
	}
}

// heartbeatLoop refreshes the worker's heartbeat row until cancelled.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.beat(ctx); err != nil {
				logger.Warn("heartbeat refresh failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) beat(ctx context.Context) error {
	w.mu.Lock()
	hb := &model.WorkerHeartbeat{
		RunID:    w.runID,
		WorkerID: w.workerID,
		Status:   w.status,
		Phase:    w.phase,
		Message:  w.message,
	}
	w.mu.Unlock()
	return w.hearts.Upsert(ctx, hb)
}

// finalStopReason prefers an externally signalled reason over the
// controller's own.
func (w *Worker) finalStopReason(reason string) string {
	if reason == "" {
		return StopReasonStopped
	}
	return reason
}

// setState merges the incoming phase through the shared rank guard, so a
// reordered or replayed SET_PHASE can never move the worker's phase
// backwards.
func (w *Worker) setState(status model.WorkerStatus, phase model.RunPhase, message string) {
	w.mu.Lock()
	w.status = status
	next := lifecycle.NormalizePhase(phase)
	if rank, known := lifecycle.PhaseRank[next]; phase != "" && known && rank >= lifecycle.PhaseRank[w.phase] {
		w.phase = next
	}
	w.message = message
	w.mu.Unlock()
}

func (w *Worker) currentStatus() model.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) currentPhase() model.RunPhase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Worker) lastSeen() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeenSeq
}

// advanceCursor moves last_seen_sequence forward only; stale deliveries
// never rewind it.
func (w *Worker) advanceCursor(seq int64) {
	w.mu.Lock()
	if seq > w.lastSeenSeq {
		w.lastSeenSeq = seq
	}
	w.mu.Unlock()
}
