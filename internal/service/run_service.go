package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loadmesh/internal/model"
	"loadmesh/internal/orchestrator"
	"loadmesh/pkg/config"
	"loadmesh/pkg/logger"
	redisstore "loadmesh/pkg/store/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkerLauncher provisions worker processes for a run. The K8s launcher
// implements it; nil means workers are started out of band.
type WorkerLauncher interface {
	Launch(ctx context.Context, runID string, count int) error
}

// RunService is the command and query surface over runs. Handlers call it;
// it bridges them to the shared store, the event log, and the orchestrator.
type RunService struct {
	cfg    *config.Config
	client *redisstore.RedisClient
	runs   *redisstore.RunRepository
	hearts *redisstore.HeartbeatRepository
	steps  *redisstore.StepRepository
	orch   *orchestrator.Orchestrator

	launcher WorkerLauncher

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunService creates the run service. launcher may be nil.
func NewRunService(cfg *config.Config, client *redisstore.RedisClient,
	runs *redisstore.RunRepository, hearts *redisstore.HeartbeatRepository,
	steps *redisstore.StepRepository, orch *orchestrator.Orchestrator,
	launcher WorkerLauncher) *RunService {

	return &RunService{
		cfg:      cfg,
		client:   client,
		runs:     runs,
		hearts:   hearts,
		steps:    steps,
		orch:     orch,
		launcher: launcher,
		active:   make(map[string]context.CancelFunc),
	}
}

// CreateRun persists a new PREPARED run.
func (s *RunService) CreateRun(ctx context.Context, req *model.CreateRunRequest) (*model.CreateRunResponse, error) {
	runCfg := req.Config
	s.applyConfigDefaults(&runCfg)
	runCfg.Defaults()

	if runCfg.MinWorkers > runCfg.WorkerCount {
		return nil, fmt.Errorf("min_workers %d exceeds worker_count %d", runCfg.MinWorkers, runCfg.WorkerCount)
	}
	if runCfg.StartConcurrency > runCfg.MaxConcurrency {
		return nil, fmt.Errorf("start_concurrency %d exceeds max_concurrency %d", runCfg.StartConcurrency, runCfg.MaxConcurrency)
	}

	runID := uuid.New().String()
	if err := s.runs.Create(ctx, runID, &runCfg); err != nil {
		return nil, err
	}

	logger.Info("run created",
		zap.String("run_id", runID),
		zap.Int("worker_count", runCfg.WorkerCount),
		zap.Int("max_concurrency", runCfg.MaxConcurrency),
	)
	return &model.CreateRunResponse{RunID: runID, Status: model.RunStatusPrepared}, nil
}

// StartRun launches workers (when a launcher is configured) and hands the
// run to the orchestrator in the background.
func (s *RunService) StartRun(ctx context.Context, runID string) error {
	rs, err := s.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if rs.Status != model.RunStatusPrepared {
		return fmt.Errorf("run %s is %s, expected PREPARED", runID, rs.Status)
	}

	if s.launcher != nil {
		runCfg, err := s.runs.GetConfig(ctx, runID)
		if err != nil {
			return err
		}
		runCfg.Defaults()
		if err := s.launcher.Launch(ctx, runID, runCfg.WorkerCount); err != nil {
			return fmt.Errorf("failed to launch workers: %w", err)
		}
	}

	// The run lock keeps a second orchestrator instance from coordinating
	// the same run; the active map catches duplicates within this process.
	lock := redisstore.NewRunLock(s.client, runID)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("run %s is already being coordinated by another orchestrator", runID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if _, exists := s.active[runID]; exists {
		s.mu.Unlock()
		cancel()
		lock.Unlock(ctx)
		return fmt.Errorf("run %s is already being coordinated", runID)
	}
	s.active[runID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, runID)
			s.mu.Unlock()
			cancel()
			lock.Unlock(context.Background())
		}()
		if err := s.orch.Run(runCtx, runID); err != nil {
			logger.Error("run coordination ended with error",
				zap.String("run_id", runID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// StopRun requests an external stop.
func (s *RunService) StopRun(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "stop requested"
	}
	return s.orch.Stop(ctx, runID, reason)
}

// SetPhase advances the run phase.
func (s *RunService) SetPhase(ctx context.Context, runID string, phase model.RunPhase) error {
	return s.orch.SetPhase(ctx, runID, phase)
}

// ScaleTo overrides every worker's concurrency target.
func (s *RunService) ScaleTo(ctx context.Context, runID string, concurrency int) error {
	if concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", concurrency)
	}
	return s.orch.ScaleTo(ctx, runID, concurrency)
}

// GetRun reads the current status row.
func (s *RunService) GetRun(ctx context.Context, runID string) (*model.RunStatus, error) {
	return s.runs.Get(ctx, runID)
}

// GetRunConfig reads the run's search parameters.
func (s *RunService) GetRunConfig(ctx context.Context, runID string) (*model.FindMaxConfig, error) {
	return s.runs.GetConfig(ctx, runID)
}

// ListRuns returns all known run ids.
func (s *RunService) ListRuns(ctx context.Context) ([]string, error) {
	return s.runs.List(ctx)
}

// GetWorkers returns the heartbeat view of a run's workers.
func (s *RunService) GetWorkers(ctx context.Context, runID string) ([]model.WorkerSummary, error) {
	heartbeats, err := s.hearts.GetAll(ctx, runID)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-s.cfg.Worker.HeartbeatTimeoutDuration())
	summaries := make([]model.WorkerSummary, 0, len(heartbeats))
	for _, hb := range heartbeats {
		summaries = append(summaries, model.WorkerSummary{
			WorkerID:      hb.WorkerID,
			Status:        hb.Status,
			Phase:         hb.Phase,
			LastHeartbeat: hb.LastHeartbeat,
			Stale:         hb.Status != model.WorkerStatusStopped && hb.LastHeartbeat.Before(cutoff),
		})
	}
	return summaries, nil
}

// GetSteps returns one worker's step history.
func (s *RunService) GetSteps(ctx context.Context, runID, workerID string) ([]model.StepRecord, error) {
	return s.steps.GetSteps(ctx, runID, workerID)
}

// GetResult returns the aggregate result, nil while the run is still
// being finalized.
func (s *RunService) GetResult(ctx context.Context, runID string) (*model.AggregatedFindMaxResult, error) {
	return s.steps.GetAggregate(ctx, runID)
}

// Shutdown cancels every in-flight coordination loop.
func (s *RunService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for runID, cancel := range s.active {
		logger.Warn("cancelling run coordination on shutdown", zap.String("run_id", runID))
		cancel()
	}
	s.active = make(map[string]context.CancelFunc)
}

// applyConfigDefaults fills zero request fields from the server-wide
// findmax defaults before the model defaults kick in.
func (s *RunService) applyConfigDefaults(runCfg *model.FindMaxConfig) {
	if s.cfg == nil {
		return
	}
	d := s.cfg.FindMax
	if runCfg.StartConcurrency == 0 {
		runCfg.StartConcurrency = d.StartConcurrency
	}
	if runCfg.MaxConcurrency == 0 {
		runCfg.MaxConcurrency = d.MaxConcurrency
	}
	if runCfg.ConcurrencyIncrement == 0 {
		runCfg.ConcurrencyIncrement = d.ConcurrencyIncrement
	}
	if runCfg.StepDurationSeconds == 0 {
		runCfg.StepDurationSeconds = d.StepDurationSeconds
	}
	if runCfg.MaxErrorRatePct == 0 {
		runCfg.MaxErrorRatePct = d.MaxErrorRatePct
	}
	if runCfg.LatencyStabilityPct == 0 {
		runCfg.LatencyStabilityPct = d.LatencyStabilityPct
	}
	if runCfg.ThinkTimeMs == 0 {
		runCfg.ThinkTimeMs = d.ThinkTimeMs
	}
	if runCfg.QPSCapPerWorker == 0 {
		runCfg.QPSCapPerWorker = d.QPSCapPerWorker
	}
}
