package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loadmesh/pkg/config"
	"loadmesh/pkg/logger"

	"github.com/hibiken/asynq"
)

const (
	// TypeRunFinalize post-run aggregation and archival task
	TypeRunFinalize = "run:finalize"
)

// FinalizePayload payload of a run:finalize task
type FinalizePayload struct {
	RunID string `json:"run_id"`
}

// Manager queue manager. Finalization runs through asynq so a crashed
// orchestrator cannot lose the aggregation step: the task retries until
// the archive write succeeds.
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewManager creates queue manager
func NewManager(cfg *config.Config) (*Manager, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues: map[string]int{
				"default": 10,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Second
			},
		},
	)

	mux := asynq.NewServeMux()

	return &Manager{
		client: client,
		server: server,
		mux:    mux,
	}, nil
}

// EnqueueFinalize enqueues the post-run finalize task. The task id is
// derived from the run id, so repeated terminal writes enqueue it once.
func (m *Manager) EnqueueFinalize(ctx context.Context, runID string) error {
	payload, err := json.Marshal(FinalizePayload{RunID: runID})
	if err != nil {
		return fmt.Errorf("failed to marshal finalize payload: %w", err)
	}

	task := asynq.NewTask(TypeRunFinalize, payload)
	opts := []asynq.Option{
		asynq.TaskID("finalize:" + runID),
		asynq.Timeout(time.Duration(config.GlobalConfig.Queue.TaskTimeout) * time.Second),
		asynq.MaxRetry(config.GlobalConfig.Queue.MaxRetry),
	}

	info, err := m.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue finalize task: %w", err)
	}

	logger.InfoCtx(ctx, "finalize task enqueued, run_id: %s, queue: %s", runID, info.Queue)
	return nil
}

// RegisterHandler registers task handler
func (m *Manager) RegisterHandler(pattern string, handler asynq.Handler) {
	m.mux.Handle(pattern, handler)
}

// Start starts queue processor
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting queue server")
	return m.server.Start(m.mux)
}

// Stop stops queue processor
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping queue server")
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes client
func (m *Manager) Close() error {
	return m.client.Close()
}

// GetPendingTaskCount retrieves pending task count
func (m *Manager) GetPendingTaskCount() (int, error) {
	inspector := asynq.NewInspector(asynq.RedisClientOpt{
		Addr:     config.GlobalConfig.Redis.Addr,
		Password: config.GlobalConfig.Redis.Password,
		DB:       config.GlobalConfig.Redis.DB,
	})
	defer inspector.Close()

	stats, err := inspector.GetQueueInfo("default")
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}
