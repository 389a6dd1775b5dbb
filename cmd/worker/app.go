package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"loadmesh/internal/target"
	"loadmesh/internal/worker"
	"loadmesh/pkg/config"
	"loadmesh/pkg/logger"
	redisstore "loadmesh/pkg/store/redis"

	"github.com/google/uuid"
)

// Application manages the lifecycle of one worker process. A worker is
// launched per run (typically as one pod of a Kubernetes Job), executes
// the concurrency search, and exits.
type Application struct {
	config      *config.Config
	redisClient *redisstore.RedisClient

	runID    string
	workerID string
	worker   *worker.Worker

	ctx    context.Context
	cancel context.CancelFunc

	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all worker components
func (app *Application) Initialize() error {
	var err error

	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Identity", app.initIdentity},
		{"Redis", app.initRedis},
		{"Worker", app.initWorker},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	return nil
}

func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	// The launcher injects the store address through the environment so
	// worker pods need no config file edits.
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.GlobalConfig.Redis.Addr = addr
	}
	return nil
}

func (app *Application) initLogger() error {
	app.config = config.GlobalConfig
	return logger.Init()
}

func (app *Application) initIdentity() error {
	app.runID = os.Getenv("RUN_ID")
	if app.runID == "" {
		return fmt.Errorf("RUN_ID environment variable is required")
	}

	app.workerID = os.Getenv("WORKER_ID")
	if app.workerID == "" {
		app.workerID = "worker-" + uuid.NewString()[:8]
	}
	return nil
}

func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}
	app.redisClient = client
	app.registerCleanup(func() { app.redisClient.Close() })
	return nil
}

func (app *Application) initWorker() error {
	client := target.NewSimulatedClient(target.LatencyProfile{
		BaseLatency: 5 * time.Millisecond,
		Jitter:      3 * time.Millisecond,
	})

	app.worker = worker.NewWorker(app.workerID, app.runID, app.config.Worker,
		redisstore.NewRunRepository(app.redisClient),
		redisstore.NewHeartbeatRepository(app.redisClient),
		redisstore.NewEventLog(app.redisClient),
		redisstore.NewStepRepository(app.redisClient),
		client,
		target.NewSequenceValueProvider(),
	)
	return nil
}

// Run executes the worker lifecycle to completion.
func (app *Application) Run() error {
	logger.InfoCtx(app.ctx, "Worker starting, run_id: %s, worker_id: %s", app.runID, app.workerID)
	return app.worker.Run(app.ctx)
}

// Shutdown releases resources after the worker exits.
func (app *Application) Shutdown() {
	app.cancel()

	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}
	logger.Sync()
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
