package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"loadmesh/app/handler"
	"loadmesh/app/router"
	"loadmesh/internal/jobs"
	"loadmesh/internal/orchestrator"
	"loadmesh/internal/queue"
	"loadmesh/internal/service"
	"loadmesh/pkg/config"
	launchk8s "loadmesh/pkg/launch/k8s"
	"loadmesh/pkg/logger"
	"loadmesh/pkg/notification"
	mysqlstore "loadmesh/pkg/store/mysql"
	redisstore "loadmesh/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// Application manages the lifecycle of the orchestrator process
type Application struct {
	// Infrastructure components
	config      *config.Config
	redisClient *redisstore.RedisClient
	mysqlRepo   *mysqlstore.Repository

	// Repositories
	runRepo       *redisstore.RunRepository
	heartbeatRepo *redisstore.HeartbeatRepository
	eventLog      *redisstore.EventLog
	stepRepo      *redisstore.StepRepository

	// Coordination layer
	aggregator *orchestrator.Aggregator
	orch       *orchestrator.Orchestrator
	runService *service.RunService

	// Finalize queue
	queueMgr *queue.Manager

	// Handler layer
	runHandler *handler.RunHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

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

// Initialize initializes all application components
func (app *Application) Initialize() error {
	var err error

	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Redis", app.initRedis},
		{"MySQL", app.initMySQL},
		{"Finalize Queue", app.initQueue},
		{"Coordination Layer", app.initCoordination},
		{"Background Tasks", app.initJobs},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

func (app *Application) initConfig() error {
	return config.Init()
}

func (app *Application) initLogger() error {
	app.config = config.GlobalConfig
	return logger.Init()
}

func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}
	app.redisClient = client
	app.registerCleanup(func() { app.redisClient.Close() })

	app.runRepo = redisstore.NewRunRepository(client)
	app.heartbeatRepo = redisstore.NewHeartbeatRepository(client)
	app.eventLog = redisstore.NewEventLog(client)
	app.stepRepo = redisstore.NewStepRepository(client)
	return nil
}

func (app *Application) initMySQL() error {
	if !app.config.MySQL.Enabled {
		logger.InfoCtx(app.ctx, "MySQL archive disabled, skipping")
		return nil
	}
	repo, err := mysqlstore.NewRepository(app.config.MySQL.DSN())
	if err != nil {
		return err
	}
	app.mysqlRepo = repo
	app.registerCleanup(func() { app.mysqlRepo.Close() })
	return nil
}

func (app *Application) initQueue() error {
	mgr, err := queue.NewManager(app.config)
	if err != nil {
		return err
	}
	app.queueMgr = mgr
	app.registerCleanup(func() { app.queueMgr.Close() })
	return nil
}

func (app *Application) initCoordination() error {
	app.aggregator = orchestrator.NewAggregator(app.heartbeatRepo, app.stepRepo)
	app.orch = orchestrator.NewOrchestrator(app.config.Worker,
		app.runRepo, app.heartbeatRepo, app.eventLog, app.aggregator, app.queueMgr)

	var archive *mysqlstore.ResultRepository
	if app.mysqlRepo != nil {
		archive = app.mysqlRepo.Result
	}
	app.queueMgr.RegisterHandler(queue.TypeRunFinalize,
		queue.NewFinalizeHandler(app.runRepo, app.aggregator, archive,
			notification.NewFeishuNotifier()))

	var launcher service.WorkerLauncher
	if app.config.K8s.Enabled {
		l, err := launchk8s.NewLauncher(app.config.K8s, app.config.Redis.Addr)
		if err != nil {
			return fmt.Errorf("failed to create worker launcher: %w", err)
		}
		launcher = l
	}

	app.runService = service.NewRunService(app.config, app.redisClient,
		app.runRepo, app.heartbeatRepo, app.stepRepo, app.orch, launcher)
	return nil
}

func (app *Application) initJobs() error {
	app.jobsManager = jobs.NewManager(app.ctx)
	app.jobsManager.Register(jobs.NewStaleRunSweeper(
		app.runRepo, app.heartbeatRepo, 10*time.Minute, time.Minute))
	app.jobsManager.Register(jobs.NewRunStateRetention(
		app.runRepo, app.heartbeatRepo, app.eventLog, app.stepRepo, 7*24*time.Hour))
	if app.mysqlRepo != nil {
		app.jobsManager.Register(jobs.NewArchiveRetention(
			app.mysqlRepo.Result, 30*24*time.Hour))
	}
	return nil
}

func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	app.runHandler = handler.NewRunHandler(app.runService)
	router.NewRouter(app.runHandler).Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	// 1. Start background tasks
	if app.jobsManager != nil {
		app.jobsManager.Start()
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.jobsManager.Wait()
		}()
	}

	// 2. Start finalize queue processor
	if err := app.queueMgr.Start(); err != nil {
		return fmt.Errorf("failed to start queue server: %w", err)
	}

	// 3. Start HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		addr := fmt.Sprintf(":%d", app.config.Server.Port)
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Cancel background tasks and run coordination
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}
	app.runService.Shutdown()

	// 2. Stop HTTP server (stop accepting new requests)
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	// 3. Stop queue processor
	app.queueMgr.Stop()

	// 4. Wait for all background tasks to complete
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	// 5. Execute all cleanup functions (in reverse registration order)
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	// 6. Sync logs
	logger.Sync()

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
