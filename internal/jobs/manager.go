package jobs

import (
	"context"
	"sync"
	"time"

	"loadmesh/pkg/logger"
)

// Job is one periodic maintenance task of the orchestrator, such as the
// stale-run sweeper or a retention pass.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// AlignedJob delays its first run to the next interval boundary, so
// hourly retention passes land on the hour across restarts.
type AlignedJob interface {
	Job
	AlignToInterval() bool
}

// Manager runs the registered jobs on their intervals until stopped.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a job manager bound to the provided context.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make([]Job, 0),
	}
}

// Register adds a job. Registration after Start has no effect.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
}

// Start launches one goroutine per registered job. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()

	for _, job := range jobs {
		m.wg.Add(1)
		go m.runJob(job)
	}
}

// Stop signals all jobs to stop.
func (m *Manager) Stop() {
	m.cancel()
}

// Wait blocks until all job goroutines exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) runJob(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	if aligned, ok := job.(AlignedJob); ok && aligned.AlignToInterval() {
		now := time.Now()
		next := now.Truncate(interval).Add(interval)
		wait := next.Sub(now)

		logger.InfoCtx(m.ctx, "job %s starts at next aligned time %v (in %v)",
			job.Name(), next.Format("15:04:05"), wait)

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
			m.executeJob(job)
		}
	} else {
		m.executeJob(job)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.executeJob(job)
		}
	}
}

// executeJob runs one tick. A panicking job loses this tick but keeps its
// schedule; it must never take down the orchestrator process.
func (m *Manager) executeJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(m.ctx, "background job %s panicked: %v", job.Name(), r)
		}
	}()

	if err := job.Run(m.ctx); err != nil {
		logger.WarnCtx(m.ctx, "background job %s failed: %v", job.Name(), err)
	}
}
