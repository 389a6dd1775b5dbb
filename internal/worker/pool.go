package worker

import (
	"context"
	"sync"
	"time"

	"loadmesh/internal/target"
	"loadmesh/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TaskPoolConfig execution knobs shared by every task in the pool
type TaskPoolConfig struct {
	ThinkTime time.Duration // optional pause between operations
	OpBudget  int           // operations per task, 0 = unlimited
	QPSCap    float64       // worker-wide cap, 0 = uncapped
}

// TaskPool holds the worker's running load tasks, keyed by a locally
// assigned task id. Scaling is guarded by a single mutex; tasks stop
// cooperatively, so a scale-down or stop completes only after each
// in-flight operation finishes.
type TaskPool struct {
	workerID string
	cfg      TaskPoolConfig
	conns    *target.Pool
	values   target.ValueProvider
	window   *StepWindow
	limiter  *rate.Limiter

	mu         sync.Mutex
	nextTaskID int
	tasks      map[int]*poolTask
	stopped    chan struct{}
	stopOnce   sync.Once
}

type poolTask struct {
	id   int
	stop chan struct{}
	done chan struct{}
}

// NewTaskPool creates an empty task pool.
func NewTaskPool(workerID string, cfg TaskPoolConfig, conns *target.Pool,
	values target.ValueProvider, window *StepWindow) *TaskPool {

	p := &TaskPool{
		workerID: workerID,
		cfg:      cfg,
		conns:    conns,
		values:   values,
		window:   window,
		tasks:    make(map[int]*poolTask),
		stopped:  make(chan struct{}),
	}
	if cfg.QPSCap > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.QPSCap), 1)
	}
	return p
}

// ScaleTo adjusts the number of running tasks to the target. Completed
// tasks are pruned first, then the pool spawns or signals the difference.
func (p *TaskPool) ScaleTo(ctx context.Context, targetCount int) {
	if targetCount < 0 {
		targetCount = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	running := len(p.tasks)

	switch {
	case running < targetCount:
		for i := running; i < targetCount; i++ {
			p.nextTaskID++
			t := &poolTask{
				id:   p.nextTaskID,
				stop: make(chan struct{}),
				done: make(chan struct{}),
			}
			p.tasks[t.id] = t
			go p.runTask(ctx, t)
		}
	case running > targetCount:
		excess := running - targetCount
		for _, t := range p.tasks {
			if excess == 0 {
				break
			}
			select {
			case <-t.stop:
				// Already signalled.
			default:
				close(t.stop)
				excess--
			}
		}
	}

	logger.Debug("task pool scaled",
		zap.String("worker_id", p.workerID),
		zap.Int("running", running),
		zap.Int("target", targetCount),
	)
}

// Running returns the number of live tasks.
func (p *TaskPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.tasks)
}

// StopAll signals every task and blocks until all in-flight operations
// have finished.
func (p *TaskPool) StopAll() {
	p.stopOnce.Do(func() { close(p.stopped) })

	p.mu.Lock()
	tasks := make([]*poolTask, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		<-t.done
	}

	p.mu.Lock()
	p.pruneLocked()
	p.mu.Unlock()
}

// pruneLocked drops finished tasks. Caller holds p.mu.
func (p *TaskPool) pruneLocked() {
	for id, t := range p.tasks {
		select {
		case <-t.done:
			delete(p.tasks, id)
		default:
		}
	}
}

// runTask is one simulated client: operate, record, think, repeat until
// signalled or the operation budget runs out.
func (p *TaskPool) runTask(ctx context.Context, t *poolTask) {
	defer close(t.done)

	ops := 0
	for {
		select {
		case <-p.stopped:
			return
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		client, err := p.conns.Acquire(ctx)
		if err != nil {
			return
		}
		kind := target.OpRead
		if ops%2 == 1 {
			kind = target.OpWrite
		}
		latency, opErr := client.Execute(ctx, kind, p.values.NextValue(p.workerID))
		p.conns.Release(client)

		if ctx.Err() != nil {
			return
		}
		p.window.Record(kind, latency, opErr != nil)

		ops++
		if p.cfg.OpBudget > 0 && ops >= p.cfg.OpBudget {
			return
		}

		if p.cfg.ThinkTime > 0 {
			timer := time.NewTimer(p.cfg.ThinkTime)
			select {
			case <-timer.C:
			case <-p.stopped:
				timer.Stop()
				return
			case <-t.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}
