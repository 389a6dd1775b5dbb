package worker

import (
	"context"
	"sync"
	"time"

	"loadmesh/internal/model"
	"loadmesh/pkg/logger"

	"go.uber.org/zap"
)

// Stop reasons reported in step records and worker results.
const (
	StopReasonMaxWorkers = "reached max workers"
	StopReasonErrorRate  = "error rate exceeded bound"
	StopReasonP95        = "p95 latency exceeded guardrail"
	StopReasonP99        = "p99 latency exceeded guardrail"
	StopReasonStopped    = "stopped"
)

// scaler is the slice of TaskPool the controller drives.
type scaler interface {
	ScaleTo(ctx context.Context, target int)
	StopAll()
}

// ControllerConfig parameters of one controller run
type ControllerConfig struct {
	StartConcurrency    int
	MaxConcurrency      int
	Increment           int
	StepDuration        time.Duration
	MaxErrorRatePct     float64
	LatencyStabilityPct float64
}

// Controller runs the adaptive max-concurrency search: ramp the task pool
// in fixed-duration steps, compare each step's latency against the first
// step's baseline, and stop at the first unstable step or the concurrency
// ceiling. Each step is recorded through onStep as it completes.
type Controller struct {
	workerID string
	cfg      ControllerConfig
	pool     scaler
	window   *StepWindow
	onStep   func(ctx context.Context, step *model.StepRecord) error

	scaleCh  chan int
	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	stopReason string
}

// NewController creates a controller. onStep is invoked once per completed
// step, in order.
func NewController(workerID string, cfg ControllerConfig, pool scaler,
	window *StepWindow, onStep func(ctx context.Context, step *model.StepRecord) error) *Controller {

	return &Controller{
		workerID: workerID,
		cfg:      cfg,
		pool:     pool,
		window:   window,
		onStep:   onStep,
		scaleCh:  make(chan int, 1),
		stopCh:   make(chan struct{}),
	}
}

// Stop ends the search at the next check point. In-flight operations run
// to completion.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	if c.stopReason == "" {
		c.stopReason = reason
	}
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// ScaleOverride requests a different concurrency target, applied at the
// next step boundary. A later override replaces an undelivered earlier one.
func (c *Controller) ScaleOverride(target int) {
	select {
	case c.scaleCh <- target:
	default:
		select {
		case <-c.scaleCh:
		default:
		}
		c.scaleCh <- target
	}
}

// Run executes the search until an unstable step, the ceiling, or a stop
// signal. It always returns a result; the error reports step persistence
// failures only.
func (c *Controller) Run(ctx context.Context) (*model.WorkerResult, error) {
	defer c.pool.StopAll()

	result := &model.WorkerResult{WorkerID: c.workerID}
	current := c.cfg.StartConcurrency
	stepIndex := 0
	var baselineP95, baselineP99 float64
	var lastStable *model.StepRecord

	for {
		c.pool.ScaleTo(ctx, current)
		c.window.Reset()
		started := time.Now()

		stopped, override := c.waitStep(ctx)
		if stopped != "" {
			result.StopReason = stopped
			break
		}

		metrics := c.window.Snapshot(time.Since(started))
		step := c.buildStep(stepIndex, current, started, metrics)
		if stepIndex == 0 {
			baselineP95 = metrics.P95LatencyMs
			baselineP99 = metrics.P99LatencyMs
		}
		step.Stable, step.StopReason = c.evaluate(metrics, baselineP95, baselineP99)

		if err := c.onStep(ctx, step); err != nil {
			return result, err
		}
		result.Steps = append(result.Steps, *step)
		stepIndex++

		logger.Info("step completed",
			zap.String("worker_id", c.workerID),
			zap.Int("step_index", step.StepIndex),
			zap.Int("concurrency", step.Concurrency),
			zap.Float64("qps", step.QPS),
			zap.Float64("p95_latency_ms", step.P95LatencyMs),
			zap.Bool("stable", step.Stable),
		)

		if step.Stable {
			stable := *step
			lastStable = &stable
		}

		if !step.Stable {
			result.StopReason = step.StopReason
			// One confirmatory step back at the last stable level. Its
			// outcome is recorded but never changes the reported result.
			if lastStable != nil {
				backoff := c.runBackoffStep(ctx, stepIndex, lastStable.Concurrency, baselineP95, baselineP99)
				if backoff != nil {
					if err := c.onStep(ctx, backoff); err != nil {
						return result, err
					}
					result.Steps = append(result.Steps, *backoff)
				}
			}
			break
		}

		if current >= c.cfg.MaxConcurrency {
			result.StopReason = StopReasonMaxWorkers
			break
		}

		next := current + c.cfg.Increment
		if override > 0 {
			next = override
		}
		if next > c.cfg.MaxConcurrency {
			next = c.cfg.MaxConcurrency
		}
		current = next
	}

	if lastStable != nil {
		result.FinalBestConcurrency = lastStable.Concurrency
		result.FinalBestQPS = lastStable.QPS
	}
	return result, nil
}

// waitStep blocks for one step duration, collecting scale overrides and
// watching for stop signals.
func (c *Controller) waitStep(ctx context.Context) (stopped string, override int) {
	timer := time.NewTimer(c.cfg.StepDuration)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return "", override
		case n := <-c.scaleCh:
			override = n
		case <-c.stopCh:
			return c.reason(), override
		case <-ctx.Done():
			return StopReasonStopped, override
		}
	}
}

// runBackoffStep re-measures at the last stable concurrency after an
// unstable observation. Returns nil when interrupted mid-step.
func (c *Controller) runBackoffStep(ctx context.Context, stepIndex, concurrency int,
	baselineP95, baselineP99 float64) *model.StepRecord {

	c.pool.ScaleTo(ctx, concurrency)
	c.window.Reset()
	started := time.Now()

	if stopped, _ := c.waitStep(ctx); stopped != "" {
		return nil
	}

	metrics := c.window.Snapshot(time.Since(started))
	step := c.buildStep(stepIndex, concurrency, started, metrics)
	step.IsBackoff = true
	step.Stable, step.StopReason = c.evaluate(metrics, baselineP95, baselineP99)
	return step
}

func (c *Controller) buildStep(index, concurrency int, started time.Time, m WindowMetrics) *model.StepRecord {
	return &model.StepRecord{
		StepIndex:    index,
		Concurrency:  concurrency,
		QPS:          m.QPS,
		P95LatencyMs: m.P95LatencyMs,
		P99LatencyMs: m.P99LatencyMs,
		ErrorRatePct: m.ErrorRatePct,
		KindMetrics:  m.PerKind,
		StartedAt:    started,
		EndedAt:      time.Now(),
	}
}

// evaluate applies the stability contract: the error bound plus latency
// guardrails at baseline * (1 + 2*stability_pct/100). The widened factor
// gives the baseline room to drift over a long ramp.
func (c *Controller) evaluate(m WindowMetrics, baselineP95, baselineP99 float64) (bool, string) {
	if m.ErrorRatePct > c.cfg.MaxErrorRatePct {
		return false, StopReasonErrorRate
	}
	allowance := 1 + 2*c.cfg.LatencyStabilityPct/100
	if baselineP95 > 0 && m.P95LatencyMs > baselineP95*allowance {
		return false, StopReasonP95
	}
	if baselineP99 > 0 && m.P99LatencyMs > baselineP99*allowance {
		return false, StopReasonP99
	}
	return true, ""
}

func (c *Controller) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopReason == "" {
		return StopReasonStopped
	}
	return c.stopReason
}
