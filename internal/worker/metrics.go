package worker

import (
	"sort"
	"sync"
	"time"

	"loadmesh/internal/model"
	"loadmesh/internal/target"
)

// StepWindow collects per-operation samples for exactly one measurement
// step. It is reset at every step boundary so metrics reflect the current
// concurrency level, never a cumulative average.
type StepWindow struct {
	mu        sync.Mutex
	latencies map[target.OperationKind][]float64 // milliseconds
	errors    map[target.OperationKind]int64
}

// NewStepWindow creates an empty measurement window.
func NewStepWindow() *StepWindow {
	w := &StepWindow{}
	w.Reset()
	return w
}

// Record adds one operation sample to the window.
func (w *StepWindow) Record(kind target.OperationKind, latency time.Duration, failed bool) {
	ms := float64(latency) / float64(time.Millisecond)
	w.mu.Lock()
	w.latencies[kind] = append(w.latencies[kind], ms)
	if failed {
		w.errors[kind]++
	}
	w.mu.Unlock()
}

// Reset discards every sample. Called at each step boundary.
func (w *StepWindow) Reset() {
	w.mu.Lock()
	w.latencies = make(map[target.OperationKind][]float64)
	w.errors = make(map[target.OperationKind]int64)
	w.mu.Unlock()
}

// WindowMetrics aggregate numbers computed over one step window
type WindowMetrics struct {
	Operations   int64
	QPS          float64
	P95LatencyMs float64
	P99LatencyMs float64
	ErrorRatePct float64
	PerKind      map[string]model.KindMetrics
}

// Snapshot computes the window's metrics over the given elapsed duration.
func (w *StepWindow) Snapshot(elapsed time.Duration) WindowMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1
	}

	var all []float64
	var totalOps, totalErrs int64
	perKind := make(map[string]model.KindMetrics, len(w.latencies))

	for kind, samples := range w.latencies {
		ops := int64(len(samples))
		errs := w.errors[kind]
		totalOps += ops
		totalErrs += errs
		all = append(all, samples...)

		perKind[string(kind)] = model.KindMetrics{
			Operations:   ops,
			QPS:          float64(ops) / seconds,
			P95LatencyMs: percentile(samples, 0.95),
			P99LatencyMs: percentile(samples, 0.99),
			ErrorRatePct: errorRate(errs, ops),
		}
	}

	return WindowMetrics{
		Operations:   totalOps,
		QPS:          float64(totalOps) / seconds,
		P95LatencyMs: percentile(all, 0.95),
		P99LatencyMs: percentile(all, 0.99),
		ErrorRatePct: errorRate(totalErrs, totalOps),
		PerKind:      perKind,
	}
}

// percentile computes the nearest-rank percentile of the samples.
// The input slice is not modified.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func errorRate(errs, ops int64) float64 {
	if ops == 0 {
		return 0
	}
	return float64(errs) / float64(ops) * 100
}
