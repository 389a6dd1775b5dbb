package target

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrSimulatedFailure is the error returned by failed simulated operations.
var ErrSimulatedFailure = errors.New("simulated operation failure")

// LatencyProfile describes how a simulated target behaves for one
// operation kind.
type LatencyProfile struct {
	BaseLatency time.Duration
	Jitter      time.Duration // uniform, added on top of base
	ErrorRate   float64       // 0..1 fraction of operations that fail
}

// SimulatedClient is an in-process target with programmable latency and
// error behavior. Tests and local runs use it in place of a real data
// system; the profile can be swapped mid-run to model degradation.
type SimulatedClient struct {
	mu       sync.RWMutex
	profiles map[OperationKind]LatencyProfile
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// NewSimulatedClient creates a simulated target with the same profile for
// every operation kind.
func NewSimulatedClient(profile LatencyProfile) *SimulatedClient {
	return &SimulatedClient{
		profiles: map[OperationKind]LatencyProfile{
			OpRead:  profile,
			OpWrite: profile,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetProfile replaces the profile for one operation kind.
func (c *SimulatedClient) SetProfile(kind OperationKind, profile LatencyProfile) {
	c.mu.Lock()
	c.profiles[kind] = profile
	c.mu.Unlock()
}

// Execute sleeps for the profiled latency and fails at the profiled rate.
// The workload value is ignored, there is no real row behind it.
func (c *SimulatedClient) Execute(ctx context.Context, kind OperationKind, _ string) (time.Duration, error) {
	c.mu.RLock()
	profile := c.profiles[kind]
	c.mu.RUnlock()

	latency := profile.BaseLatency
	if profile.Jitter > 0 {
		latency += time.Duration(c.randFloat() * float64(profile.Jitter))
	}

	if latency > 0 {
		start := time.Now()
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		}
	}

	if profile.ErrorRate > 0 && c.randFloat() < profile.ErrorRate {
		return latency, ErrSimulatedFailure
	}
	return latency, nil
}

func (c *SimulatedClient) randFloat() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}
