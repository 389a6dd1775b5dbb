package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingJob struct {
	name     string
	interval time.Duration
	panics   bool
	runs     atomic.Int32
}

func (j *countingJob) Name() string            { return j.name }
func (j *countingJob) Interval() time.Duration { return j.interval }

func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	if j.panics {
		panic("simulated job failure")
	}
	return nil
}

func TestManager_PanickingJobKeepsItsSchedule(t *testing.T) {
	m := NewManager(context.Background())
	job := &countingJob{name: "flaky", interval: 20 * time.Millisecond, panics: true}
	m.Register(job)
	m.Start()

	assert.Eventually(t, func() bool {
		return job.runs.Load() >= 3
	}, time.Second, 10*time.Millisecond, "job should keep ticking after a panic")

	m.Stop()
	m.Wait()
}

func TestManager_StopEndsAllJobs(t *testing.T) {
	m := NewManager(context.Background())
	job := &countingJob{name: "sweeper", interval: 10 * time.Millisecond}
	m.Register(job)
	m.Start()

	assert.Eventually(t, func() bool {
		return job.runs.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Wait()

	after := job.runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, job.runs.Load(), "no ticks after Stop")
}
