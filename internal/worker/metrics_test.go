package worker

import (
	"testing"
	"time"

	"loadmesh/internal/target"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepWindow_Percentiles(t *testing.T) {
	window := NewStepWindow()
	for i := 1; i <= 100; i++ {
		window.Record(target.OpRead, time.Duration(i)*time.Millisecond, false)
	}

	m := window.Snapshot(time.Second)
	assert.Equal(t, int64(100), m.Operations)
	assert.InDelta(t, 100.0, m.QPS, 0.01)
	assert.InDelta(t, 95.0, m.P95LatencyMs, 0.01)
	assert.InDelta(t, 99.0, m.P99LatencyMs, 0.01)
	assert.Zero(t, m.ErrorRatePct)
}

func TestStepWindow_ErrorRateAndKinds(t *testing.T) {
	window := NewStepWindow()
	for i := 0; i < 8; i++ {
		window.Record(target.OpRead, 10*time.Millisecond, false)
	}
	window.Record(target.OpWrite, 30*time.Millisecond, true)
	window.Record(target.OpWrite, 30*time.Millisecond, false)

	m := window.Snapshot(2 * time.Second)
	assert.Equal(t, int64(10), m.Operations)
	assert.InDelta(t, 10.0, m.ErrorRatePct, 0.01)

	require.Contains(t, m.PerKind, string(target.OpRead))
	require.Contains(t, m.PerKind, string(target.OpWrite))
	reads := m.PerKind[string(target.OpRead)]
	writes := m.PerKind[string(target.OpWrite)]
	assert.Equal(t, int64(8), reads.Operations)
	assert.Zero(t, reads.ErrorRatePct)
	assert.Equal(t, int64(2), writes.Operations)
	assert.InDelta(t, 50.0, writes.ErrorRatePct, 0.01)
	assert.InDelta(t, 30.0, writes.P95LatencyMs, 0.01)
}

func TestStepWindow_ResetClearsSamples(t *testing.T) {
	window := NewStepWindow()
	window.Record(target.OpRead, 50*time.Millisecond, true)
	window.Reset()

	m := window.Snapshot(time.Second)
	assert.Zero(t, m.Operations)
	assert.Zero(t, m.P95LatencyMs)
	assert.Zero(t, m.ErrorRatePct)
}

func TestStepWindow_EmptyWindow(t *testing.T) {
	m := NewStepWindow().Snapshot(time.Second)
	assert.Zero(t, m.Operations)
	assert.Zero(t, m.QPS)
	assert.Zero(t, m.ErrorRatePct)
}
