package lifecycle

import (
	"math/rand"
	"testing"

	"loadmesh/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestAcceptStatus_Forward(t *testing.T) {
	cases := []struct {
		current model.RunStatusValue
		next    model.RunStatusValue
		accept  bool
	}{
		{"", model.RunStatusPrepared, true},
		{model.RunStatusPrepared, model.RunStatusStarting, true},
		{model.RunStatusStarting, model.RunStatusRunning, true},
		{model.RunStatusRunning, model.RunStatusCancelling, true},
		{model.RunStatusCancelling, model.RunStatusCancelled, true},
		{model.RunStatusRunning, model.RunStatusCompleted, true},
		// Duplicates are always accepted
		{model.RunStatusRunning, model.RunStatusRunning, true},
		{model.RunStatusCompleted, model.RunStatusCompleted, true},
		// Backwards moves are rejected
		{model.RunStatusRunning, model.RunStatusPrepared, false},
		{model.RunStatusCompleted, model.RunStatusRunning, false},
		{model.RunStatusCancelling, model.RunStatusRunning, false},
		// Terminal statuses rank equal, so a terminal override is allowed
		{model.RunStatusCompleted, model.RunStatusFailed, true},
		// Unknown next status is rejected
		{model.RunStatusRunning, "BOGUS", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.accept, AcceptStatus(c.current, c.next),
			"%s -> %s", c.current, c.next)
	}
}

func TestAcceptPhase_Guards(t *testing.T) {
	// A stray terminal phase must not short-circuit an active run.
	assert.False(t, AcceptPhase(model.RunPhaseRunning, model.RunPhaseCompleted, model.RunStatusRunning))
	assert.False(t, AcceptPhase(model.RunPhaseProcessing, model.RunPhaseCompleted, model.RunStatusCancelling))

	// Once the status is terminal only PROCESSING and COMPLETED may land.
	assert.True(t, AcceptPhase(model.RunPhaseRunning, model.RunPhaseProcessing, model.RunStatusCompleted))
	assert.True(t, AcceptPhase(model.RunPhaseProcessing, model.RunPhaseCompleted, model.RunStatusCompleted))
	assert.False(t, AcceptPhase(model.RunPhasePreparing, model.RunPhaseWarmup, model.RunStatusFailed))

	// Normal forward movement while running.
	assert.True(t, AcceptPhase(model.RunPhasePreparing, model.RunPhaseWarmup, model.RunStatusRunning))
	assert.True(t, AcceptPhase(model.RunPhaseWarmup, model.RunPhaseRunning, model.RunStatusRunning))
	assert.False(t, AcceptPhase(model.RunPhaseRunning, model.RunPhaseWarmup, model.RunStatusRunning))
}

func TestAcceptPhase_MeasurementAlias(t *testing.T) {
	// MEASUREMENT is the same rank as RUNNING in both directions.
	assert.True(t, AcceptPhase(model.RunPhaseRunning, model.RunPhaseMeasurement, model.RunStatusRunning))
	assert.True(t, AcceptPhase(model.RunPhaseMeasurement, model.RunPhaseRunning, model.RunStatusRunning))
	assert.True(t, AcceptPhase(model.RunPhaseMeasurement, model.RunPhaseProcessing, model.RunStatusCompleted))
}

// Deliver a fixed forward progression in arbitrary order with duplicates:
// the materialized pair must never decrease in rank.
func TestApply_MonotoneUnderShuffledDelivery(t *testing.T) {
	type update struct {
		status model.RunStatusValue
		phase  model.RunPhase
	}
	updates := []update{
		{model.RunStatusPrepared, model.RunPhasePreparing},
		{model.RunStatusStarting, model.RunPhasePreparing},
		{model.RunStatusRunning, model.RunPhaseWarmup},
		{model.RunStatusRunning, model.RunPhaseRunning},
		{model.RunStatusCompleted, model.RunPhaseProcessing},
		{model.RunStatusCompleted, model.RunPhaseCompleted},
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		// Duplicate every update once, then shuffle the delivery order.
		delivery := append(append([]update{}, updates...), updates...)
		rng.Shuffle(len(delivery), func(i, j int) {
			delivery[i], delivery[j] = delivery[j], delivery[i]
		})

		status := model.RunStatusValue("")
		phase := model.RunPhase("")
		for _, u := range delivery {
			newStatus, newPhase := Apply(status, phase, u.status, u.phase)
			assert.GreaterOrEqual(t, StatusRank[newStatus], StatusRank[status],
				"status rank decreased: %s -> %s", status, newStatus)
			assert.GreaterOrEqual(t, PhaseRank[newPhase], PhaseRank[phase],
				"phase rank decreased: %s -> %s", phase, newPhase)
			status, phase = newStatus, newPhase
		}
		// Every shuffled delivery of the full progression must converge.
		assert.Equal(t, model.RunStatusCompleted, status)
	}
}

func TestApply_DuplicateIsNoOp(t *testing.T) {
	status, phase := Apply(model.RunStatusRunning, model.RunPhaseRunning,
		model.RunStatusRunning, model.RunPhaseRunning)
	assert.Equal(t, model.RunStatusRunning, status)
	assert.Equal(t, model.RunPhaseRunning, phase)
}
