package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ControlEventType event types the orchestrator may emit
type ControlEventType string

const (
	EventSetPhase ControlEventType = "SET_PHASE"
	EventScaleTo  ControlEventType = "SCALE_TO"
	EventStop     ControlEventType = "STOP"
)

// SetPhasePayload payload of a SET_PHASE event
type SetPhasePayload struct {
	Phase RunPhase `json:"phase"`
}

// ScaleToPayload payload of a SCALE_TO event
type ScaleToPayload struct {
	Concurrency int `json:"concurrency"`
}

// StopPayload payload of a STOP event
type StopPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ControlEvent one sequenced entry in the per-run control log.
// Written only by the orchestrator, never mutated; workers consume it
// through a last-seen-sequence cursor so replays are no-ops.
type ControlEvent struct {
	RunID     string           `json:"run_id"`
	Sequence  int64            `json:"sequence"`
	Type      ControlEventType `json:"event_type"`
	Data      json.RawMessage  `json:"event_data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewSetPhaseEvent builds a SET_PHASE event (sequence assigned on append).
func NewSetPhaseEvent(runID string, phase RunPhase) *ControlEvent {
	data, _ := json.Marshal(SetPhasePayload{Phase: phase})
	return &ControlEvent{RunID: runID, Type: EventSetPhase, Data: data, Timestamp: time.Now()}
}

// NewScaleToEvent builds a SCALE_TO event.
func NewScaleToEvent(runID string, concurrency int) *ControlEvent {
	data, _ := json.Marshal(ScaleToPayload{Concurrency: concurrency})
	return &ControlEvent{RunID: runID, Type: EventScaleTo, Data: data, Timestamp: time.Now()}
}

// NewStopEvent builds a STOP event.
func NewStopEvent(runID, reason string) *ControlEvent {
	data, _ := json.Marshal(StopPayload{Reason: reason})
	return &ControlEvent{RunID: runID, Type: EventStop, Data: data, Timestamp: time.Now()}
}

// SetPhase decodes the SET_PHASE payload.
func (e *ControlEvent) SetPhase() (SetPhasePayload, error) {
	var p SetPhasePayload
	if e.Type != EventSetPhase {
		return p, fmt.Errorf("event %d is %s, not SET_PHASE", e.Sequence, e.Type)
	}
	err := json.Unmarshal(e.Data, &p)
	return p, err
}

// ScaleTo decodes the SCALE_TO payload.
func (e *ControlEvent) ScaleTo() (ScaleToPayload, error) {
	var p ScaleToPayload
	if e.Type != EventScaleTo {
		return p, fmt.Errorf("event %d is %s, not SCALE_TO", e.Sequence, e.Type)
	}
	err := json.Unmarshal(e.Data, &p)
	return p, err
}

// Stop decodes the STOP payload.
func (e *ControlEvent) Stop() (StopPayload, error) {
	var p StopPayload
	if e.Type != EventStop {
		return p, fmt.Errorf("event %d is %s, not STOP", e.Sequence, e.Type)
	}
	err := json.Unmarshal(e.Data, &p)
	return p, err
}
