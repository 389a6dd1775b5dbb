package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"loadmesh/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	eventsSuffix   = ":events"     // run:{run_id}:events -> list of ControlEvent JSON
	eventSeqSuffix = ":events:seq" // run:{run_id}:events:seq -> counter
)

// appendEventScript assigns the next sequence number and pushes the event
// in one atomic step, so sequences are strictly increasing and dense (the
// Nth list element always carries sequence N).
var appendEventScript = redis.NewScript(`
	local seq = redis.call('INCR', KEYS[1])
	local ev = cjson.decode(ARGV[1])
	ev['sequence'] = seq
	redis.call('RPUSH', KEYS[2], cjson.encode(ev))
	return seq
`)

// EventLog is the append-only, monotonically sequenced control stream.
// Written only by the orchestrator; workers consume it through a
// last-seen-sequence cursor, which makes replays no-ops.
type EventLog struct {
	redis *redis.Client
}

// NewEventLog creates event log
func NewEventLog(redisClient *RedisClient) *EventLog {
	return &EventLog{redis: redisClient.GetClient()}
}

func eventsKey(runID string) string   { return runKeyPrefix + runID + eventsSuffix }
func eventSeqKey(runID string) string { return runKeyPrefix + runID + eventSeqSuffix }

// Append writes the event and returns its assigned sequence number.
// The event's Sequence field is set on return.
func (l *EventLog) Append(ctx context.Context, event *model.ControlEvent) (int64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal control event: %w", err)
	}

	seq, err := appendEventScript.Run(ctx, l.redis,
		[]string{eventSeqKey(event.RunID), eventsKey(event.RunID)},
		string(data),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to append control event: %w", err)
	}
	event.Sequence = seq
	return seq, nil
}

// ReadFrom returns every event with sequence > lastSeen, in order.
// Sequences are dense, so the cursor doubles as a list offset.
func (l *EventLog) ReadFrom(ctx context.Context, runID string, lastSeen int64) ([]*model.ControlEvent, error) {
	items, err := l.redis.LRange(ctx, eventsKey(runID), lastSeen, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read control events: %w", err)
	}

	events := make([]*model.ControlEvent, 0, len(items))
	for _, item := range items {
		var ev model.ControlEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("malformed control event in log: %w", err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Length returns the number of events appended so far.
func (l *EventLog) Length(ctx context.Context, runID string) (int64, error) {
	n, err := l.redis.LLen(ctx, eventsKey(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get event log length: %w", err)
	}
	return n, nil
}

// Delete removes the log and its counter at run teardown.
func (l *EventLog) Delete(ctx context.Context, runID string) error {
	pipe := l.redis.Pipeline()
	pipe.Del(ctx, eventsKey(runID))
	pipe.Del(ctx, eventSeqKey(runID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete event log: %w", err)
	}
	return nil
}
