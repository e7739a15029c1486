package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics the core publishes to.
const (
	TopicChangeDriver = "changedriver"
	TopicStopAndGo    = "stopandgo"
)

// RoundTopic is the topic of a round's dashboard updates.
func RoundTopic(roundID int64) string { return fmt.Sprintf("round.%d", roundID) }

// LaneTopic is the topic of a pit lane display.
func LaneTopic(lane int) string { return fmt.Sprintf("lane.%d", lane) }

// Type names an event kind.
type Type string

const (
	TypeRoundUpdate        Type = "round_update"
	TypePauseUpdate        Type = "pause_update"
	TypeSessionUpdate      Type = "session_update"
	TypeLaneUpdate         Type = "lane.update"
	TypeRCLaneUpdate       Type = "rclane.update"
	TypeChangeDriverUpdate Type = "changedriver.update"
	TypePenaltyRequired    Type = "penalty_required"
	TypePenaltyCancelled   Type = "penalty_cancelled"
	TypePenaltyDelayed     Type = "penalty_delayed"
	TypeResetStation       Type = "reset_station"
	TypePenaltyQueueUpdate Type = "penalty_queue_update"
	TypeFenceStatus        Type = "fence_status"
)

// Event is a state change notification addressed to one topic.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Topic     string          `json:"topic"`
	Type      Type            `json:"type"`
	RoundID   int64           `json:"round_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an event with a fresh id. The payload is marshalled to JSON.
func New(topic string, typ Type, roundID int64, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:        uuid.New(),
		Topic:     topic,
		Type:      typ,
		RoundID:   roundID,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// Bus publishes events to subscribers.
type Bus interface {
	Publish(ctx context.Context, event Event) error
}

// BusFunc adapts a function to a Bus.
type BusFunc func(ctx context.Context, event Event) error

func (f BusFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }
