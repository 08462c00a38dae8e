// Package bus provides event bus implementations for handing work between
// pipeline stages.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
//
// Delivery is at-least-once and unordered; handlers must tolerate duplicates.
type Bus interface {
	// Publish enqueues an event on a topic. The returned Ack confirms enqueue only,
	// not processing.
	Publish(ctx context.Context, topic string, event Event) (Ack, error)

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "SendAudioEvent", "GameEvent").
	Type string `json:"type"`

	// Source is the component that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created (unix millis).
	Timestamp int64 `json:"timestamp"`

	// CorrelationID links related events (e.g., PENDING and PROCESSED audio).
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent stamps a fresh ID and timestamp.
func NewEvent(source, eventType string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// Ack acknowledges that an event was enqueued.
type Ack struct {
	EventID string `json:"event_id"`
	Topic   string `json:"topic"`

	// Backend position, when the backend has one.
	Partition int32  `json:"partition,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
}

// Topics used by the relay.
const (
	// TopicAudioPending carries validated audio awaiting store and broadcast.
	TopicAudioPending = "audio.pending"

	// TopicAudioProcessed announces audio that was stored and broadcast.
	TopicAudioProcessed = "audio.processed"

	// TopicGameEvent carries every generic client action for downstream consumers.
	TopicGameEvent = "game.event"
)
