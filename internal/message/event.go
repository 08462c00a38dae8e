package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle marker carried by a PipelineEvent.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
)

// AudioMessage is the inbound message carried across the bus. Only sendaudio
// takes the pipeline path today; an empty Action is read as sendaudio so older
// event logs still replay.
type AudioMessage struct {
	Action             Action `json:"action"`
	Data               string `json:"data"`
	Author             string `json:"author"`
	SourceConnectionID string `json:"sourceConnectionId"`
}

// IsAudio reports whether the message belongs on the audio pipeline.
func (m AudioMessage) IsAudio() bool {
	return m.Action == "" || m.Action == ActionSendAudio
}

// PipelineEvent is handed from ingestion to the store-and-broadcast stage.
type PipelineEvent struct {
	ID               string          `json:"id"`
	Status           Status          `json:"status"`
	Message          AudioMessage    `json:"message"`
	WebsocketContext EndpointContext `json:"websocketContext"`
	IngestedAt       time.Time       `json:"ingestedAt"`
	S3Key            string          `json:"s3Key,omitempty"`
}

// NewPendingEvent builds the event published at ingestion.
func NewPendingEvent(req SendAudio, ec EndpointContext, now time.Time) PipelineEvent {
	return PipelineEvent{
		ID:     uuid.NewString(),
		Status: StatusPending,
		Message: AudioMessage{
			Action:             ActionSendAudio,
			Data:               req.Data,
			Author:             req.Author,
			SourceConnectionID: ec.ConnectionID,
		},
		WebsocketContext: ec,
		IngestedAt:       now.UTC(),
	}
}

// Processed derives the completion event for a stored blob.
func (e PipelineEvent) Processed(key string) PipelineEvent {
	out := e
	out.Status = StatusProcessed
	out.S3Key = key
	// Completion events never carry the payload again.
	out.Message.Data = ""
	return out
}

// PipelineEventFrom recovers a PipelineEvent from a bus payload. Payloads that went
// through a serializing backend arrive as generic JSON values.
func PipelineEventFrom(payload any) (PipelineEvent, error) {
	switch p := payload.(type) {
	case PipelineEvent:
		return p, nil
	case *PipelineEvent:
		if p == nil {
			return PipelineEvent{}, fmt.Errorf("nil pipeline event")
		}
		return *p, nil
	}

	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return PipelineEvent{}, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	var ev PipelineEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return PipelineEvent{}, fmt.Errorf("unmarshal pipeline event: %w", err)
	}
	return ev, nil
}
