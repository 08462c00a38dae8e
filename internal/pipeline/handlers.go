package pipeline

import (
	"context"

	"github.com/voxrelay/voxrelay/internal/audio"
	"github.com/voxrelay/voxrelay/internal/blob"
	"github.com/voxrelay/voxrelay/internal/broadcast"
	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/message"
	apperrors "github.com/voxrelay/voxrelay/internal/pkg/errors"
	"github.com/voxrelay/voxrelay/internal/pkg/security"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/transport"
)

// reply delivers a server-originated message to the sender only. A gone
// sender is evicted.
func (c *Coordinator) reply(ctx context.Context, ec message.EndpointContext, action message.Action, data any) (*broadcast.Report, error) {
	sender, err := c.senderFor(ctx, ec)
	if err != nil {
		return nil, err
	}

	payload, err := message.Encode(action, data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "encoding reply", err)
	}

	if err := sender.Send(ctx, ec.ConnectionID, payload); err != nil {
		if transport.IsGone(err) {
			c.evict(ctx, ec.ConnectionID)
			return &broadcast.Report{Evicted: 1}, apperrors.DependencyError("transport", err)
		}
		return &broadcast.Report{Failed: 1}, apperrors.DependencyError("transport", err)
	}
	return &broadcast.Report{Sent: 1}, nil
}

// handlePing answers on the reply channel. A sender that is already gone is
// evicted like any stale broadcast recipient and does not fail the ping.
func (c *Coordinator) handlePing(ctx context.Context, ec message.EndpointContext) Result {
	report, err := c.reply(ctx, ec, message.ActionPong, message.PongData{
		ConnectionID: ec.ConnectionID,
		Timestamp:    c.timestamp(),
	})
	if err != nil && !transport.IsGone(err) {
		res := failure(StageFailed, err).after(StageValidated)
		res.Report = report
		return res
	}

	msg := "Pong sent"
	if err != nil {
		msg = "Connection gone"
	}
	res := success(StageBroadcastDone, messageBody{Message: msg, Report: report})
	res.Report = report
	return res
}

func (c *Coordinator) handleIdentify(ctx context.Context, ec message.EndpointContext, req message.Identify) Result {
	err := c.registry.UpdateMetadata(ctx, ec.ConnectionID, registry.Fields{
		DisplayName:     req.Username,
		ClientTimestamp: req.Timestamp,
		DomainName:      ec.DomainName,
		Stage:           ec.Stage,
	})
	if err != nil {
		return failure(StageFailed, apperrors.DependencyError("registry", err)).after(StageValidated)
	}

	report, err := c.reply(ctx, ec, message.ActionConnectAck, message.ConnectAckData{ConnectionID: ec.ConnectionID})
	if err != nil {
		res := failure(StageFailed, err).after(StageValidated)
		res.Report = report
		return res
	}

	c.log.WithConnection(ec.ConnectionID).Info("Connection identified", "username", security.SanitizeForLog(req.Username))

	res := success(StageBroadcastDone, messageBody{Message: "Connection processed successfully"})
	res.Report = report
	return res
}

// handleAudio is the ingestion stage: validate and hand off. Fan-out happens
// only in the second stage.
func (c *Coordinator) handleAudio(ctx context.Context, ec message.EndpointContext, req message.SendAudio) Result {
	if err := audio.Check(req.Data); err != nil {
		return failure(StageRejected, err).after(StageValidated)
	}

	pending := message.NewPendingEvent(req, ec, c.now())
	event := bus.Event{
		ID:            pending.ID,
		Type:          c.events.AudioType,
		Source:        c.events.AudioSource,
		Timestamp:     pending.IngestedAt.UnixMilli(),
		CorrelationID: pending.ID,
		Payload:       pending,
	}

	ack, err := c.bus.Publish(ctx, bus.TopicAudioPending, event)
	if err != nil {
		return failure(StageFailed, apperrors.DependencyError("bus", err)).after(StageValidated)
	}

	c.log.WithConnection(ec.ConnectionID).Debug("Audio accepted",
		"event_id", ack.EventID,
		"author", security.SanitizeForLog(req.Author),
	)
	return success(StagePublished, messageBody{Message: "Audio accepted", EventID: ack.EventID})
}

func (c *Coordinator) handlePending(ctx context.Context, event bus.Event) error {
	return c.ProcessPending(ctx, event).Err
}

// ProcessPending is the second audio stage: it re-validates, stores and
// broadcasts a PENDING event and then publishes its PROCESSED counterpart.
// Redelivery of the same event writes the same blob key.
func (c *Coordinator) ProcessPending(ctx context.Context, event bus.Event) Result {
	res := c.processPending(ctx, event)
	if !res.OK() {
		c.log.Warn("Audio processing failed",
			"event_id", event.ID,
			"stage", string(res.Stage),
			"from", string(res.From),
			"error", errString(res.Err),
		)
	}
	return c.record(bus.TopicAudioPending, res)
}

func (c *Coordinator) processPending(ctx context.Context, event bus.Event) Result {
	pending, err := message.PipelineEventFrom(event.Payload)
	if err != nil {
		return failure(StageRejected, apperrors.MalformedRequestError("Invalid pipeline event")).after(StagePublished)
	}
	if pending.Status != message.StatusPending {
		return success("", messageBody{Message: "Ignored non-pending event", EventID: pending.ID})
	}

	ec := pending.WebsocketContext
	if !ec.Complete() {
		return failure(StageRejected, apperrors.MalformedRequestError("Missing websocket context").
			WithDetail("event_id", pending.ID)).after(StagePublished)
	}
	if !pending.Message.IsAudio() {
		return failure(StageRejected, apperrors.MalformedRequestError("Unsupported pipeline action").
			WithDetail("action", string(pending.Message.Action))).after(StagePublished)
	}

	data, err := audio.Validate(pending.Message.Data)
	if err != nil {
		return failure(StageRejected, audio.AsAppError(err)).after(StagePublished)
	}

	author := pending.Message.Author
	if author == "" {
		author = message.DefaultAuthor
	}

	key := blob.KeyFor(author, pending.IngestedAt, data)
	if err := c.storeAudio(ctx, key, data, author, pending.ID); err != nil {
		return failure(StageFailed, apperrors.DependencyError("blob store", err)).after(StagePublished)
	}

	members, err := c.registry.ListAll(ctx)
	if err != nil {
		return failure(StageFailed, apperrors.DependencyError("registry", err)).after(StageStored)
	}

	sender, err := c.senderFor(ctx, ec)
	if err != nil {
		return failure(StageFailed, err).after(StageStored)
	}

	payload, err := message.Encode(message.ActionAudio, message.AudioData{
		Audio:     pending.Message.Data,
		Author:    author,
		Timestamp: c.timestamp(),
	})
	if err != nil {
		return failure(StageFailed, apperrors.Wrap(apperrors.CodeInternal, "encoding audio", err)).after(StageStored)
	}

	report := c.broadcaster.Broadcast(ctx, sender, members, payload, ec.ConnectionID, c.evict)

	processed := pending.Processed(key)
	done := bus.NewEvent(c.events.AudioSource, c.events.AudioType, processed)
	done.CorrelationID = pending.ID
	if _, err := c.bus.Publish(ctx, bus.TopicAudioProcessed, done); err != nil {
		res := failure(StageFailed, apperrors.DependencyError("bus", err)).after(StageStored)
		res.Report = &report
		return res
	}

	c.log.WithConnection(ec.ConnectionID).Info("Audio processed",
		"event_id", pending.ID,
		"key", key,
		"sent", report.Sent,
		"failed", report.Failed,
		"evicted", report.Evicted,
	)

	res := success(StageBroadcastDone, messageBody{Message: "Audio processed", EventID: pending.ID, Report: &report})
	res.Report = &report
	return res
}

// handleGeneric publishes the event for downstream consumers and rebroadcasts
// the raw frame to every other connection.
func (c *Coordinator) handleGeneric(ctx context.Context, ec message.EndpointContext, req message.GenericEvent) Result {
	members, err := c.registry.ListAll(ctx)
	if err != nil {
		return failure(StageFailed, apperrors.DependencyError("registry", err)).after(StageValidated)
	}

	sender, err := c.senderFor(ctx, ec)
	if err != nil {
		return failure(StageFailed, err).after(StageValidated)
	}

	event := bus.NewEvent(c.events.GameSource, c.events.GameType, req.Raw)
	ack, err := c.bus.Publish(ctx, bus.TopicGameEvent, event)
	if err != nil {
		return failure(StageFailed, apperrors.DependencyError("bus", err)).after(StageValidated)
	}

	report := c.broadcaster.Broadcast(ctx, sender, members, req.Raw, ec.ConnectionID, c.evict)

	res := success(StageBroadcastDone, messageBody{Message: "Event processed", EventID: ack.EventID, Report: &report})
	res.Report = &report
	return res
}

// storeAudio writes the clip unless a previous delivery of the same event
// already did. An Exists failure falls through to Put.
func (c *Coordinator) storeAudio(ctx context.Context, key string, data []byte, author, eventID string) error {
	if ok, err := c.store.Exists(ctx, key); err == nil && ok {
		c.log.Debug("Audio already stored", "key", key, "event_id", eventID)
		return nil
	}
	return c.store.Put(ctx, key, data,
		blob.WithMetadata("author", author),
		blob.WithMetadata("event-id", eventID),
	)
}
