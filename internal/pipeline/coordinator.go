// Package pipeline dispatches inbound client messages and runs the audio
// validate, publish, store and broadcast state machine.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxrelay/voxrelay/internal/blob"
	"github.com/voxrelay/voxrelay/internal/broadcast"
	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/message"
	apperrors "github.com/voxrelay/voxrelay/internal/pkg/errors"
	"github.com/voxrelay/voxrelay/internal/pkg/logger"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/transport"
)

// Recorder receives terminal stage outcomes.
// Declared here to avoid an import cycle with the metrics package.
type Recorder interface {
	RecordStage(action, stage string)
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Registry    registry.Registry
	Store       blob.Store
	Bus         bus.Bus
	Senders     transport.SenderFactory
	Broadcaster *broadcast.Broadcaster
	Log         *logger.Logger
	Metrics     Recorder
}

// Coordinator holds no per-message state; every entry point is independent.
type Coordinator struct {
	registry    registry.Registry
	store       blob.Store
	bus         bus.Bus
	senders     transport.SenderFactory
	broadcaster *broadcast.Broadcaster
	events      config.EventsConfig
	log         *logger.Logger
	metrics     Recorder
	now         func() time.Time
}

// New creates a Coordinator.
func New(deps Deps, events config.EventsConfig) *Coordinator {
	log := deps.Log
	if log == nil {
		log = logger.Default()
	}
	b := deps.Broadcaster
	if b == nil {
		b = broadcast.New(broadcast.Config{}, log, nil)
	}
	if events.AudioSource == "" {
		events.AudioSource = "voxrelay.audio"
	}
	if events.AudioType == "" {
		events.AudioType = "SendAudioEvent"
	}
	if events.GameSource == "" {
		events.GameSource = "voxrelay.game"
	}
	if events.GameType == "" {
		events.GameType = "GameEvent"
	}

	return &Coordinator{
		registry:    deps.Registry,
		store:       deps.Store,
		bus:         deps.Bus,
		senders:     deps.Senders,
		broadcaster: b,
		events:      events,
		log:         log.WithComponent("pipeline"),
		metrics:     deps.Metrics,
		now:         time.Now,
	}
}

// Start subscribes the second audio stage to the pending topic.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.bus.Subscribe(ctx, bus.TopicAudioPending, c.handlePending); err != nil {
		return apperrors.DependencyError("bus", err)
	}
	return nil
}

// Connect registers a newly opened connection.
func (c *Coordinator) Connect(ctx context.Context, ec message.EndpointContext) Result {
	if ec.ConnectionID == "" {
		return failure(StageRejected, apperrors.MalformedRequestError("Connection ID not found."))
	}
	log := c.log.WithContext(ctx).WithConnection(ec.ConnectionID)

	err := c.registry.Register(ctx, ec.ConnectionID, registry.Metadata{
		ConnectedAt: c.now(),
		DomainName:  ec.DomainName,
		Stage:       ec.Stage,
	})
	if err != nil {
		log.WithError(err).Error("Failed to register connection")
		return failure(StageFailed, apperrors.DependencyError("registry", err))
	}

	log.Info("Connection registered")
	return success("", messageBody{Message: "Connected."})
}

// Disconnect removes a closed connection. Removing an unknown id succeeds.
func (c *Coordinator) Disconnect(ctx context.Context, connectionID string) Result {
	if connectionID == "" {
		return failure(StageRejected, apperrors.MalformedRequestError("Connection ID not found."))
	}
	log := c.log.WithContext(ctx).WithConnection(connectionID)

	if log.Enabled(ctx, slog.LevelDebug) {
		_, err := c.registry.Get(ctx, connectionID)
		log.Debug("Disconnecting", "existed", err == nil)
	}

	if err := c.registry.Unregister(ctx, connectionID); err != nil {
		log.WithError(err).Error("Failed to unregister connection")
		return failure(StageFailed, apperrors.DependencyError("registry", err))
	}

	log.Info("Connection removed")
	return success("", messageBody{Message: "Disconnected."})
}

// HandleMessage processes one inbound frame from the connection in ec.
func (c *Coordinator) HandleMessage(ctx context.Context, ec message.EndpointContext, raw []byte) Result {
	if ec.ConnectionID == "" {
		return failure(StageRejected, apperrors.MalformedRequestError("Connection ID missing.")).after(StageReceived)
	}
	log := c.log.WithContext(ctx).WithConnection(ec.ConnectionID)

	req, err := message.Decode(raw)
	if err != nil {
		log.Warn("Rejected message", "error", err.Error())
		return c.record("invalid", failure(StageRejected, err).after(StageReceived))
	}

	var res Result
	switch r := req.(type) {
	case message.Ping:
		res = c.handlePing(ctx, ec)
	case message.Identify:
		res = c.handleIdentify(ctx, ec, r)
	case message.SendAudio:
		res = c.handleAudio(ctx, ec, r)
	case message.GenericEvent:
		res = c.handleGeneric(ctx, ec, r)
	}

	if !res.OK() {
		log.Warn("Message failed",
			"action", string(req.Action()),
			"stage", string(res.Stage),
			"from", string(res.From),
			"status", res.Status,
			"error", errString(res.Err),
		)
	}
	return c.record(actionLabel(req), res)
}

func (c *Coordinator) record(action string, res Result) Result {
	if c.metrics != nil && res.Stage != "" {
		c.metrics.RecordStage(action, string(res.Stage))
	}
	return res
}

// actionLabel keeps metric labels bounded; generic actions share one label.
func actionLabel(req message.Request) string {
	if _, ok := req.(message.GenericEvent); ok {
		return "generic"
	}
	return string(req.Action())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// evict is the broadcaster's stale callback.
func (c *Coordinator) evict(ctx context.Context, connectionID string) {
	if err := c.registry.Unregister(ctx, connectionID); err != nil {
		c.log.WithConnection(connectionID).WithError(err).Warn("Failed to evict stale connection")
		return
	}
	c.log.WithConnection(connectionID).Info("Evicted stale connection")
}

func (c *Coordinator) senderFor(ctx context.Context, ec message.EndpointContext) (transport.Sender, error) {
	s, err := c.senders.SenderFor(ctx, ec)
	if err != nil {
		if apperrors.CodeOf(err) != "" {
			return nil, err
		}
		return nil, apperrors.DependencyError("transport", err)
	}
	return s, nil
}

func (c *Coordinator) timestamp() string {
	return c.now().UTC().Format(time.RFC3339Nano)
}
