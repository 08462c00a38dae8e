// Package transport delivers outbound frames to client connections.
package transport

import (
	"context"
	"errors"

	"github.com/voxrelay/voxrelay/internal/message"
)

// ErrGone reports that the recipient connection no longer exists. Callers
// treat it as a stale registry entry, not a delivery failure.
var ErrGone = errors.New("connection gone")

// IsGone reports whether err carries ErrGone.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}

// Sender delivers a payload to one connection.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// SenderFactory returns the Sender able to reach connections behind an endpoint.
type SenderFactory interface {
	SenderFor(ctx context.Context, ec message.EndpointContext) (Sender, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, connectionID string, payload []byte) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, connectionID string, payload []byte) error {
	return f(ctx, connectionID, payload)
}

// Static is a SenderFactory that returns the same Sender for every endpoint.
type Static struct {
	Sender Sender
}

// SenderFor returns s.Sender.
func (s Static) SenderFor(context.Context, message.EndpointContext) (Sender, error) {
	return s.Sender, nil
}
