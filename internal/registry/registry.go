// Package registry tracks the live set of client connections and their metadata.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for an unknown connection.
var ErrNotFound = errors.New("connection not found")

// Connection is the stored record of one live session.
type Connection struct {
	ID              string    `json:"id"`
	ConnectedAt     time.Time `json:"connected_at"`
	DisplayName     string    `json:"display_name,omitempty"`
	DomainName      string    `json:"domain_name,omitempty"`
	Stage           string    `json:"stage,omitempty"`
	ClientTimestamp string    `json:"client_timestamp,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Metadata is written by Register.
type Metadata struct {
	ConnectedAt time.Time
	DomainName  string
	Stage       string
}

// Fields is a partial update. Empty values leave the stored value unchanged.
type Fields struct {
	DisplayName     string
	ClientTimestamp string
	DomainName      string
	Stage           string
}

// Registry is the durable set of live connections.
//
// Register overwrites. Unregister of an unknown id is not an error. UpdateMetadata
// creates the record when it does not exist. ListAll is a point-in-time snapshot.
type Registry interface {
	Register(ctx context.Context, id string, meta Metadata) error
	Unregister(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]string, error)
	UpdateMetadata(ctx context.Context, id string, fields Fields) error
	Get(ctx context.Context, id string) (*Connection, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// merge applies non-empty fields onto conn.
func merge(conn *Connection, fields Fields, now time.Time) {
	if fields.DisplayName != "" {
		conn.DisplayName = fields.DisplayName
	}
	if fields.ClientTimestamp != "" {
		conn.ClientTimestamp = fields.ClientTimestamp
	}
	if fields.DomainName != "" {
		conn.DomainName = fields.DomainName
	}
	if fields.Stage != "" {
		conn.Stage = fields.Stage
	}
	conn.UpdatedAt = now
}

func connectedAt(meta Metadata, now time.Time) time.Time {
	if meta.ConnectedAt.IsZero() {
		return now
	}
	return meta.ConnectedAt.UTC()
}
