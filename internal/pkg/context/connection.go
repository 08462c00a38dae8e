// Package context provides context utilities for the relay.
package context

import (
	"context"
)

type contextKey string

const (
	// ConnectionIDKey is the context key for storing connection ID
	ConnectionIDKey contextKey = "connection_id"

	// RequestIDKey is the context key for the per-invocation request ID
	RequestIDKey contextKey = "request_id"
)

// WithConnectionID adds a connection ID to the context.
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, connectionID)
}

// GetConnectionID retrieves the connection ID from context.
// Returns empty string if not found.
func GetConnectionID(ctx context.Context) string {
	if connectionID, ok := ctx.Value(ConnectionIDKey).(string); ok {
		return connectionID
	}
	return ""
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
