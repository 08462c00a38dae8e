package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	appctx "github.com/voxrelay/voxrelay/internal/pkg/context"
	"github.com/voxrelay/voxrelay/internal/pkg/logger"
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status      string     `json:"status"`
	Version     string     `json:"version"`
	Transport   string     `json:"transport"`
	Connections int        `json:"connections"`
	Sockets     *int       `json:"sockets,omitempty"`
	Error       string     `json:"error,omitempty"`
	Meta        HealthMeta `json:"meta"`
}

// HealthMeta carries request metadata.
type HealthMeta struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// handleHealth reports healthy when the registry answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "ok",
		Version:   s.version,
		Transport: s.cfg.Transport.Type,
		Meta: HealthMeta{
			RequestID: appctx.GetRequestID(r.Context()),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if s.hub != nil {
		n := s.hub.Count()
		resp.Sockets = &n
	}

	status := http.StatusOK
	n, err := s.registry.Count(ctx)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("Health check failed")
		status = http.StatusServiceUnavailable
		resp.Status = "degraded"
		resp.Error = "registry unavailable"
	}
	resp.Connections = n

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// wrapWithLogging logs every request once it completes.
func wrapWithLogging(handler http.Handler, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create response writer wrapper to capture status
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		handler.ServeHTTP(wrapped, r)

		log.WithContext(r.Context()).Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the wrapper.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
