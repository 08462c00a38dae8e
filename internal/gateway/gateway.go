// Package gateway is the HTTP integration endpoint for a managed WebSocket
// gateway. The gateway owns the sockets and forwards each connect, disconnect
// and message as a JSON envelope; replies go back out through the transport.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voxrelay/voxrelay/internal/message"
	appctx "github.com/voxrelay/voxrelay/internal/pkg/context"
	apperrors "github.com/voxrelay/voxrelay/internal/pkg/errors"
	"github.com/voxrelay/voxrelay/internal/pkg/logger"
	"github.com/voxrelay/voxrelay/internal/pipeline"
)

// Coordinator handles the three lifecycle routes.
type Coordinator interface {
	Connect(ctx context.Context, ec message.EndpointContext) pipeline.Result
	Disconnect(ctx context.Context, connectionID string) pipeline.Result
	HandleMessage(ctx context.Context, ec message.EndpointContext, raw []byte) pipeline.Result
}

// Request is the envelope the gateway posts for every route.
type Request struct {
	RequestContext message.EndpointContext `json:"requestContext"`
	Body           string                  `json:"body"`
}

// Response mirrors the integration response shape.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Handler serves /v1/gateway/*.
type Handler struct {
	coord   Coordinator
	log     *logger.Logger
	maxBody int64
}

// NewHandler creates a gateway handler. Bodies over maxBody bytes are rejected.
func NewHandler(coord Coordinator, log *logger.Logger, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	return &Handler{coord: coord, log: log.WithComponent("gateway"), maxBody: maxBody}
}

// RegisterRoutes registers gateway routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/gateway/connect", h.handleConnect)
	mux.HandleFunc("POST /v1/gateway/disconnect", h.handleDisconnect)
	mux.HandleFunc("POST /v1/gateway/message", h.handleMessage)
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	ctx := appctx.WithConnectionID(r.Context(), req.RequestContext.ConnectionID)
	writeResult(w, h.coord.Connect(ctx, req.RequestContext))
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	// The gateway does not wait on disconnect cleanup.
	ctx := appctx.WithConnectionID(context.WithoutCancel(r.Context()), req.RequestContext.ConnectionID)
	writeResult(w, h.coord.Disconnect(ctx, req.RequestContext.ConnectionID))
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	ctx := appctx.WithConnectionID(r.Context(), req.RequestContext.ConnectionID)
	writeResult(w, h.coord.HandleMessage(ctx, req.RequestContext, []byte(req.Body)))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (Request, bool) {
	var req Request
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperrors.MalformedRequestError("Request body too large"))
			return req, false
		}
		h.log.WithContext(r.Context()).Debug("Invalid integration envelope", "path", r.URL.Path, "error", err)
		writeError(w, apperrors.MalformedRequestError("Invalid integration envelope"))
		return req, false
	}
	return req, true
}

func writeResult(w http.ResponseWriter, res pipeline.Result) {
	writeJSON(w, res.Status, Response{StatusCode: res.Status, Body: res.Body})
}

func writeError(w http.ResponseWriter, err error) {
	status := apperrors.StatusOf(err)
	body, _ := json.Marshal(apperrors.Response(err))
	writeJSON(w, status, Response{StatusCode: status, Body: string(body)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
