// Package hub is the self-hosted WebSocket endpoint. It assigns connection
// ids, feeds inbound frames to a MessageHandler and delivers outbound frames
// to the sockets it holds.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxrelay/voxrelay/internal/message"
	appctx "github.com/voxrelay/voxrelay/internal/pkg/context"
	"github.com/voxrelay/voxrelay/internal/pkg/logger"
	"github.com/voxrelay/voxrelay/internal/pipeline"
	"github.com/voxrelay/voxrelay/internal/transport"
)

// MessageHandler receives connection lifecycle and inbound frames.
type MessageHandler interface {
	Connect(ctx context.Context, ec message.EndpointContext) pipeline.Result
	Disconnect(ctx context.Context, connectionID string) pipeline.Result
	HandleMessage(ctx context.Context, ec message.EndpointContext, raw []byte) pipeline.Result
}

// Limiter throttles inbound frames per connection.
type Limiter interface {
	Allow(key string) bool
	Forget(key string)
}

// Config holds socket settings.
type Config struct {
	// Domain is reported as the endpoint domain; the request Host when empty.
	Domain string
	Stage  string

	SendBuffer      int
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64

	// AllowedOrigins restricts the Origin header; nil or "*" allows any.
	AllowedOrigins []string
}

func (c *Config) setDefaults() {
	if c.Stage == "" {
		c.Stage = "dev"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 8 << 20
	}
}

// Hub holds the locally attached sockets. It is a transport.Sender for them;
// unknown or closed ids report transport.ErrGone.
type Hub struct {
	cfg      Config
	log      *logger.Logger
	limiter  Limiter
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// client is one connected socket.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// New creates a Hub. limiter may be nil.
func New(cfg Config, log *logger.Logger, limiter Limiter) *Hub {
	cfg.setDefaults()
	if log == nil {
		log = logger.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:     cfg,
		log:     log.WithComponent("hub"),
		limiter: limiter,
		clients: make(map[string]*client),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.cfg.AllowedOrigins == nil {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Send queues payload for the connection. A missing connection or a full
// outgoing buffer reports transport.ErrGone; the slow socket is dropped.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	if !ok {
		h.mu.RUnlock()
		return fmt.Errorf("%w: %s", transport.ErrGone, connectionID)
	}

	select {
	case c.send <- payload:
		h.mu.RUnlock()
		return nil
	default:
	}
	h.mu.RUnlock()

	h.log.WithConnection(connectionID).Warn("Send buffer full, dropping connection")
	h.remove(c)
	return fmt.Errorf("%w: %s (send buffer full)", transport.ErrGone, connectionID)
}

// SenderFor returns the hub itself; every local socket is reachable.
func (h *Hub) SenderFor(context.Context, message.EndpointContext) (transport.Sender, error) {
	return h, nil
}

// Count returns the number of attached sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades requests and serves each socket with next. The returned
// handler blocks until the socket closes.
func (h *Hub) Handler(next MessageHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, next)
	})
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, next MessageHandler) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
	}

	domain := h.cfg.Domain
	if domain == "" {
		domain = r.Host
	}
	ec := message.EndpointContext{ConnectionID: c.id, DomainName: domain, Stage: h.cfg.Stage}

	ctx := appctx.WithConnectionID(h.ctx, c.id)
	if id := appctx.GetRequestID(r.Context()); id != "" {
		ctx = appctx.WithRequestID(ctx, id)
	}
	log := h.log.WithContext(ctx)

	if !h.add(c) {
		conn.Close()
		return
	}
	defer h.wg.Done()

	if res := next.Connect(ctx, ec); !res.OK() {
		log.Warn("Connect rejected", "status", res.Status)
		h.remove(c)
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(ctx, c, ec, next)

	// The socket is gone; the handler context may already be cancelled.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.WriteWait)
	defer cancel()
	next.Disconnect(dctx, c.id)

	if h.limiter != nil {
		h.limiter.Forget(c.id)
	}
	h.remove(c)
	log.Debug("Socket closed")
}

// add attaches c and counts it as in flight for Shutdown.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	return true
}

// remove detaches c and closes its send channel, which ends its write pump.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// readPump hands every text frame to next until the socket closes.
func (h *Hub) readPump(ctx context.Context, c *client, ec message.EndpointContext, next MessageHandler) {
	defer c.conn.Close()

	c.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	log := h.log.WithConnection(c.id)
	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Socket read ended", "error", err.Error())
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		if h.limiter != nil && !h.limiter.Allow(c.id) {
			log.Warn("Socket rate limit exceeded, dropping frame")
			continue
		}

		res := next.HandleMessage(ctx, ec, raw)
		if !res.OK() {
			log.Debug("Frame not accepted", "status", res.Status, "stage", string(res.Stage))
		}
	}
}

// writePump drains the send channel and keeps the socket alive with pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				// Removed by the hub.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown closes every socket and waits for their disconnect handling, up to
// ctx's deadline.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}
}
