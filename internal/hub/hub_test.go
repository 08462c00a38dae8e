package hub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxrelay/voxrelay/internal/blob"
	"github.com/voxrelay/voxrelay/internal/broadcast"
	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/message"
	"github.com/voxrelay/voxrelay/internal/pkg/logger"
	"github.com/voxrelay/voxrelay/internal/pipeline"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/transport"
)

// --- helpers ----------------------------------------------------------------

type relay struct {
	hub      *Hub
	coord    *pipeline.Coordinator
	registry *registry.MemoryRegistry
	bus      *bus.MemoryBus
	wsURL    string
}

// startRelay wires a hub to a coordinator backed by in-memory dependencies.
func startRelay(t *testing.T, cfg Config, limiter Limiter) *relay {
	t.Helper()

	log := logger.Discard()
	store, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}

	r := &relay{
		hub:      New(cfg, log, limiter),
		registry: registry.NewMemoryRegistry(),
		bus:      bus.NewMemoryBus(log),
	}
	r.coord = pipeline.New(pipeline.Deps{
		Registry:    r.registry,
		Store:       store,
		Bus:         r.bus,
		Senders:     r.hub,
		Broadcaster: broadcast.New(broadcast.Config{Concurrency: 4}, log, nil),
		Log:         log,
	}, config.EventsConfig{})
	if err := r.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	srv := httptest.NewServer(r.hub.Handler(r.coord))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.hub.Shutdown(ctx)
		srv.Close()
		r.bus.Close()
	})

	r.wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return r
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (r *relay) connections(t *testing.T) []string {
	t.Helper()
	ids, err := r.registry.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	return ids
}

func readOutbound(t *testing.T, conn *websocket.Conn) (message.Action, map[string]any, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out struct {
		Action message.Action `json:"action"`
		Data   map[string]any `json:"data"`
	}
	json.Unmarshal(raw, &out)
	return out.Action, out.Data, raw
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Errorf("unexpected frame %s", raw)
	}
}

// identify sends connect and returns the connection id from the ack.
func identify(t *testing.T, conn *websocket.Conn, name string) string {
	t.Helper()
	frame := `{"action":"connect","username":"` + name + `","timestamp":"2026-01-01T00:00:00Z"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	action, data, _ := readOutbound(t, conn)
	if action != message.ActionConnectAck {
		t.Fatalf("action = %s, want connectack", action)
	}
	id, _ := data["connectionId"].(string)
	if id == "" {
		t.Fatal("connectack without connection id")
	}
	return id
}

// --- tests ------------------------------------------------------------------

func TestHub_ConnectRegisters(t *testing.T) {
	r := startRelay(t, Config{}, nil)

	dial(t, r.wsURL)
	dial(t, r.wsURL)

	waitFor(t, "two registrations", func() bool { return len(r.connections(t)) == 2 })
	if r.hub.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.hub.Count())
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	r := startRelay(t, Config{}, nil)

	conn := dial(t, r.wsURL)
	waitFor(t, "registration", func() bool { return len(r.connections(t)) == 1 })

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitFor(t, "unregistration", func() bool { return len(r.connections(t)) == 0 })
	waitFor(t, "socket removal", func() bool { return r.hub.Count() == 0 })
}

func TestHub_IdentifyAndPing(t *testing.T) {
	r := startRelay(t, Config{Stage: "prod"}, nil)

	a := dial(t, r.wsURL)
	b := dial(t, r.wsURL)

	id := identify(t, a, "ann")

	conn, err := r.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if conn.DisplayName != "ann" || conn.Stage != "prod" {
		t.Errorf("connection = %+v", conn)
	}

	a.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`))
	action, data, _ := readOutbound(t, a)
	if action != message.ActionPong || data["connectionId"] != id {
		t.Errorf("got %s %v, want pong for %s", action, data, id)
	}

	expectSilence(t, b)
}

func TestHub_GenericEventBroadcast(t *testing.T) {
	r := startRelay(t, Config{}, nil)

	a := dial(t, r.wsURL)
	b := dial(t, r.wsURL)
	c := dial(t, r.wsURL)
	waitFor(t, "registrations", func() bool { return len(r.connections(t)) == 3 })

	frame := `{"action":"move","x":1}`
	a.WriteMessage(websocket.TextMessage, []byte(frame))

	for _, conn := range []*websocket.Conn{b, c} {
		_, _, raw := readOutbound(t, conn)
		if string(raw) != frame {
			t.Errorf("received %s, want %s", raw, frame)
		}
	}
	expectSilence(t, a)
}

func TestHub_AudioRoundTrip(t *testing.T) {
	r := startRelay(t, Config{}, nil)

	a := dial(t, r.wsURL)
	b := dial(t, r.wsURL)
	waitFor(t, "registrations", func() bool { return len(r.connections(t)) == 2 })

	data := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{5}, 2048))
	frame, _ := json.Marshal(map[string]string{"action": "sendaudio", "data": data, "author": "ann"})
	a.WriteMessage(websocket.TextMessage, frame)

	action, payload, _ := readOutbound(t, b)
	if action != message.ActionAudio {
		t.Fatalf("action = %s, want audio", action)
	}
	if payload["audio"] != data || payload["author"] != "ann" {
		t.Errorf("audio payload mismatch: author %v", payload["author"])
	}

	// Exactly one delivery: no second copy arrives.
	expectSilence(t, b)
	expectSilence(t, a)
}

func TestHub_SendUnknownIsGone(t *testing.T) {
	h := New(Config{}, logger.Discard(), nil)

	err := h.Send(context.Background(), "nobody", []byte("{}"))
	if !transport.IsGone(err) {
		t.Errorf("Send(unknown) = %v, want ErrGone", err)
	}

	sender, err := h.SenderFor(context.Background(), message.EndpointContext{})
	if err != nil || sender != h {
		t.Errorf("SenderFor() = %v, %v; want the hub", sender, err)
	}
}

func TestHub_OriginCheck(t *testing.T) {
	r := startRelay(t, Config{AllowedOrigins: []string{"https://game.example.com"}}, nil)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, resp, err := websocket.DefaultDialer.Dial(r.wsURL, header); err == nil {
		t.Fatal("dial from disallowed origin succeeded")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	header = http.Header{"Origin": []string{"https://game.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL, header)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	conn.Close()
}

// denyAll rejects every frame after the first n.
type denyAll struct {
	mu     sync.Mutex
	allow  int
	forgot []string
}

func (d *denyAll) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.allow > 0 {
		d.allow--
		return true
	}
	return false
}

func (d *denyAll) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgot = append(d.forgot, key)
}

func TestHub_SocketRateLimit(t *testing.T) {
	limiter := &denyAll{allow: 1}
	r := startRelay(t, Config{}, limiter)

	a := dial(t, r.wsURL)
	waitFor(t, "registration", func() bool { return len(r.connections(t)) == 1 })

	a.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`))
	if action, _, _ := readOutbound(t, a); action != message.ActionPong {
		t.Fatalf("first ping got %s, want pong", action)
	}

	a.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`))
	expectSilence(t, a)

	a.Close()
	waitFor(t, "limiter cleanup", func() bool {
		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		return len(limiter.forgot) == 1
	})
}

func TestHub_Shutdown(t *testing.T) {
	r := startRelay(t, Config{}, nil)

	conn := dial(t, r.wsURL)
	waitFor(t, "registration", func() bool { return len(r.connections(t)) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.hub.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage() error = %v, want normal close", err)
	}
	if len(r.connections(t)) != 0 {
		t.Error("connection still registered after shutdown")
	}
	if r.hub.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.hub.Count())
	}
}
