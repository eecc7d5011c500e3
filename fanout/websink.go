package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/metric"
	"github.com/c360/relaygate/router"
)

const (
	webSinkName = "public-stream"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsClient is one connected streaming consumer. The write mutex guards
// concurrent writes to the same connection (deliveries and pings).
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	addr    string
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// WebSink streams post-dedup events to every connected /ws client as
// individual JSON frames. A write error closes that client; the other
// clients are unaffected.
type WebSink struct {
	registry *metric.MetricsRegistry
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	started bool
	stopped bool

	framesSent atomic.Int64
	connected  atomic.Int64
}

// NewWebSink creates the public stream sink. It is mounted on the
// gateway mux via Handler.
func NewWebSink(registry *metric.MetricsRegistry, log *slog.Logger) *WebSink {
	if log == nil {
		log = slog.Default()
	}
	return &WebSink{
		registry: registry,
		log:      log.With("component", webSinkName),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The stream is public; origin policy is the deployment's
			// concern, not the gateway's.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Name implements fanout.Sink and component.LifecycleComponent.
func (w *WebSink) Name() string { return webSinkName }

func (w *WebSink) Initialize() error { return nil }

func (w *WebSink) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "WebSink", "Start", "check lifecycle")
	}
	w.started = true
	return nil
}

// Stop closes every connected client.
func (w *WebSink) Stop(_ time.Duration) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	clients := make([]*wsClient, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	w.clients = make(map[*wsClient]struct{})
	w.mu.Unlock()

	for _, c := range clients {
		_ = c.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = c.conn.Close()
	}
	w.log.Info("public stream sink stopped", "frames_sent", w.framesSent.Load())
	return nil
}

// Deliver writes every event in the batch to every connected client.
func (w *WebSink) Deliver(_ context.Context, b *router.Batch) error {
	w.mu.Lock()
	clients := make([]*wsClient, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.Unlock()
	if len(clients) == 0 {
		return nil
	}

	frames := make([][]byte, 0, len(b.Events))
	for _, ev := range b.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			w.log.Warn("event did not serialize", "event_id", ev.ID, "error", err)
			continue
		}
		frames = append(frames, data)
	}

	for _, c := range clients {
		for _, frame := range frames {
			if err := c.write(websocket.TextMessage, frame); err != nil {
				w.log.Info("client write failed, closing", "addr", c.addr, "error", err)
				w.removeClient(c)
				break
			}
			w.framesSent.Add(1)
		}
	}
	return nil
}

// Handler upgrades /ws requests and tracks the client until it
// disconnects.
func (w *WebSink) Handler() http.HandlerFunc {
	return func(wr http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		if !w.started || w.stopped {
			w.mu.Unlock()
			http.Error(wr, "stream unavailable", http.StatusServiceUnavailable)
			return
		}
		w.mu.Unlock()

		conn, err := w.upgrader.Upgrade(wr, r, nil)
		if err != nil {
			w.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		client := &wsClient{conn: conn, addr: r.RemoteAddr}
		w.mu.Lock()
		w.clients[client] = struct{}{}
		w.mu.Unlock()
		w.connected.Add(1)
		w.log.Info("stream client connected", "addr", client.addr)

		go w.pingLoop(client)
		go w.readLoop(client)
	}
}

// ClientCount reports currently connected clients.
func (w *WebSink) ClientCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

// Health implements component.HealthChecker. The sink is healthy while
// running, with or without clients.
func (w *WebSink) Health() component.HealthStatus {
	w.mu.Lock()
	started, stopped := w.started, w.stopped
	w.mu.Unlock()

	status := component.HealthStatus{
		LastCheck:       time.Now(),
		EventsProcessed: w.framesSent.Load(),
	}
	switch {
	case stopped:
		status.LastError = errors.ErrAlreadyStopped.Error()
	case !started:
		status.LastError = errors.ErrNotStarted.Error()
	default:
		status.Healthy = true
	}
	return status
}

func (w *WebSink) removeClient(c *wsClient) {
	w.mu.Lock()
	_, present := w.clients[c]
	delete(w.clients, c)
	w.mu.Unlock()
	if present {
		_ = c.conn.Close()
	}
}

// readLoop consumes inbound frames so control messages are processed;
// the public stream is write-only otherwise.
func (w *WebSink) readLoop(c *wsClient) {
	defer w.removeClient(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *WebSink) pingLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		w.mu.Lock()
		_, present := w.clients[c]
		w.mu.Unlock()
		if !present {
			return
		}
		if err := c.write(websocket.PingMessage, nil); err != nil {
			w.removeClient(c)
			return
		}
	}
}
