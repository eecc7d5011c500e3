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

const encSinkName = "encrypted-fanout"

// Follower is one registered subscriber of a bot, with the shared
// secret its payloads are sealed under.
type Follower struct {
	Pubkey       string
	SharedSecret string
}

// FollowerSource resolves the followers of an event author. Satisfied
// by the subscription registry (with its TTL cache in front of
// Postgres).
type FollowerSource interface {
	Followers(ctx context.Context, botPubkey string) ([]Follower, error)
}

// FanoutMessage is the envelope delivered to /fanout clients. Payload
// carries the event content sealed under the follower's shared secret.
type FanoutMessage struct {
	TargetPubkey    string `json:"target_pubkey"`
	BotPubkey       string `json:"bot_pubkey"`
	Kind            uint16 `json:"kind"`
	OriginalEventID string `json:"original_event_id"`
	Payload         string `json:"payload"`
}

// fanoutClient is one /fanout connection. A non-empty pubkey narrows
// delivery to messages targeting that follower.
type fanoutClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pubkey  string
	addr    string
}

func (c *fanoutClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// EncryptedSink encrypts each routed event per follower and streams the
// envelopes to /fanout clients. It only exists when the subscription
// registry is configured.
type EncryptedSink struct {
	source   FollowerSource
	registry *metric.MetricsRegistry
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*fanoutClient]struct{}
	started bool
	stopped bool

	sealed       atomic.Int64
	lookupErrors atomic.Int64
}

// NewEncryptedSink wires the sink to its follower source.
func NewEncryptedSink(source FollowerSource, registry *metric.MetricsRegistry, log *slog.Logger) *EncryptedSink {
	if log == nil {
		log = slog.Default()
	}
	return &EncryptedSink{
		source:   source,
		registry: registry,
		log:      log.With("component", encSinkName),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*fanoutClient]struct{}),
	}
}

// Name implements fanout.Sink and component.LifecycleComponent.
func (s *EncryptedSink) Name() string { return encSinkName }

func (s *EncryptedSink) Initialize() error {
	if s.source == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "EncryptedSink", "Initialize",
			"follower source is required")
	}
	return nil
}

func (s *EncryptedSink) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "EncryptedSink", "Start", "check lifecycle")
	}
	s.started = true
	return nil
}

func (s *EncryptedSink) Stop(_ time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	clients := make([]*fanoutClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*fanoutClient]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = c.conn.Close()
	}
	s.log.Info("encrypted fanout sink stopped", "envelopes_sealed", s.sealed.Load())
	return nil
}

// Deliver seals each batch member for every follower of its author and
// pushes the envelopes to matching clients. Follower lookup failures
// drop that event's fanout but never the batch.
func (s *EncryptedSink) Deliver(ctx context.Context, b *router.Batch) error {
	for _, ev := range b.Events {
		followers, err := s.source.Followers(ctx, ev.PubKey)
		if err != nil {
			s.lookupErrors.Add(1)
			s.log.Warn("follower lookup failed", "bot_pubkey", ev.PubKey, "error", err)
			continue
		}
		for _, f := range followers {
			payload, err := Encrypt(ev.Content, f.SharedSecret)
			if err != nil {
				s.log.Warn("payload encryption failed",
					"event_id", ev.ID, "follower", f.Pubkey, "error", err)
				continue
			}
			s.sealed.Add(1)
			s.send(&FanoutMessage{
				TargetPubkey:    f.Pubkey,
				BotPubkey:       ev.PubKey,
				Kind:            ev.Kind,
				OriginalEventID: ev.ID,
				Payload:         payload,
			})
		}
	}
	return nil
}

func (s *EncryptedSink) send(msg *FanoutMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("fanout message did not serialize", "event_id", msg.OriginalEventID, "error", err)
		return
	}

	s.mu.Lock()
	clients := make([]*fanoutClient, 0, len(s.clients))
	for c := range s.clients {
		if c.pubkey == "" || c.pubkey == msg.TargetPubkey {
			clients = append(clients, c)
		}
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			s.log.Info("fanout client write failed, closing", "addr", c.addr, "error", err)
			s.removeClient(c)
		}
	}
}

// Handler upgrades /fanout requests. An optional ?pubkey= query narrows
// the stream to envelopes for that follower.
func (s *EncryptedSink) Handler() http.HandlerFunc {
	return func(wr http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if !s.started || s.stopped {
			s.mu.Unlock()
			http.Error(wr, "fanout unavailable", http.StatusServiceUnavailable)
			return
		}
		s.mu.Unlock()

		conn, err := s.upgrader.Upgrade(wr, r, nil)
		if err != nil {
			s.log.Warn("fanout upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		client := &fanoutClient{
			conn:   conn,
			pubkey: r.URL.Query().Get("pubkey"),
			addr:   r.RemoteAddr,
		}
		s.mu.Lock()
		s.clients[client] = struct{}{}
		s.mu.Unlock()
		s.log.Info("fanout client connected", "addr", client.addr, "pubkey", client.pubkey)

		go s.pingLoop(client)
		go s.readLoop(client)
	}
}

// ClientCount reports currently connected fanout clients.
func (s *EncryptedSink) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Health implements component.HealthChecker.
func (s *EncryptedSink) Health() component.HealthStatus {
	s.mu.Lock()
	started, stopped := s.started, s.stopped
	s.mu.Unlock()

	status := component.HealthStatus{
		LastCheck:       time.Now(),
		EventsProcessed: s.sealed.Load(),
		ErrorCount:      int(s.lookupErrors.Load()),
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

func (s *EncryptedSink) removeClient(c *fanoutClient) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if present {
		_ = c.conn.Close()
	}
}

func (s *EncryptedSink) readLoop(c *fanoutClient) {
	defer s.removeClient(c)
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

func (s *EncryptedSink) pingLoop(c *fanoutClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		_, present := s.clients[c]
		s.mu.Unlock()
		if !present {
			return
		}
		if err := c.write(websocket.PingMessage, nil); err != nil {
			s.removeClient(c)
			return
		}
	}
}
