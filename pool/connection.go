package pool

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/event"
	"github.com/c360/relaygate/metric"
	"github.com/c360/relaygate/pkg/retry"
	"github.com/c360/relaygate/pkg/worker"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	// maxFrameBytes bounds a single inbound frame. Events are small; a
	// multi-megabyte frame means the relay is misbehaving.
	maxFrameBytes = 1 << 20
)

type connConfig struct {
	url             string
	allowedKinds    []uint16
	maxEventsPerSec int
	hcInterval      time.Duration
	out             chan<- SourcedEvent
	verify          *worker.Pool[verifyJob]
	core            *metric.Metrics
	log             *slog.Logger
}

// Connection drives one upstream relay through its connection states:
// Disconnected, Connecting, Connected, Backoff, Unhealthy, Removed. The
// run goroutine owns all transitions; admin and health callers only read
// snapshots or close the socket to force the loop around.
type Connection struct {
	url        string
	subID      string
	filter     event.Filter
	limiter    *rate.Limiter
	backoff    retry.Backoff
	hcInterval time.Duration

	out    chan<- SourcedEvent
	verify *worker.Pool[verifyJob]
	core   *metric.Metrics
	log    *slog.Logger

	mu          sync.Mutex
	state       EndpointState
	stateSince  time.Time
	failures    int
	lastInbound time.Time
	ws          *websocket.Conn

	eventsReceived atomic.Int64
	invalidSigs    atomic.Int64
	rateLimited    atomic.Int64
	reconnects     atomic.Int64

	done chan struct{}
}

func newConnection(cfg connConfig) *Connection {
	c := &Connection{
		url:        cfg.url,
		subID:      "relaygate-" + uuid.NewString()[:8],
		filter:     event.Filter{Kinds: cfg.allowedKinds},
		backoff:    retry.DefaultBackoff(),
		hcInterval: cfg.hcInterval,
		out:        cfg.out,
		verify:     cfg.verify,
		core:       cfg.core,
		log:        cfg.log,
		state:      StateDisconnected,
		stateSince: time.Now(),
		done:       make(chan struct{}),
	}
	if cfg.maxEventsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.maxEventsPerSec), cfg.maxEventsPerSec)
	}
	return c
}

// run is the connection state machine. It dials, subscribes, and reads
// until ctx is cancelled, backing off between attempts. Exactly one run
// goroutine exists per endpoint; it closes c.done on exit.
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateRemoved)

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.recordError("dial_failed")
			c.log.Debug("relay dial failed", "url", c.url, "error", err)
			c.setState(StateBackoff)
			if !c.waitBackoff(ctx, c.noteFailure()) {
				return
			}
			continue
		}

		c.attach(ws)
		c.setState(StateConnected)
		c.recordStatus(true)
		c.log.Info("relay connected", "url", c.url, "subscription_id", c.subID)

		err = c.readLoop(ctx, ws)

		c.detach(ws)
		c.recordStatus(false)
		if ctx.Err() != nil {
			return
		}

		c.reconnects.Add(1)
		c.recordReconnect()
		c.log.Warn("relay connection lost", "url", c.url, "error", err)
		c.setState(StateBackoff)
		if !c.waitBackoff(ctx, c.noteFailure()) {
			return
		}
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	if err := c.subscribe(ws); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

// subscribe opens the event subscription. The kind filter, when
// configured, is pushed upstream so relays stop unwanted kinds at the
// source; the read loop still enforces it locally.
func (c *Connection) subscribe(ws *websocket.Conn) error {
	req := event.ReqEnvelope{
		SubscriptionID: c.subID,
		Filters:        []event.Filter{{Kinds: c.filter.Kinds}},
	}
	data, err := json.Marshal(&req)
	if err != nil {
		return err
	}
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes frames until the socket errors or the relay closes
// the subscription. Pings keep intermediaries from idling the socket
// out; the read deadline doubles as the heartbeat.
func (c *Connection) readLoop(ctx context.Context, ws *websocket.Conn) error {
	pongWait := 2 * c.hcInterval
	ws.SetReadLimit(maxFrameBytes)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	ws.SetPongHandler(func(string) error {
		c.noteInbound()
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go c.pingLoop(ws, pingStop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		c.noteInbound()

		env, err := event.ParseMessage(data)
		if err != nil {
			c.recordError(frameErrorType(err))
			c.log.Debug("skipping unusable frame", "url", c.url, "error", err)
			continue
		}

		switch env := env.(type) {
		case *event.EventEnvelope:
			if err := c.handleEvent(ctx, &env.Event); err != nil {
				return err
			}
		case *event.EOSEEnvelope:
			c.log.Debug("end of stored events", "url", c.url, "subscription_id", env.SubscriptionID)
		case *event.NoticeEnvelope:
			c.log.Info("relay notice", "url", c.url, "message", env.Message)
		case *event.OKEnvelope:
			c.log.Debug("publish acknowledged", "url", c.url, "event_id", env.EventID, "accepted", env.OK, "reason", env.Reason)
		case *event.ClosedEnvelope:
			return errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrSubscriptionFailed, env.Reason),
				"Connection", "readLoop", "resubscribe on reconnect")
		}
	}
}

// handleEvent runs the edge pipeline for one inbound event: rate ceiling,
// kind filter, signature verification, then a blocking push into the
// merged stream. A full output channel stops the read loop here, which
// backpressures the relay through the TCP window instead of dropping.
// Only context and shutdown errors propagate; bad events are counted and
// swallowed.
func (c *Connection) handleEvent(ctx context.Context, ev *event.Event) error {
	c.eventsReceived.Add(1)
	c.recordReceived()

	if c.limiter != nil && !c.limiter.Allow() {
		c.rateLimited.Add(1)
		c.recordError("rate_limited")
		return nil
	}
	if len(c.filter.Kinds) > 0 && !c.filter.Matches(ev) {
		c.recordError("unsolicited_kind")
		return nil
	}

	// One verification in flight per connection keeps per-relay arrival
	// order intact while the shared pool spreads schnorr across cores.
	job := verifyJob{ev: ev, done: make(chan error, 1)}
	if err := c.verify.SubmitWait(ctx, job); err != nil {
		return err
	}
	var verr error
	select {
	case verr = <-job.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if verr != nil {
		c.invalidSigs.Add(1)
		c.recordError("invalid_signature")
		c.log.Debug("dropping event with bad signature", "url", c.url, "event_id", ev.ID, "error", verr)
		return nil
	}

	c.recordLastEvent()
	select {
	case c.out <- SourcedEvent{Event: ev, Source: c.url}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.hcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Connection) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

func (c *Connection) detach(ws *websocket.Conn) {
	ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
}

// kick force-closes the current socket so a blocked read returns and the
// state machine comes around for a fresh dial. Safe from any goroutine.
func (c *Connection) kick() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

func (c *Connection) markUnhealthy() {
	c.setState(StateUnhealthy)
	c.kick()
}

func (c *Connection) setState(s EndpointState) {
	c.mu.Lock()
	if c.state != StateRemoved {
		c.state = s
		c.stateSince = time.Now()
	}
	c.mu.Unlock()
}

func (c *Connection) currentState() EndpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// noteInbound records traffic and clears the consecutive-failure counter.
// Any frame counts, pongs included.
func (c *Connection) noteInbound() {
	c.mu.Lock()
	c.lastInbound = time.Now()
	c.failures = 0
	c.mu.Unlock()
}

func (c *Connection) noteFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	return c.failures
}

// waitBackoff sleeps the jittered delay for the given attempt. Returns
// false when ctx was cancelled while waiting.
func (c *Connection) waitBackoff(ctx context.Context, attempt int) bool {
	delay := c.backoff.Delay(attempt)
	c.log.Debug("relay backoff", "url", c.url, "attempt", attempt, "delay", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// silentFor reports whether a connected endpoint has gone without inbound
// traffic beyond window. Endpoints still dialing are never silent; the
// read deadline covers those.
func (c *Connection) silentFor(window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	base := c.lastInbound
	if base.IsZero() || c.stateSince.After(base) {
		base = c.stateSince
	}
	return time.Since(base) > window
}

func (c *Connection) snapshot() EndpointStatus {
	c.mu.Lock()
	st := EndpointStatus{
		URL:                 c.url,
		State:               c.state,
		StateSince:          c.stateSince,
		ConsecutiveFailures: c.failures,
		LastInbound:         c.lastInbound,
	}
	c.mu.Unlock()

	st.EventsReceived = c.eventsReceived.Load()
	st.InvalidSignatures = c.invalidSigs.Load()
	st.RateLimited = c.rateLimited.Load()
	st.Reconnects = c.reconnects.Load()
	return st
}

func (c *Connection) recordReceived() {
	if c.core != nil {
		c.core.RecordEventReceived(serviceName, c.url)
	}
}

func (c *Connection) recordError(errorType string) {
	if c.core != nil {
		c.core.RecordError(serviceName, errorType)
	}
}

func (c *Connection) recordStatus(connected bool) {
	if c.core != nil {
		c.core.RecordUpstreamStatus(c.url, connected)
	}
}

func (c *Connection) recordReconnect() {
	if c.core != nil {
		c.core.RecordUpstreamReconnect(c.url)
	}
}

func (c *Connection) recordLastEvent() {
	if c.core != nil {
		c.core.RecordUpstreamLastEvent(c.url, time.Now())
	}
}

func frameErrorType(err error) string {
	if stderrors.Is(err, errors.ErrMalformedFrame) {
		return "malformed_frame"
	}
	return "protocol_violation"
}
