package pool

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/event"
)

// relayScript drives one accepted connection after the initial REQ has
// been read. req is the raw subscription frame.
type relayScript func(ws *websocket.Conn, sub string, req []byte)

func startFakeRelay(t *testing.T, script relayScript) (string, *atomic.Int64) {
	t.Helper()
	var upgrader websocket.Upgrader
	dials := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		dials.Add(1)

		_, req, err := ws.ReadMessage()
		if err != nil {
			return
		}
		script(ws, subscriptionID(req), req)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), dials
}

func subscriptionID(frame []byte) string {
	var arr []json.RawMessage
	if err := json.Unmarshal(frame, &arr); err != nil || len(arr) < 2 {
		return ""
	}
	var sub string
	_ = json.Unmarshal(arr[1], &sub)
	return sub
}

func sendEvent(ws *websocket.Conn, sub string, ev *event.Event) error {
	env := event.EventEnvelope{SubscriptionID: &sub, Event: *ev}
	data, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// holdOpen keeps reading so client pings are answered while a test
// observes the connection.
func holdOpen(ws *websocket.Conn, d time.Duration) {
	_ = ws.SetReadDeadline(time.Now().Add(d))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func signedEvent(t *testing.T, kind uint16, content string) *event.Event {
	t.Helper()
	sk, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	ev := &event.Event{CreatedAt: time.Now().Unix(), Kind: kind, Content: content}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func newTestPool(t *testing.T, cfg config.RelayConfig, kinds []uint16) *Pool {
	t.Helper()
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 8
	}
	if cfg.HealthCheckInterval.Duration == 0 {
		cfg.HealthCheckInterval = config.Duration{Duration: time.Second}
	}
	p := New(cfg, kinds, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, p.Initialize())
	return p
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(5 * time.Second) })
}

func receive(t *testing.T, p *Pool, within time.Duration) SourcedEvent {
	t.Helper()
	select {
	case got, ok := <-p.Events():
		require.True(t, ok, "event stream closed")
		return got
	case <-time.After(within):
		t.Fatal("timed out waiting for event")
		return SourcedEvent{}
	}
}

func TestPool_DeliversVerifiedEvents(t *testing.T) {
	valid := signedEvent(t, 30931, "on the wire")
	tampered := signedEvent(t, 30931, "original")
	tampered.Content = "changed after signing"

	url, _ := startFakeRelay(t, func(ws *websocket.Conn, sub string, _ []byte) {
		_ = sendEvent(ws, sub, tampered)
		_ = sendEvent(ws, sub, valid)
		holdOpen(ws, 5*time.Second)
	})

	p := newTestPool(t, config.RelayConfig{BootstrapRelays: []string{url}}, nil)
	startPool(t, p)

	got := receive(t, p, 5*time.Second)
	require.NotNil(t, got.Event)
	assert.Equal(t, valid.ID, got.Event.ID)
	assert.Equal(t, url, got.Source)

	require.Eventually(t, func() bool {
		snaps := p.Snapshot()
		return len(snaps) == 1 &&
			snaps[0].EventsReceived == 2 &&
			snaps[0].InvalidSignatures == 1
	}, 2*time.Second, 20*time.Millisecond, "tampered event should be counted and dropped")
}

func TestPool_SubscriptionCarriesKindFilter(t *testing.T) {
	gotReq := make(chan []byte, 1)
	url, _ := startFakeRelay(t, func(ws *websocket.Conn, _ string, req []byte) {
		gotReq <- req
		holdOpen(ws, 2*time.Second)
	})

	p := newTestPool(t, config.RelayConfig{BootstrapRelays: []string{url}}, []uint16{30931, 30932})
	startPool(t, p)

	select {
	case req := <-gotReq:
		assert.Contains(t, string(req), `"REQ"`)
		assert.Contains(t, string(req), `"kinds":[30931,30932]`)
	case <-time.After(5 * time.Second):
		t.Fatal("relay never received a subscription")
	}
}

func TestPool_KindFilterIsStrict(t *testing.T) {
	wanted := signedEvent(t, 30931, "wanted kind")
	unsolicited := signedEvent(t, 1, "relay ignored the filter")

	url, _ := startFakeRelay(t, func(ws *websocket.Conn, sub string, _ []byte) {
		_ = sendEvent(ws, sub, unsolicited)
		_ = sendEvent(ws, sub, wanted)
		holdOpen(ws, 5*time.Second)
	})

	p := newTestPool(t, config.RelayConfig{BootstrapRelays: []string{url}}, []uint16{30931})
	startPool(t, p)

	got := receive(t, p, 5*time.Second)
	assert.Equal(t, wanted.ID, got.Event.ID)

	select {
	case extra := <-p.Events():
		t.Fatalf("unsolicited kind reached the stream: %d", extra.Event.Kind)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPool_RateLimitCapsInbound(t *testing.T) {
	events := []*event.Event{
		signedEvent(t, 1, "first"),
		signedEvent(t, 1, "second"),
		signedEvent(t, 1, "third"),
	}

	url, _ := startFakeRelay(t, func(ws *websocket.Conn, sub string, _ []byte) {
		for _, ev := range events {
			_ = sendEvent(ws, sub, ev)
		}
		holdOpen(ws, 5*time.Second)
	})

	cfg := config.RelayConfig{BootstrapRelays: []string{url}, MaxEventsPerSec: 1}
	p := newTestPool(t, cfg, nil)
	startPool(t, p)

	got := receive(t, p, 5*time.Second)
	assert.Equal(t, events[0].ID, got.Event.ID, "first event should pass the bucket")

	select {
	case extra := <-p.Events():
		t.Fatalf("rate-limited event reached the stream: %s", extra.Event.ID)
	case <-time.After(400 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		snaps := p.Snapshot()
		return len(snaps) == 1 && snaps[0].RateLimited == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPool_ReconnectsAfterDisconnect(t *testing.T) {
	valid := signedEvent(t, 1, "after reconnect")

	var dials *atomic.Int64
	url, dials := startFakeRelay(t, func(ws *websocket.Conn, sub string, _ []byte) {
		if dials.Load() == 1 {
			return
		}
		_ = sendEvent(ws, sub, valid)
		holdOpen(ws, 5*time.Second)
	})

	p := newTestPool(t, config.RelayConfig{BootstrapRelays: []string{url}}, nil)
	startPool(t, p)

	got := receive(t, p, 10*time.Second)
	assert.Equal(t, valid.ID, got.Event.ID)
	assert.GreaterOrEqual(t, dials.Load(), int64(2))

	snaps := p.Snapshot()
	require.Len(t, snaps, 1)
	assert.GreaterOrEqual(t, snaps[0].Reconnects, int64(1))
}

func TestPool_AddRemove(t *testing.T) {
	url1, _ := startFakeRelay(t, func(ws *websocket.Conn, _ string, _ []byte) {
		holdOpen(ws, 10*time.Second)
	})
	url2, _ := startFakeRelay(t, func(ws *websocket.Conn, _ string, _ []byte) {
		holdOpen(ws, 10*time.Second)
	})

	p := newTestPool(t, config.RelayConfig{MaxConnections: 1}, nil)

	err := p.Add(url1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	startPool(t, p)

	require.NoError(t, p.Add(url1))
	require.NoError(t, p.Add(url1), "re-adding must be a no-op")
	assert.Len(t, p.Snapshot(), 1)

	require.NoError(t, p.Add(url2), "capacity overflow is logged, not an error")
	assert.Len(t, p.Snapshot(), 1)

	err = p.Add("http://not-a-websocket")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, p.Remove(url1))
	require.NoError(t, p.Remove(url1), "removing an unknown relay must be a no-op")
	assert.Empty(t, p.Snapshot())
}

func TestPool_Health(t *testing.T) {
	p := newTestPool(t, config.RelayConfig{}, nil)

	h := p.Health()
	assert.False(t, h.Healthy)
	assert.Equal(t, errors.ErrNotStarted.Error(), h.LastError)

	startPool(t, p)
	h = p.Health()
	assert.True(t, h.Healthy, "a pool with no relays configured is healthy and idle")

	probe := signedEvent(t, 1, "health probe")
	url, _ := startFakeRelay(t, func(ws *websocket.Conn, sub string, _ []byte) {
		_ = sendEvent(ws, sub, probe)
		holdOpen(ws, 10*time.Second)
	})
	require.NoError(t, p.Add(url))

	require.Eventually(t, func() bool {
		snaps := p.Snapshot()
		return len(snaps) == 1 && snaps[0].State == StateConnected
	}, 5*time.Second, 20*time.Millisecond)

	receive(t, p, 5*time.Second)
	h = p.Health()
	assert.True(t, h.Healthy)
	assert.EqualValues(t, 1, h.EventsProcessed)

	require.NoError(t, p.Stop(5*time.Second))
	h = p.Health()
	assert.False(t, h.Healthy)
	assert.Equal(t, errors.ErrAlreadyStopped.Error(), h.LastError)
}

func TestPool_StopClosesStream(t *testing.T) {
	url, _ := startFakeRelay(t, func(ws *websocket.Conn, _ string, _ []byte) {
		holdOpen(ws, 10*time.Second)
	})

	p := newTestPool(t, config.RelayConfig{BootstrapRelays: []string{url}}, nil)
	startPool(t, p)

	require.Eventually(t, func() bool {
		snaps := p.Snapshot()
		return len(snaps) == 1 && snaps[0].State == StateConnected
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, p.Stop(5*time.Second))

	select {
	case _, ok := <-p.Events():
		assert.False(t, ok, "stream should be closed after a clean stop")
	case <-time.After(2 * time.Second):
		t.Fatal("event stream still open after stop")
	}

	require.NoError(t, p.Stop(time.Second), "second stop must be a no-op")
}

func TestConnection_SilenceDetection(t *testing.T) {
	c := newConnection(connConfig{
		url:        "wss://relay.test",
		hcInterval: time.Second,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	assert.False(t, c.silentFor(time.Second), "a dialing endpoint is never silent")

	c.mu.Lock()
	c.state = StateConnected
	c.stateSince = time.Now().Add(-5 * time.Second)
	c.mu.Unlock()
	assert.True(t, c.silentFor(2*time.Second))

	c.noteFailure()
	c.noteFailure()
	assert.Equal(t, 2, c.snapshot().ConsecutiveFailures)

	c.noteInbound()
	assert.False(t, c.silentFor(2*time.Second))
	assert.Equal(t, 0, c.snapshot().ConsecutiveFailures, "inbound traffic resets the failure counter")
}

func TestEndpointState_String(t *testing.T) {
	cases := map[EndpointState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateBackoff:      "backoff",
		StateUnhealthy:    "unhealthy",
		StateRemoved:      "removed",
		EndpointState(99): "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}

	data, err := json.Marshal(StateConnected)
	require.NoError(t, err)
	assert.Equal(t, `"connected"`, string(data))
}
