package fanout

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaygate/event"
	"github.com/c360/relaygate/router"
)

func dialSink(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSink_StreamsEventsAsIndividualFrames(t *testing.T) {
	sink := NewWebSink(nil, discardLogger())
	require.NoError(t, sink.Initialize())
	require.NoError(t, sink.Start(context.Background()))
	t.Cleanup(func() { _ = sink.Stop(time.Second) })

	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()
	conn := dialSink(t, srv, "")

	require.Eventually(t, func() bool { return sink.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	batch := &router.Batch{Seq: 7, Events: []*event.Event{
		{ID: "one", Kind: 30931, Content: "first"},
		{ID: "two", Kind: 30932, Content: "second"},
	}}
	require.NoError(t, sink.Deliver(context.Background(), batch))

	for _, want := range []string{"one", "two"} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev event.Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		assert.Equal(t, want, ev.ID, "each event arrives as its own frame")
	}
}

func TestWebSink_DisconnectedClientIsRemoved(t *testing.T) {
	sink := NewWebSink(nil, discardLogger())
	require.NoError(t, sink.Initialize())
	require.NoError(t, sink.Start(context.Background()))
	t.Cleanup(func() { _ = sink.Stop(time.Second) })

	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()
	conn := dialSink(t, srv, "")
	require.Eventually(t, func() bool { return sink.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return sink.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond, "closed client leaves the set")

	// Deliveries keep working with no clients attached.
	batch := &router.Batch{Seq: 1, Events: []*event.Event{{ID: "x", Kind: 1}}}
	require.NoError(t, sink.Deliver(context.Background(), batch))
}

func TestWebSink_RejectsClientsBeforeStart(t *testing.T) {
	sink := NewWebSink(nil, discardLogger())
	require.NoError(t, sink.Initialize())

	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
	_ = resp.Body.Close()
}
