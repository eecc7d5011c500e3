package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/dedup"
	"github.com/c360/relaygate/pool"
	"github.com/c360/relaygate/router"
)

type fakePool struct {
	mu     sync.Mutex
	relays map[string]pool.EndpointStatus
	addErr error
}

func newFakePool(urls ...string) *fakePool {
	f := &fakePool{relays: make(map[string]pool.EndpointStatus)}
	for _, u := range urls {
		f.relays[u] = pool.EndpointStatus{URL: u, State: pool.StateConnected}
	}
	return f
}

func (f *fakePool) Add(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.relays[url] = pool.EndpointStatus{URL: url, State: pool.StateConnecting}
	return nil
}

func (f *fakePool) Remove(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.relays, url)
	return nil
}

func (f *fakePool) Snapshot() []pool.EndpointStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pool.EndpointStatus, 0, len(f.relays))
	for _, st := range f.relays {
		out = append(out, st)
	}
	return out
}

type fakeHealth struct {
	statuses map[string]component.HealthStatus
}

func (f *fakeHealth) Health() map[string]component.HealthStatus {
	return f.statuses
}

type fakeRegistry struct {
	mu   sync.Mutex
	bots map[string]string
	subs map[string][]SubscriptionView
	err  error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		bots: make(map[string]string),
		subs: make(map[string][]SubscriptionView),
	}
}

func (f *fakeRegistry) RegisterBot(_ context.Context, botPubkey, _, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bots[botPubkey] = name
	return nil
}

func (f *fakeRegistry) AddSubscription(_ context.Context, botPubkey, followerPubkey, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subs[botPubkey] = append(f.subs[botPubkey], SubscriptionView{FollowerPubkey: followerPubkey})
	return nil
}

func (f *fakeRegistry) ListSubscriptions(_ context.Context, botPubkey string) ([]SubscriptionView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.subs[botPubkey], nil
}

const testToken = "settle-me"

func newTestServer(t *testing.T, fp *fakePool, reg SubscriptionStore) *Server {
	t.Helper()

	in := make(chan pool.SourcedEvent)
	store := dedup.NewStore(config.DedupConfig{StorePath: t.TempDir()}, nil, nil)
	rt := router.New(config.OutputConfig{BatchSize: 10, MaxLatencyMs: 100},
		config.FilterConfig{}, in, store, nil, nil, nil)

	srv := NewServer(0, testToken, Deps{
		Pool:   fp,
		Router: rt,
		Store:  store,
		Health: &fakeHealth{statuses: map[string]component.HealthStatus{
			"relay-pool": {Healthy: true, LastCheck: time.Now()},
		}},
		Registry:  reg,
		PublicKey: "ab12cd34",
	}, nil)
	require.NoError(t, srv.Initialize())
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("X-Settlement-Token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, newFakePool(), nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeJSON(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_StatusAggregatesComponents(t *testing.T) {
	srv := newTestServer(t, newFakePool("wss://relay.one"), nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "healthy", body["status"])
	components, ok := body["components"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, components, "relay-pool")
	relays, ok := body["relays"].([]any)
	require.True(t, ok)
	assert.Len(t, relays, 1)
}

func TestServer_MetricsSummary(t *testing.T) {
	srv := newTestServer(t, newFakePool("wss://relay.one"), nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/metrics/summary", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Contains(t, body, "router")
	assert.Contains(t, body, "dedup")
	assert.Contains(t, body, "relays")
	assert.NotContains(t, body, "sinks", "no bus attached")
}

func TestServer_MetricsMemory(t *testing.T) {
	srv := newTestServer(t, newFakePool(), nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/metrics/memory", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Contains(t, body, "heap_alloc_mb")
	assert.Greater(t, body["num_goroutines"], float64(0))
}

func TestServer_Identity(t *testing.T) {
	srv := newTestServer(t, newFakePool(), nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/identity", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ab12cd34", decodeJSON(t, rec)["pubkey"])
}

func TestServer_RelayAdd(t *testing.T) {
	fp := newFakePool()
	srv := newTestServer(t, fp, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/relays/add", testToken,
		map[string]string{"url": "wss://relay.two"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, fp.Snapshot(), 1)

	// Listing reflects the addition without auth.
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/relays", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RelayAddRejectsBadURL(t *testing.T) {
	fp := newFakePool()
	srv := newTestServer(t, fp, nil)

	for _, url := range []string{"", "http://not-a-relay", "relay.example"} {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/relays/add", testToken,
			map[string]string{"url": url})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "url %q", url)
	}
	assert.Empty(t, fp.Snapshot())
}

func TestServer_AdminRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, newFakePool(), newFakeRegistry())

	cases := []struct{ method, path string }{
		{http.MethodPost, "/api/relays/add"},
		{http.MethodDelete, "/api/relays/remove"},
		{http.MethodPost, "/api/bots/register"},
		{http.MethodPost, "/api/subscriptions/add"},
	}
	for _, tc := range cases {
		rec := doJSON(t, srv.Handler(), tc.method, tc.path, "",
			map[string]string{"url": "wss://relay.one"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s without token", tc.method, tc.path)

		rec = doJSON(t, srv.Handler(), tc.method, tc.path, "wrong-token",
			map[string]string{"url": "wss://relay.one"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s with bad token", tc.method, tc.path)
	}
}

func TestServer_RelayRemoveIsIdempotent(t *testing.T) {
	fp := newFakePool("wss://relay.one")
	srv := newTestServer(t, fp, nil)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, srv.Handler(), http.MethodDelete, "/api/relays/remove", testToken,
			map[string]string{"url": "wss://relay.one"})
		require.Equal(t, http.StatusOK, rec.Code, "attempt %d", i)
	}
	assert.Empty(t, fp.Snapshot())
}

func TestServer_BotAndSubscriptionFlow(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, newFakePool(), reg)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/bots/register", testToken, map[string]string{
		"bot_pubkey":   "bot1",
		"nostr_pubkey": "npub1",
		"eth_address":  "0xabc",
		"name":         "trader",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/subscriptions/add", testToken, map[string]string{
		"bot_pubkey":      "bot1",
		"follower_pubkey": "fol1",
		"shared_secret":   "hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/subscriptions/bot1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "bot1", body["bot_pubkey"])
	subs, ok := body["subscriptions"].([]any)
	require.True(t, ok)
	require.Len(t, subs, 1)
	first, ok := subs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fol1", first["follower_pubkey"])
	assert.NotContains(t, first, "shared_secret", "secrets never leave through this surface")
}

func TestServer_RegistryRoutesUnavailableWithoutPostgres(t *testing.T) {
	srv := newTestServer(t, newFakePool(), nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/bots/register", testToken,
		map[string]string{"bot_pubkey": "bot1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/subscriptions/bot1", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t, newFakePool(), nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/relays/add", testToken,
		map[string]string{"url": "wss://relay.one", "bogus": "field"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, newFakePool(), nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_InitializeRequiresCoreDeps(t *testing.T) {
	srv := NewServer(0, "", Deps{}, nil)
	err := srv.Initialize()
	require.Error(t, err)
}

func TestServer_StartStop(t *testing.T) {
	srv := newTestServer(t, newFakePool(), nil)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(time.Second)

	addr := srv.listener.Addr().String()
	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(time.Second))
	require.NoError(t, srv.Stop(time.Second), "stop is idempotent")
}
