package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/identity"
	"github.com/c360/relaygate/metric"
	"github.com/c360/relaygate/testutil"
)

// testConfig is the default config pointed at throwaway resources: no
// upstream relays, no Postgres, no NATS, temp store, free ports.
func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.BootstrapRelays = nil
	cfg.Deduplication.StorePath = t.TempDir()
	cfg.Output.WebsocketPort = testutil.FreePort(t)
	cfg.Monitoring.PrometheusPort = testutil.FreePort(t)
	return cfg
}

func TestBuildComponents_DefaultWiring(t *testing.T) {
	cfg := testConfig(t)
	id := loadTestIdentity(t, cfg)
	runner := component.NewRunner(slog.Default())

	reg, bus, err := buildComponents(cfg, id, metric.NewMetricsRegistry(), runner, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, reg, "no registry without a postgres dsn")
	require.NotNil(t, bus)

	states := runner.States()
	for _, name := range []string{
		"dedup-store", "fanout-bus", "public-stream",
		"relay-pool", "event-router", "memory-sampler", "http-gateway",
	} {
		assert.Contains(t, states, name)
	}
	assert.NotContains(t, states, "subscription-registry")
	assert.NotContains(t, states, "nats-sink")
	assert.NotContains(t, states, "downstream-forwarder")
}

func TestBuildComponents_OptionalSinks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.WebsocketEnabled = false
	cfg.Output.DownstreamTCP = []string{"127.0.0.1:9999"}
	id := loadTestIdentity(t, cfg)
	runner := component.NewRunner(slog.Default())

	_, _, err := buildComponents(cfg, id, metric.NewMetricsRegistry(), runner, slog.Default())
	require.NoError(t, err)

	states := runner.States()
	assert.NotContains(t, states, "public-stream")
	assert.Contains(t, states, "downstream-forwarder")
}

func TestBuildComponents_Lifecycle(t *testing.T) {
	cfg := testConfig(t)
	id := loadTestIdentity(t, cfg)
	runner := component.NewRunner(slog.Default())

	_, _, err := buildComponents(cfg, id, metric.NewMetricsRegistry(), runner, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, runner.StartAll(ctx))

	for name, state := range runner.States() {
		assert.Equal(t, component.StateStarted, state, "component %s", name)
	}
	for name, hs := range runner.Health() {
		assert.True(t, hs.Healthy, "component %s: %s", name, hs.LastError)
	}

	require.NoError(t, runner.StopAll(10*time.Second))
}

func loadTestIdentity(t *testing.T, cfg *config.AppConfig) *identity.Identity {
	t.Helper()
	id, err := identity.Load(cfg, "", slog.Default())
	require.NoError(t, err)
	return id
}
