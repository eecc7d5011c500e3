// Package main implements the relaygate entry point. RelayGate is a
// Nostr relay gateway: it maintains a pool of upstream relay
// connections, deduplicates the merged event stream, and fans the
// survivors out to downstream consumers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/dedup"
	"github.com/c360/relaygate/event"
	"github.com/c360/relaygate/fanout"
	gatewayhttp "github.com/c360/relaygate/gateway/http"
	"github.com/c360/relaygate/identity"
	"github.com/c360/relaygate/metric"
	"github.com/c360/relaygate/pool"
	"github.com/c360/relaygate/registry"
	"github.com/c360/relaygate/router"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "relaygate"
)

// rotationKind is the addressable event kind carrying platform key
// rotation notices.
const rotationKind = 39990

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Monitoring.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Monitoring.LogFormat = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Monitoring.LogLevel, cfg.Monitoring.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting RelayGate",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"bootstrap_relays", len(cfg.Relay.BootstrapRelays))

	id, err := identity.Load(cfg, cliCfg.ConfigPath, logger)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	metrics := metric.NewMetricsRegistry()
	runner := component.NewRunner(logger)

	reg, bus, err := buildComponents(cfg, id, metrics, runner, logger)
	if err != nil {
		return err
	}

	// The Prometheus listener is plain plumbing, not a managed
	// component; it serves scrapes on its own port until exit.
	metricServer := metric.NewServer(cfg.Monitoring.PrometheusPort, "/metrics", metrics)
	go func() {
		if err := metricServer.Start(); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	defer func() { _ = metricServer.Stop() }()

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := runner.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	slog.Info("RelayGate started", "pubkey", id.PublicKey())

	if reg != nil {
		announcePlatformRotation(signalCtx, reg, id, bus, metrics, logger)
	}

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := runner.StopAll(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("RelayGate shutdown complete")
	return nil
}

// buildComponents wires every component and registers them on the
// runner in dependency order: the dedup store first, the fanout side
// before the pool so batches have somewhere to go, the gateway last so
// reverse-order shutdown closes the public surface first.
func buildComponents(cfg *config.AppConfig, id *identity.Identity, metrics *metric.MetricsRegistry,
	runner *component.Runner, logger *slog.Logger) (*registry.Registry, *fanout.Bus, error) {

	store := dedup.NewStore(cfg.Deduplication, metrics, logger)
	if err := runner.Register(store); err != nil {
		return nil, nil, err
	}

	var reg *registry.Registry
	if cfg.Postgres.Enabled() {
		reg = registry.New(cfg.Postgres, logger)
		if err := runner.Register(reg); err != nil {
			return nil, nil, err
		}
	}

	bus := fanout.NewBus(metrics, logger)
	if err := runner.Register(bus); err != nil {
		return nil, nil, err
	}

	var webSink *fanout.WebSink
	if cfg.Output.WebsocketEnabled {
		webSink = fanout.NewWebSink(metrics, logger)
		if err := registerSink(runner, bus, webSink); err != nil {
			return nil, nil, err
		}
	}

	var encSink *fanout.EncryptedSink
	if reg != nil {
		encSink = fanout.NewEncryptedSink(reg, metrics, logger)
		if err := registerSink(runner, bus, encSink); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Output.NATSURL != "" {
		natsSink := fanout.NewNATSSink(cfg.Output.NATSURL, cfg.Output.NATSSubjectPrefix, logger)
		if err := registerSink(runner, bus, natsSink); err != nil {
			return nil, nil, err
		}
	}

	if len(cfg.Output.DownstreamTCP) > 0 || len(cfg.Output.DownstreamREST) > 0 {
		forwarder := fanout.NewForwarder(cfg.Output.DownstreamTCP, cfg.Output.DownstreamREST, logger)
		if err := registerSink(runner, bus, forwarder); err != nil {
			return nil, nil, err
		}
	} else if !cfg.Output.WebsocketEnabled && cfg.Output.NATSURL == "" {
		logger.Warn("no output configured; routed events will be dropped at the fanout bus")
	}

	relayPool := pool.New(cfg.Relay, cfg.Filters.AllowedKinds, metrics, logger)
	if err := runner.Register(relayPool); err != nil {
		return nil, nil, err
	}

	eventRouter := router.New(cfg.Output, cfg.Filters, relayPool.Events(), store, bus, metrics, logger)
	if err := runner.Register(eventRouter); err != nil {
		return nil, nil, err
	}

	if err := runner.Register(metric.NewMemorySampler(metrics)); err != nil {
		return nil, nil, err
	}

	deps := gatewayhttp.Deps{
		Pool:      relayPool,
		Router:    eventRouter,
		Store:     store,
		Bus:       bus,
		Health:    runner,
		Metrics:   metrics,
		PublicKey: id.PublicKey(),
	}
	if reg != nil {
		deps.Registry = &registryStore{reg: reg}
	}
	if webSink != nil {
		deps.Stream = webSink.Handler()
	}
	if encSink != nil {
		deps.Fanout = encSink.Handler()
	}
	gateway := gatewayhttp.NewServer(cfg.Output.WebsocketPort, cfg.Settlement.Token, deps, logger)
	if err := runner.Register(gateway); err != nil {
		return nil, nil, err
	}

	return reg, bus, nil
}

// sinkComponent is what every fanout sink satisfies: the bus delivery
// contract plus its own lifecycle.
type sinkComponent interface {
	fanout.Sink
	component.LifecycleComponent
}

func registerSink(runner *component.Runner, bus *fanout.Bus, sink sinkComponent) error {
	if err := runner.Register(sink); err != nil {
		return err
	}
	_, err := bus.Attach(sink)
	return err
}

// rotationNotice is the kind-39990 content announcing a platform key
// change.
type rotationNotice struct {
	Op             string `json:"op"`
	NewPubkey      string `json:"new_pubkey"`
	PreviousPubkey string `json:"previous_pubkey"`
	Ts             int64  `json:"ts"`
}

// announcePlatformRotation reconciles the identity pubkey against the
// registry's platform_state row and broadcasts a rotation notice when
// the key changed. Failures are logged, never fatal: the gateway keeps
// forwarding under the new key either way.
func announcePlatformRotation(ctx context.Context, reg *registry.Registry, id *identity.Identity,
	bus *fanout.Bus, metrics *metric.MetricsRegistry, logger *slog.Logger) {

	rotations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "platform",
		Name:      "key_rotations_total",
		Help:      "Platform identity key rotations observed at startup",
	})
	if err := metrics.RegisterCounter("platform", "key_rotations_total", rotations); err != nil {
		logger.Warn("could not register rotation counter", "error", err)
	}

	previous, changed, err := reg.EnsurePlatformPubkey(ctx, id.PublicKey())
	if err != nil {
		logger.Error("could not reconcile platform pubkey", "error", err)
		return
	}
	if !changed || previous == "" {
		return
	}

	content, err := json.Marshal(rotationNotice{
		Op:             "platform_key_rotation",
		NewPubkey:      id.PublicKey(),
		PreviousPubkey: previous,
		Ts:             time.Now().Unix(),
	})
	if err != nil {
		logger.Error("could not encode rotation notice", "error", err)
		return
	}

	ev := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      rotationKind,
		Tags:      [][]string{{"d", "platform-key"}},
		Content:   string(content),
	}
	if err := id.Sign(ev); err != nil {
		logger.Error("could not sign rotation notice", "error", err)
		return
	}

	bus.Announce(ev)
	rotations.Inc()
	logger.Info("announced platform key rotation",
		"previous_pubkey", previous, "new_pubkey", id.PublicKey())
}

// registryStore adapts the registry to the gateway's subscription
// surface, keeping shared secrets out of the HTTP responses.
type registryStore struct {
	reg *registry.Registry
}

func (s *registryStore) RegisterBot(ctx context.Context, botPubkey, nostrPubkey, ethAddress, name string) error {
	return s.reg.RegisterBot(ctx, registry.BotRecord{
		BotPubkey:   botPubkey,
		NostrPubkey: nostrPubkey,
		EthAddress:  ethAddress,
		Name:        name,
	})
}

func (s *registryStore) AddSubscription(ctx context.Context, botPubkey, followerPubkey, sharedSecret string) error {
	return s.reg.AddSubscription(ctx, botPubkey, followerPubkey, sharedSecret)
}

func (s *registryStore) ListSubscriptions(ctx context.Context, botPubkey string) ([]gatewayhttp.SubscriptionView, error) {
	subs, err := s.reg.ListSubscriptions(ctx, botPubkey)
	if err != nil {
		return nil, err
	}
	views := make([]gatewayhttp.SubscriptionView, len(subs))
	for i, sub := range subs {
		views[i] = gatewayhttp.SubscriptionView{FollowerPubkey: sub.FollowerPubkey}
	}
	return views, nil
}
