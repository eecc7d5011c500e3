// Package pool maintains outbound connections to upstream relays and
// merges their verified events into a single stream. Each endpoint runs
// an explicit connection state machine with exponential backoff; a
// shared worker pool verifies signatures across connections without
// reordering any single relay's events.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/event"
	"github.com/c360/relaygate/metric"
	"github.com/c360/relaygate/pkg/worker"
)

const (
	serviceName = "relay-pool"

	// outputQueueSize bounds the merged stream. When full, connection
	// readers block and backpressure reaches upstream through TCP.
	outputQueueSize = 4096

	verifyQueueSize = 1024

	// removeDrainWait bounds how long Remove waits for the connection
	// goroutine before abandoning it.
	removeDrainWait = 5 * time.Second

	defaultHCInterval = 30 * time.Second
)

// SourcedEvent is a verified upstream event tagged with the relay URL it
// arrived from.
type SourcedEvent struct {
	Event  *event.Event
	Source string
}

type verifyJob struct {
	ev   *event.Event
	done chan error
}

// verifyEvent runs on the shared worker pool. The error also flows back
// through job.done to the submitting connection, which is blocked on it.
func verifyEvent(_ context.Context, job verifyJob) error {
	err := job.ev.Verify()
	job.done <- err
	return err
}

type managedConn struct {
	conn   *Connection
	cancel context.CancelFunc
}

// Pool implements component.LifecycleComponent for the upstream relay
// pool. Connections are added from config at start and at runtime
// through Add; each owns exactly one endpoint.
type Pool struct {
	cfg      config.RelayConfig
	kinds    []uint16
	registry *metric.MetricsRegistry
	log      *slog.Logger

	out    chan SourcedEvent
	verify *worker.Pool[verifyJob]

	mu        sync.Mutex
	conns     map[string]*managedConn
	started   bool
	stopped   bool
	startedAt time.Time
	runCtx    context.Context
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

// New builds a relay pool. allowedKinds propagates into each upstream
// subscription filter; empty subscribes to all kinds. The merged stream
// is allocated here so consumers can take Events() before startup.
func New(cfg config.RelayConfig, allowedKinds []uint16, registry *metric.MetricsRegistry, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		kinds:    allowedKinds,
		registry: registry,
		log:      log.With("component", serviceName),
		conns:    make(map[string]*managedConn),
		out:      make(chan SourcedEvent, outputQueueSize),
	}
}

// Name implements component.LifecycleComponent.
func (p *Pool) Name() string { return serviceName }

// Initialize allocates the verification workers.
func (p *Pool) Initialize() error {
	p.verify = worker.NewPool(runtime.NumCPU(), verifyQueueSize, verifyEvent,
		worker.WithMetricsRegistry[verifyJob](p.registry, "verify"))
	return nil
}

// Start dials the bootstrap relays and begins health checking. The pool
// owns its run context; cancellation of ctx feeds into it so connection
// goroutines added later still stop with the component.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Pool", "Start", "check lifecycle")
	}
	if p.verify == nil {
		return errors.WrapInvalid(fmt.Errorf("pool not initialized"), "Pool", "Start", "call Initialize first")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.runCtx = runCtx
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := p.verify.Start(runCtx); err != nil {
		cancel()
		return errors.WrapTransient(err, "Pool", "Start", "start verification workers")
	}

	for _, url := range p.cfg.BootstrapRelays {
		if err := p.addLocked(url); err != nil {
			p.log.Warn("skipping bootstrap relay", "url", url, "error", err)
		}
	}

	p.wg.Add(1)
	go p.healthLoop(runCtx)

	p.started = true
	p.startedAt = time.Now()
	p.log.Info("relay pool started",
		"bootstrap_relays", len(p.cfg.BootstrapRelays),
		"max_connections", p.cfg.MaxConnections,
		"allowed_kinds", len(p.kinds))
	return nil
}

// Add connects a new upstream relay. Adding a relay that is already in
// the pool is a no-op. At capacity the relay is not added; the pool
// logs and stays as it is.
func (p *Pool) Add(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Pool", "Add", "reject admin change")
	}
	if !p.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "Pool", "Add", "start the pool first")
	}
	return p.addLocked(url)
}

func (p *Pool) addLocked(url string) error {
	if _, ok := p.conns[url]; ok {
		p.log.Debug("relay already in pool", "url", url)
		return nil
	}
	if err := config.ValidateRelayURL(url); err != nil {
		return errors.WrapInvalid(err, "Pool", "Add", "validate relay url")
	}
	if len(p.conns) >= p.cfg.MaxConnections {
		p.log.Warn("relay pool at capacity, not adding",
			"url", url, "max_connections", p.cfg.MaxConnections)
		return nil
	}

	conn := newConnection(connConfig{
		url:             url,
		allowedKinds:    p.kinds,
		maxEventsPerSec: p.cfg.MaxEventsPerSec,
		hcInterval:      p.hcInterval(),
		out:             p.out,
		verify:          p.verify,
		core:            p.coreMetrics(),
		log:             p.log,
	})
	connCtx, cancel := context.WithCancel(p.runCtx)
	p.conns[url] = &managedConn{conn: conn, cancel: cancel}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		conn.run(connCtx)
	}()

	p.log.Info("relay added", "url", url)
	return nil
}

// Remove disconnects an upstream relay and waits for its goroutine to
// drain. Removing an unknown relay is a no-op.
func (p *Pool) Remove(url string) error {
	p.mu.Lock()
	mc, ok := p.conns[url]
	if ok {
		delete(p.conns, url)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	mc.cancel()
	mc.conn.kick()
	select {
	case <-mc.conn.done:
	case <-time.After(removeDrainWait):
		p.log.Warn("relay connection did not drain, abandoning", "url", url)
	}
	if core := p.coreMetrics(); core != nil {
		core.RemoveUpstream(url)
	}
	p.log.Info("relay removed", "url", url)
	return nil
}

// Snapshot returns the status of every endpoint, sorted by URL.
func (p *Pool) Snapshot() []EndpointStatus {
	conns := p.connections()
	statuses := make([]EndpointStatus, 0, len(conns))
	for _, c := range conns {
		statuses = append(statuses, c.snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].URL < statuses[j].URL })
	return statuses
}

// Events returns the merged stream of verified events. The channel is
// closed by Stop after every connection goroutine has drained.
func (p *Pool) Events() <-chan SourcedEvent {
	return p.out
}

// Health implements component.HealthChecker. The pool is healthy while
// at least one relay is connected; a pool with no relays configured is
// healthy and idle.
func (p *Pool) Health() component.HealthStatus {
	p.mu.Lock()
	started := p.started
	stopped := p.stopped
	startedAt := p.startedAt
	p.mu.Unlock()

	status := component.HealthStatus{LastCheck: time.Now()}
	if stopped {
		status.LastError = errors.ErrAlreadyStopped.Error()
		return status
	}
	if !started {
		status.LastError = errors.ErrNotStarted.Error()
		return status
	}
	status.Uptime = time.Since(startedAt)

	conns := p.connections()
	connected := 0
	var received int64
	for _, c := range conns {
		if c.currentState() == StateConnected {
			connected++
		}
		received += c.eventsReceived.Load()
	}
	status.EventsProcessed = received
	status.Healthy = len(conns) == 0 || connected > 0
	if !status.Healthy {
		status.LastError = "no upstream relays connected"
	}
	return status
}

// Stop cancels every connection, waits for the goroutines to drain, then
// stops the verification workers and closes the merged stream.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	cancel()
	for _, c := range p.connections() {
		c.kick()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var stopErr error
	drained := false
	select {
	case <-done:
		drained = true
	case <-time.After(time.Until(deadline)):
		stopErr = errors.WrapTransient(
			fmt.Errorf("connections did not drain within %s", timeout),
			"Pool", "Stop", "abandon remaining connections")
	}

	verifyBudget := time.Until(deadline)
	if verifyBudget < 100*time.Millisecond {
		verifyBudget = 100 * time.Millisecond
	}
	if err := p.verify.Stop(verifyBudget); err != nil && stopErr == nil {
		stopErr = errors.WrapTransient(err, "Pool", "Stop", "stop verification workers")
	}

	// Closing the stream tells the router no more events are coming. An
	// abandoned connection could still hold a send, so the channel stays
	// open unless every goroutine drained.
	if drained {
		close(p.out)
	}

	p.log.Info("relay pool stopped")
	return stopErr
}

func (p *Pool) connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, mc := range p.conns {
		conns = append(conns, mc.conn)
	}
	return conns
}

func (p *Pool) hcInterval() time.Duration {
	if d := p.cfg.HealthCheckInterval.Duration; d > 0 {
		return d
	}
	return defaultHCInterval
}

func (p *Pool) coreMetrics() *metric.Metrics {
	if p.registry == nil {
		return nil
	}
	return p.registry.CoreMetrics()
}

// healthLoop flags endpoints that stay silent past twice the check
// interval and forces them around the reconnect loop.
func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.hcInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth(2 * interval)
		}
	}
}

func (p *Pool) checkHealth(window time.Duration) {
	conns := p.connections()
	connected := 0
	for _, c := range conns {
		if c.silentFor(window) {
			p.log.Warn("relay silent beyond grace period, forcing reconnect",
				"url", c.url, "window", window)
			c.markUnhealthy()
			continue
		}
		if c.currentState() == StateConnected {
			connected++
		}
	}
	if len(conns) > 0 && connected == 0 {
		p.log.Warn("no upstream relays connected", "relays", len(conns))
	}
}
