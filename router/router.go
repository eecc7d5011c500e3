// Package router consumes the merged relay stream, applies routing
// policy, deduplicates, and publishes batches to the fanout bus under a
// size and latency bound.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/dedup"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/event"
	"github.com/c360/relaygate/metric"
	"github.com/c360/relaygate/pool"
)

const (
	serviceName = "event-router"

	// drainGrace bounds the shutdown drain of already-buffered events.
	drainGrace = 2 * time.Second
)

// Deduper is the slice of the dedup store the router needs. Satisfied
// by *dedup.Store.
type Deduper interface {
	CheckAndCommit(ctx context.Context, key [32]byte) (dedup.Outcome, error)
	MarkForwarded(ctx context.Context, key [32]byte) error
}

// Publisher receives sealed batches. Publish must not block; the fanout
// bus honors that with per-sink buffers.
type Publisher interface {
	Publish(b *Batch)
}

// Router implements component.LifecycleComponent for the policy, dedup
// and batching stage between the relay pool and the fanout bus.
type Router struct {
	cfg      config.OutputConfig
	policy   Policy
	in       <-chan pool.SourcedEvent
	store    Deduper
	bus      Publisher
	registry *metric.MetricsRegistry
	log      *slog.Logger

	// run-goroutine state
	open       *Batch
	flushTimer *time.Timer
	flushC     <-chan time.Time
	seq        uint64

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	wg        sync.WaitGroup

	eventsIn      atomic.Int64
	published     atomic.Int64
	policyDropped atomic.Int64
	duplicates    atomic.Int64
	dedupErrors   atomic.Int64
	batches       atomic.Int64
	lastSeq       atomic.Uint64

	batchesPublished prometheus.Counter
	batchSeals       *prometheus.CounterVec
}

// New wires the router between its event source, the dedup store and
// the fanout bus.
func New(cfg config.OutputConfig, filters config.FilterConfig, in <-chan pool.SourcedEvent,
	store Deduper, bus Publisher, registry *metric.MetricsRegistry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		policy:   NewPolicy(filters),
		in:       in,
		store:    store,
		bus:      bus,
		registry: registry,
		log:      log.With("component", serviceName),
	}
}

// Name implements component.LifecycleComponent.
func (r *Router) Name() string { return serviceName }

// Initialize checks the wiring and registers the batch metrics.
func (r *Router) Initialize() error {
	if r.in == nil || r.store == nil || r.bus == nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: router requires event source, dedup store and publisher", errors.ErrMissingConfig),
			"Router", "Initialize", "wire dependencies")
	}
	return r.registerMetrics()
}

// Start launches the routing loop. The dedup store must be warm before
// this runs, otherwise restart re-emits are possible; the runner's
// registration order takes care of that.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Router", "Start", "check lifecycle")
	}
	r.started = true
	r.startedAt = time.Now()

	r.wg.Add(1)
	go r.run(ctx)

	r.log.Info("router started",
		"batch_size", r.cfg.BatchSize,
		"max_latency", r.cfg.MaxLatency())
	return nil
}

// Stop waits for the routing loop to drain and flush. The runner
// cancels the component context first; cancellation triggers the drain.
func (r *Router) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("routing loop did not drain within %s", timeout),
			"Router", "Stop", "abandon routing loop")
	}
	r.log.Info("router stopped", "batches_published", r.batches.Load())
	return nil
}

// Health implements component.HealthChecker.
func (r *Router) Health() component.HealthStatus {
	r.mu.Lock()
	started, stopped, startedAt := r.started, r.stopped, r.startedAt
	r.mu.Unlock()

	status := component.HealthStatus{
		LastCheck:       time.Now(),
		EventsProcessed: r.eventsIn.Load(),
	}
	switch {
	case stopped:
		status.LastError = errors.ErrAlreadyStopped.Error()
	case !started:
		status.LastError = errors.ErrNotStarted.Error()
	default:
		status.Healthy = true
		status.Uptime = time.Since(startedAt)
	}
	return status
}

// Stats is the router slice of /api/metrics/summary.
type Stats struct {
	EventsIn      int64  `json:"events_in"`
	Published     int64  `json:"published"`
	PolicyDropped int64  `json:"policy_dropped"`
	Duplicates    int64  `json:"duplicates"`
	DedupErrors   int64  `json:"dedup_errors"`
	Batches       int64  `json:"batches"`
	LastSeq       uint64 `json:"last_seq"`
}

func (r *Router) Stats() Stats {
	return Stats{
		EventsIn:      r.eventsIn.Load(),
		Published:     r.published.Load(),
		PolicyDropped: r.policyDropped.Load(),
		Duplicates:    r.duplicates.Load(),
		DedupErrors:   r.dedupErrors.Load(),
		Batches:       r.batches.Load(),
		LastSeq:       r.lastSeq.Load(),
	}
}

// run is the routing loop. It is the only goroutine touching the open
// batch, the flush timer and the sequence counter.
func (r *Router) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case se, ok := <-r.in:
			if !ok {
				r.seal(context.Background(), "shutdown")
				return
			}
			r.process(ctx, se)
			if r.open != nil && len(r.open.Events) >= r.cfg.BatchSize {
				r.seal(ctx, "size")
			}
		case <-r.flushC:
			r.seal(ctx, "latency")
		case <-ctx.Done():
			r.drainAndFlush()
			return
		}
	}
}

// process runs one event through policy and dedup, appending survivors
// to the open batch.
func (r *Router) process(ctx context.Context, se pool.SourcedEvent) {
	ev := se.Event
	if ev == nil {
		return
	}
	r.eventsIn.Add(1)

	if admit, reason := r.policy.Admit(ev); !admit {
		r.policyDropped.Add(1)
		r.recordProcessed(ev, reason)
		return
	}

	key, err := ev.IDBytes()
	if err != nil {
		// Verified upstream, so this means a corrupted stream entry.
		r.recordProcessed(ev, "bad_id")
		r.log.Warn("event with unusable id in stream", "event_id", ev.ID, "source", se.Source, "error", err)
		return
	}

	outcome, err := r.store.CheckAndCommit(ctx, key)
	if err != nil {
		// Not batched: admitting an uncommitted event would break the
		// no-re-emit-after-restart guarantee.
		r.dedupErrors.Add(1)
		r.recordProcessed(ev, "dedup_error")
		r.recordError("dedup_error")
		r.log.Warn("dedup store failure, dropping event", "event_id", ev.ID, "source", se.Source, "error", err)
		return
	}
	if outcome == dedup.OutcomeDuplicate {
		r.duplicates.Add(1)
		r.recordProcessed(ev, "duplicate")
		return
	}

	if r.open == nil {
		r.open = &Batch{
			Events:   make([]*event.Event, 0, r.cfg.BatchSize),
			OpenedAt: time.Now(),
		}
		r.flushTimer = time.NewTimer(r.cfg.MaxLatency())
		r.flushC = r.flushTimer.C
	}
	r.open.Events = append(r.open.Events, ev)
	r.recordProcessed(ev, "accepted")
}

// seal publishes the open batch and marks every member forwarded in the
// witness store. Publishing first keeps "forwarded" meaning handed to
// the bus.
func (r *Router) seal(ctx context.Context, trigger string) {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
		r.flushC = nil
	}
	if r.open == nil || len(r.open.Events) == 0 {
		r.open = nil
		return
	}

	b := r.open
	r.open = nil
	r.seq++
	b.Seq = r.seq
	b.SealedAt = time.Now()

	r.bus.Publish(b)

	for _, ev := range b.Events {
		key, err := ev.IDBytes()
		if err != nil {
			continue
		}
		if err := r.store.MarkForwarded(ctx, key); err != nil {
			r.recordError("mark_forwarded")
			r.log.Warn("could not mark event forwarded", "event_id", ev.ID, "error", err)
		}
	}

	r.lastSeq.Store(b.Seq)
	r.batches.Add(1)
	r.published.Add(int64(len(b.Events)))
	if r.batchesPublished != nil {
		r.batchesPublished.Inc()
	}
	if r.batchSeals != nil {
		r.batchSeals.WithLabelValues(trigger).Inc()
	}
	r.log.Debug("batch published", "seq", b.Seq, "events", len(b.Events), "trigger", trigger)
}

// drainAndFlush consumes whatever the pool already buffered, then seals
// the open batch. A detached context lets those events still commit to
// the witness store during shutdown.
func (r *Router) drainAndFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()

	for {
		select {
		case se, ok := <-r.in:
			if !ok {
				r.seal(ctx, "shutdown")
				return
			}
			r.process(ctx, se)
			if r.open != nil && len(r.open.Events) >= r.cfg.BatchSize {
				r.seal(ctx, "size")
			}
		case <-ctx.Done():
			r.seal(context.Background(), "shutdown")
			return
		default:
			r.seal(ctx, "shutdown")
			return
		}
	}
}

func (r *Router) recordProcessed(ev *event.Event, status string) {
	if r.registry == nil {
		return
	}
	r.registry.CoreMetrics().RecordEventProcessed(serviceName, strconv.Itoa(int(ev.Kind)), status)
}

func (r *Router) recordError(errorType string) {
	if r.registry == nil {
		return
	}
	r.registry.CoreMetrics().RecordError(serviceName, errorType)
}

func (r *Router) registerMetrics() error {
	if r.registry == nil {
		return nil
	}

	r.batchesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "router",
		Name:      "batches_published_total",
		Help:      "Total number of batches published to the fanout bus",
	})
	if err := r.registry.RegisterCounter(serviceName, "batches_published_total", r.batchesPublished); err != nil {
		return err
	}

	r.batchSeals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "router",
		Name:      "batch_seals_total",
		Help:      "Batch seals by trigger (size, latency, shutdown)",
	}, []string{"trigger"})
	return r.registry.RegisterCounterVec(serviceName, "batch_seals_total", r.batchSeals)
}
