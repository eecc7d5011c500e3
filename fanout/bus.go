// Package fanout delivers sealed batches to every attached sink. Each
// sink gets a bounded queue and its own pump goroutine; a slow sink
// loses its oldest undelivered batches rather than ever blocking the
// router.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/event"
	"github.com/c360/relaygate/metric"
	"github.com/c360/relaygate/pkg/buffer"
	"github.com/c360/relaygate/router"
)

const (
	busName = "fanout-bus"

	// defaultQueueSize bounds each sink's batch queue. At the default
	// batch size of 100 events this holds ~25k events per sink.
	defaultQueueSize = 256
)

// Sink consumes batches from the bus. Deliver is called from the sink's
// pump goroutine, one batch at a time, in Seq order (with gaps where
// lag-drop evicted batches). A Deliver error is counted and logged; the
// pump keeps going.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, b *router.Batch) error
}

// AttachOption adjusts one sink's attachment.
type AttachOption func(*attachment)

// WithQueueSize overrides the sink's queue capacity in batches.
func WithQueueSize(n int) AttachOption {
	return func(a *attachment) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// Strict marks the sink as disconnect-on-overflow: instead of shedding
// its oldest batch, the sink is detached from the bus the first time
// its queue fills.
func Strict() AttachOption {
	return func(a *attachment) { a.strict = true }
}

type attachment struct {
	id        int
	sink      Sink
	buf       buffer.Buffer[*router.Batch]
	queueSize int
	strict    bool

	lag       atomic.Int64
	delivered atomic.Int64
	errs      atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// Bus implements component.LifecycleComponent for the fanout stage.
// Sinks may attach before or after Start; batches published before the
// pumps run simply queue up.
type Bus struct {
	registry *metric.MetricsRegistry
	log      *slog.Logger

	mu      sync.RWMutex
	sinks   map[int]*attachment
	nextID  int
	started bool
	stopped bool
	runCtx  context.Context
	cancel  context.CancelFunc

	startedAt time.Time
	published atomic.Int64
	announced atomic.Int64

	lagDrops   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

// NewBus creates an empty fanout bus.
func NewBus(registry *metric.MetricsRegistry, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		registry: registry,
		log:      log.With("component", busName),
		sinks:    make(map[int]*attachment),
	}
}

// Name implements component.LifecycleComponent.
func (b *Bus) Name() string { return busName }

// Initialize registers the fanout metrics.
func (b *Bus) Initialize() error {
	if b.registry == nil {
		return nil
	}

	b.lagDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "fanout",
		Name:      "lag_drops_total",
		Help:      "Batches evicted from a slow sink's queue",
	}, []string{"sink"})
	if err := b.registry.RegisterCounterVec(busName, "lag_drops_total", b.lagDrops); err != nil {
		return err
	}

	b.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "fanout",
		Name:      "deliveries_total",
		Help:      "Batch deliveries by sink and status",
	}, []string{"sink", "status"})
	return b.registry.RegisterCounterVec(busName, "deliveries_total", b.deliveries)
}

// Start launches a pump for every already-attached sink. Like the relay
// pool, the bus owns its run context so sinks attached later still get
// pumps tied to the component lifetime.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bus", "Start", "check lifecycle")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.runCtx = runCtx
	b.cancel = cancel
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	for _, att := range b.sinks {
		b.startPumpLocked(att)
	}
	b.started = true
	b.startedAt = time.Now()
	b.log.Info("fanout bus started", "sinks", len(b.sinks))
	return nil
}

// Stop closes every sink queue and waits for the pumps to drain what
// they already hold.
func (b *Bus) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	atts := make([]*attachment, 0, len(b.sinks))
	for _, att := range b.sinks {
		atts = append(atts, att)
	}
	b.mu.Unlock()

	deadline := time.After(timeout)
	for _, att := range atts {
		_ = att.buf.Close()
	}
	for _, att := range atts {
		select {
		case <-att.done:
		case <-deadline:
			b.cancel()
			return errors.WrapTransient(
				fmt.Errorf("sink %s did not drain within %s", att.sink.Name(), timeout),
				"Bus", "Stop", "abandon sink pumps")
		}
	}
	b.cancel()
	b.log.Info("fanout bus stopped", "batches_published", b.published.Load())
	return nil
}

// Health implements component.HealthChecker.
func (b *Bus) Health() component.HealthStatus {
	b.mu.RLock()
	started, stopped, startedAt := b.started, b.stopped, b.startedAt
	b.mu.RUnlock()

	status := component.HealthStatus{
		LastCheck:       time.Now(),
		EventsProcessed: b.published.Load(),
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

// Attach adds a sink and returns its attachment id. If the bus is
// already running the pump starts immediately.
func (b *Bus) Attach(sink Sink, opts ...AttachOption) (int, error) {
	att := &attachment{
		sink:      sink,
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(att)
	}

	bufOpts := []buffer.Option[*router.Batch]{
		buffer.WithDropCallback[*router.Batch](func(dropped *router.Batch) {
			att.lag.Add(1)
			if b.lagDrops != nil {
				b.lagDrops.WithLabelValues(sink.Name()).Inc()
			}
			if att.strict {
				b.log.Warn("strict sink overflowed, detaching",
					"sink", sink.Name(), "seq", dropped.Seq)
				go b.Detach(att.id)
			}
		}),
	}
	if att.strict {
		// A strict sink never sheds delivered order; the overflowing
		// batch is refused and the sink detached.
		bufOpts = append(bufOpts, buffer.WithOverflowPolicy[*router.Batch](buffer.DropNewest))
	}

	buf, err := buffer.NewCircularBuffer(att.queueSize, bufOpts...)
	if err != nil {
		return 0, errors.WrapTransient(err, "Bus", "Attach", "allocate sink queue")
	}
	att.buf = buf

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return 0, errors.WrapInvalid(errors.ErrShuttingDown, "Bus", "Attach", "reject new sink")
	}
	b.nextID++
	att.id = b.nextID
	b.sinks[att.id] = att
	if b.started {
		b.startPumpLocked(att)
	}
	b.log.Info("sink attached", "sink", sink.Name(), "id", att.id, "queue", att.queueSize, "strict", att.strict)
	return att.id, nil
}

// Detach removes a sink. Detaching an unknown id is a no-op.
func (b *Bus) Detach(id int) {
	b.mu.Lock()
	att, ok := b.sinks[id]
	if ok {
		delete(b.sinks, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = att.buf.Close()
	if att.cancel != nil {
		att.cancel()
	}
	b.log.Info("sink detached", "sink", att.sink.Name(), "id", id, "lag_drops", att.lag.Load())
}

// Publish enqueues the batch on every attached sink. It never blocks:
// full queues shed per their policy.
func (b *Bus) Publish(batch *router.Batch) {
	b.mu.RLock()
	atts := make([]*attachment, 0, len(b.sinks))
	for _, att := range b.sinks {
		atts = append(atts, att)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, att := range atts {
		if err := att.buf.Write(batch); err != nil {
			// Closed queue: the sink is on its way out.
			continue
		}
	}
}

// Announce pushes a locally generated control event (such as a platform
// key rotation notice) to every sink, outside the router's sequence
// space. Announced batches carry Seq 0.
func (b *Bus) Announce(ev *event.Event) {
	b.announced.Add(1)
	b.Publish(&router.Batch{
		Events:   []*event.Event{ev},
		SealedAt: time.Now(),
	})
	b.log.Info("control event announced", "kind", ev.Kind, "event_id", ev.ID)
}

// SinkStats is one sink's slice of /api/metrics/summary.
type SinkStats struct {
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Delivered int64  `json:"delivered"`
	LagDrops  int64  `json:"lag_drops"`
	Errors    int64  `json:"errors"`
}

// Stats snapshots every attached sink.
func (b *Bus) Stats() []SinkStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]SinkStats, 0, len(b.sinks))
	for _, att := range b.sinks {
		stats = append(stats, SinkStats{
			Name:      att.sink.Name(),
			Queued:    att.buf.Size(),
			Delivered: att.delivered.Load(),
			LagDrops:  att.lag.Load(),
			Errors:    att.errs.Load(),
		})
	}
	return stats
}

func (b *Bus) startPumpLocked(att *attachment) {
	if att.cancel != nil {
		return
	}
	pumpCtx, cancel := context.WithCancel(b.runCtx)
	att.cancel = cancel
	go b.pump(pumpCtx, att)
}

// pump drains one sink's queue in order. The buffer's notify channel
// wakes it; Done fires when the queue is closed during shutdown or
// detach.
func (b *Bus) pump(ctx context.Context, att *attachment) {
	defer close(att.done)

	for {
		b.deliverQueued(ctx, att)
		select {
		case <-att.buf.Notify():
		case <-att.buf.Done():
			b.deliverQueued(ctx, att)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) deliverQueued(ctx context.Context, att *attachment) {
	for {
		batch, ok := att.buf.Read()
		if !ok {
			return
		}
		if err := att.sink.Deliver(ctx, batch); err != nil {
			att.errs.Add(1)
			if b.deliveries != nil {
				b.deliveries.WithLabelValues(att.sink.Name(), "error").Inc()
			}
			b.log.Warn("sink delivery failed",
				"sink", att.sink.Name(), "seq", batch.Seq, "error", err)
			continue
		}
		att.delivered.Add(1)
		if b.deliveries != nil {
			b.deliveries.WithLabelValues(att.sink.Name(), "ok").Inc()
		}
	}
}
