// Package dedup implements the three-tier deduplication store: a
// rotating bloom pair for definite misses, a sharded hot LRU for recent
// keys, and the durable witness store as the source of truth.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/metric"
	"github.com/c360/relaygate/storage"
)

// Outcome is the result of a dedup probe.
type Outcome int

const (
	OutcomeDuplicate Outcome = iota
	OutcomeNew
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeNew:
		return "new"
	default:
		return "unknown"
	}
}

const (
	commitShards    = 256
	gaugeInterval   = 15 * time.Second
	janitorInterval = time.Hour
)

// Store is the deduplication store. It implements
// component.LifecycleComponent and is registered before the router so
// warmup completes before any event is probed.
type Store struct {
	cfg      config.DedupConfig
	log      *slog.Logger
	registry *metric.MetricsRegistry

	witness *storage.WitnessStore
	bloom   *rotatingBloom
	hot     *hotLRU

	// locks serialize probe+commit per key shard so at most one
	// concurrent caller sees New for the same key.
	locks [commitShards]sync.Mutex

	newCount atomic.Int64
	dupCount atomic.Int64
	warmed   atomic.Int64
	closed   atomic.Bool

	wg sync.WaitGroup

	dupsFiltered   prometheus.Counter
	bloomRotations prometheus.Counter
	hotEntries     prometheus.Gauge
}

// NewStore builds an unopened store. Initialize opens the durable tier.
func NewStore(cfg config.DedupConfig, registry *metric.MetricsRegistry, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		log:      log.With("component", "dedup-store"),
		registry: registry,
	}
}

// Name implements component.LifecycleComponent.
func (s *Store) Name() string { return "dedup-store" }

// Initialize opens the witness store and builds the memory tiers.
func (s *Store) Initialize() error {
	witness, err := storage.Open(storage.Options{
		Path:       s.cfg.StorePath,
		SyncWrites: s.cfg.SyncWrites,
		Retention:  s.cfg.Retention.Duration,
		Logger:     s.log,
	})
	if err != nil {
		return err
	}
	s.witness = witness

	if err := s.registerMetrics(); err != nil {
		return err
	}
	s.bloom = newRotatingBloom(uint(s.cfg.BloomCapacity), s.onBloomRotate)
	s.hot = newHotLRU(s.cfg.HotsetSize + s.cfg.LRUSize)
	return nil
}

// Start warms the memory tiers from the forward index, then runs the
// retention janitor until ctx is cancelled.
func (s *Store) Start(ctx context.Context) error {
	if s.witness == nil {
		return errors.ErrNotStarted
	}
	if err := s.Warmup(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.janitor(ctx)
	return nil
}

// Stop waits for the janitor and closes the durable tier. The runner
// cancels the component context before calling Stop.
func (s *Store) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("janitor did not stop within timeout")
	}
	return s.Close()
}

// CheckAndCommit probes all tiers for key and commits it when new. The
// shard lock is held across probe and commit, so concurrent callers
// with the same key serialize and exactly one gets OutcomeNew. A
// durable-write failure returns the error with nothing committed, so
// the event is not emitted and a later retry can still win.
func (s *Store) CheckAndCommit(ctx context.Context, key [32]byte) (Outcome, error) {
	if s.witness == nil {
		return OutcomeDuplicate, errors.ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return OutcomeDuplicate, err
	}

	lock := &s.locks[key[0]]
	lock.Lock()
	defer lock.Unlock()

	if s.hot.Contains(key) {
		s.recordDuplicate()
		return OutcomeDuplicate, nil
	}

	if s.bloom.Test(key[:]) {
		seen, err := s.witness.Seen(key)
		if err != nil {
			return OutcomeDuplicate, err
		}
		if seen {
			s.hot.Add(key)
			s.recordDuplicate()
			return OutcomeDuplicate, nil
		}
		// Bloom false positive; fall through as new.
	}

	if err := s.witness.Commit(key); err != nil {
		return OutcomeDuplicate, err
	}
	s.bloom.Add(key[:])
	s.hot.Add(key)
	s.newCount.Add(1)
	return OutcomeNew, nil
}

// Contains is a read-only probe. It never commits, so a true result
// means the key was witnessed at some point, and a false result means
// it is currently unknown.
func (s *Store) Contains(ctx context.Context, key [32]byte) bool {
	if s.witness == nil || ctx.Err() != nil {
		return false
	}
	if s.hot.Contains(key) {
		return true
	}
	if !s.bloom.Test(key[:]) {
		return false
	}
	seen, err := s.witness.Seen(key)
	if err != nil {
		s.log.Debug("durable probe failed", "error", err)
		return false
	}
	return seen
}

// Warmup repopulates the bloom and LRU tiers from the recent forward
// index so a restart does not re-emit events already delivered.
func (s *Store) Warmup(ctx context.Context) error {
	limit := s.cfg.WarmupLimit
	if limit <= 0 {
		limit = s.cfg.HotsetSize
	}

	start := time.Now()
	ids, err := s.witness.RecentForwarded(limit)
	if err != nil {
		return fmt.Errorf("%w: warmup scan: %v", errors.ErrStoreUnavailable, err)
	}

	for i, id := range ids {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		s.bloom.Add(id[:])
		s.hot.Add(id)
	}
	s.warmed.Store(int64(len(ids)))

	s.log.Info("dedup warmup complete",
		"keys", len(ids),
		"limit", limit,
		"elapsed", time.Since(start))
	return nil
}

// MarkForwarded records that the event left through a sink, feeding the
// forward index warmup reads at the next start.
func (s *Store) MarkForwarded(ctx context.Context, key [32]byte) error {
	if s.witness == nil {
		return errors.ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.witness.MarkForwarded(key)
}

// StoreStats is the tier snapshot served by /api/metrics/summary.
type StoreStats struct {
	New              int64         `json:"new"`
	Duplicates       int64         `json:"duplicates"`
	HotEntries       int           `json:"hot_entries"`
	BloomApproxItems uint          `json:"bloom_approx_items"`
	BloomRotations   uint64        `json:"bloom_rotations"`
	WarmedKeys       int64         `json:"warmed_keys"`
	Witness          storage.Stats `json:"witness"`
}

// Stats returns a point-in-time snapshot of all tiers.
func (s *Store) Stats() StoreStats {
	stats := StoreStats{
		New:        s.newCount.Load(),
		Duplicates: s.dupCount.Load(),
		WarmedKeys: s.warmed.Load(),
	}
	if s.hot != nil {
		stats.HotEntries = s.hot.Len()
	}
	if s.bloom != nil {
		stats.BloomApproxItems = s.bloom.ApproxItems()
		stats.BloomRotations = s.bloom.Rotations()
	}
	if s.witness != nil {
		stats.Witness = s.witness.Stats()
	}
	return stats
}

// Close closes the durable tier. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.witness == nil {
		return nil
	}
	return s.witness.Close()
}

// janitor prunes the forward index past the retention horizon and keeps
// the hot-entries gauge current.
func (s *Store) janitor(ctx context.Context) {
	defer s.wg.Done()

	gaugeTick := time.NewTicker(gaugeInterval)
	defer gaugeTick.Stop()
	pruneTick := time.NewTicker(janitorInterval)
	defer pruneTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gaugeTick.C:
			if s.hotEntries != nil {
				s.hotEntries.Set(float64(s.hot.Len()))
			}
		case <-pruneTick.C:
			s.prune()
		}
	}
}

func (s *Store) prune() {
	cutoff := time.Now().Add(-s.cfg.Retention.Duration)
	removed, err := s.witness.PruneBefore(cutoff)
	if err != nil {
		s.log.Warn("retention prune failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("pruned forward index", "removed", removed, "cutoff", cutoff)
	}
	if err := s.witness.RunGC(); err != nil {
		s.log.Warn("value log gc failed", "error", err)
	}
}

func (s *Store) recordDuplicate() {
	s.dupCount.Add(1)
	if s.dupsFiltered != nil {
		s.dupsFiltered.Inc()
	}
}

func (s *Store) onBloomRotate() {
	if s.bloomRotations != nil {
		s.bloomRotations.Inc()
	}
	s.log.Info("bloom filter rotated", "rotations", s.bloom.Rotations())
}

func (s *Store) registerMetrics() error {
	if s.registry == nil {
		return nil
	}

	s.dupsFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "dedup",
		Name:      "duplicates_filtered_total",
		Help:      "Total number of duplicate events suppressed",
	})
	if err := s.registry.RegisterCounter(s.Name(), "duplicates_filtered_total", s.dupsFiltered); err != nil {
		return err
	}

	s.bloomRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "dedup",
		Name:      "bloom_rotations_total",
		Help:      "Total number of bloom filter cutovers",
	})
	if err := s.registry.RegisterCounter(s.Name(), "bloom_rotations_total", s.bloomRotations); err != nil {
		return err
	}

	s.hotEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaygate",
		Subsystem: "dedup",
		Name:      "hot_entries",
		Help:      "Current number of keys in the hot LRU tier",
	})
	return s.registry.RegisterGauge(s.Name(), "hot_entries", s.hotEntries)
}
