// Package storage provides the durable witness store backing
// deduplication. Every accepted event leaves an evt: record, every
// delivered event an fwd: record plus a time-indexed succ: record, so
// the in-memory tiers can be rebuilt after a restart.
package storage

import (
	"encoding/binary"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/c360/relaygate/errors"
)

// Key prefixes. The success index key carries a zero-padded hex
// millisecond timestamp so lexical order is time order.
const (
	prefixSeen      = "evt:"
	prefixForwarded = "fwd:"
	prefixSuccess   = "succ:"
)

// Options configures the store.
type Options struct {
	Path       string
	SyncWrites bool
	// Retention bounds how long witness records live. Zero keeps them
	// forever.
	Retention time.Duration
	Logger    *slog.Logger
}

// WitnessStore is the badger-backed witness record store.
type WitnessStore struct {
	db        *badger.DB
	retention time.Duration
	now       func() time.Time

	commits  atomic.Int64
	forwards atomic.Int64
	checks   atomic.Int64
}

// Open opens or creates the store at opts.Path.
func Open(opts Options) (*WitnessStore, error) {
	if opts.Path == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "WitnessStore", "Open", "resolve store path")
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "WitnessStore", "Open", "create store directory")
	}

	badgerOpts := badger.DefaultOptions(opts.Path).
		WithSyncWrites(opts.SyncWrites)
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&slogAdapter{opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"WitnessStore", "Open", "open badger at "+opts.Path)
	}

	return &WitnessStore{
		db:        db,
		retention: opts.Retention,
		now:       time.Now,
	}, nil
}

// Seen reports whether the event was witnessed before.
func (s *WitnessStore) Seen(id [32]byte) (bool, error) {
	s.checks.Add(1)

	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(seenKey(id))
		switch {
		case err == nil:
			found = true
			return nil
		case stderrors.Is(err, badger.ErrKeyNotFound):
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, errors.WrapTransient(err, "WitnessStore", "Seen", "read witness record")
	}
	return found, nil
}

// Commit records that the event was witnessed. The value holds the
// witness time in unix milliseconds.
func (s *WitnessStore) Commit(id [32]byte) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(s.now().UnixMilli()))

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(seenKey(id), val))
	})
	if err != nil {
		return errors.WrapTransient(err, "WitnessStore", "Commit", "write witness record")
	}
	s.commits.Add(1)
	return nil
}

// MarkForwarded records successful delivery: the fwd: record and a
// succ: index entry, written in one transaction.
func (s *WitnessStore) MarkForwarded(id [32]byte) error {
	ms := s.now().UnixMilli()
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(s.entry(forwardedKey(id), nil)); err != nil {
			return err
		}
		return txn.SetEntry(s.entry(successKey(id, ms), nil))
	})
	if err != nil {
		return errors.WrapTransient(err, "WitnessStore", "MarkForwarded", "write delivery record")
	}
	s.forwards.Add(1)
	return nil
}

// WasForwarded reports whether the event has a delivery record.
func (s *WitnessStore) WasForwarded(id [32]byte) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(forwardedKey(id))
		switch {
		case err == nil:
			found = true
			return nil
		case stderrors.Is(err, badger.ErrKeyNotFound):
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, errors.WrapTransient(err, "WitnessStore", "WasForwarded", "read delivery record")
	}
	return found, nil
}

// RecentForwarded returns up to limit recently delivered event IDs,
// newest first. Used to rebuild the in-memory tiers on startup.
func (s *WitnessStore) RecentForwarded(limit int) ([][32]byte, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids := make([][32]byte, 0, limit)
	prefix := []byte(prefixSuccess)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the last key of the prefix.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			id, ok := parseSuccessKey(it.Item().Key())
			if !ok {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "WitnessStore", "RecentForwarded", "scan success index")
	}
	return ids, nil
}

// PruneBefore deletes success-index entries older than cutoff and
// returns how many were removed. The scan walks the index oldest first
// and stops at the first entry inside the horizon; evt: and fwd:
// records expire through their TTL.
func (s *WitnessStore) PruneBefore(cutoff time.Time) (int, error) {
	cutMs := cutoff.UnixMilli()
	prefix := []byte(prefixSuccess)

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			ms, ok := successKeyTime(key)
			if !ok {
				continue
			}
			if ms >= cutMs {
				break
			}
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "WitnessStore", "PruneBefore", "scan success index")
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, errors.WrapTransient(err, "WitnessStore", "PruneBefore", "delete stale entry")
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, errors.WrapTransient(err, "WitnessStore", "PruneBefore", "flush deletions")
	}
	return len(stale), nil
}

// RunGC runs one value-log garbage collection pass, repeating while
// badger keeps finding space to reclaim.
func (s *WitnessStore) RunGC() error {
	for {
		err := s.db.RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if stderrors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		return errors.WrapTransient(err, "WitnessStore", "RunGC", "reclaim value log")
	}
}

// Size returns the LSM and value-log sizes in bytes.
func (s *WitnessStore) Size() (lsm, vlog int64) {
	return s.db.Size()
}

// Stats is a snapshot of store activity since open.
type Stats struct {
	Commits   int64 `json:"commits"`
	Forwards  int64 `json:"forwards"`
	Checks    int64 `json:"checks"`
	LSMBytes  int64 `json:"lsm_bytes"`
	VlogBytes int64 `json:"vlog_bytes"`
}

// Stats returns current counters and on-disk sizes.
func (s *WitnessStore) Stats() Stats {
	lsm, vlog := s.db.Size()
	return Stats{
		Commits:   s.commits.Load(),
		Forwards:  s.forwards.Load(),
		Checks:    s.checks.Load(),
		LSMBytes:  lsm,
		VlogBytes: vlog,
	}
}

// Close closes the underlying database.
func (s *WitnessStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "WitnessStore", "Close", "close badger")
	}
	return nil
}

// entry applies the retention TTL when one is configured.
func (s *WitnessStore) entry(key, val []byte) *badger.Entry {
	e := badger.NewEntry(key, val)
	if s.retention > 0 {
		e = e.WithTTL(s.retention)
	}
	return e
}

func seenKey(id [32]byte) []byte {
	return append([]byte(prefixSeen), hexID(id)...)
}

func forwardedKey(id [32]byte) []byte {
	return append([]byte(prefixForwarded), hexID(id)...)
}

func successKey(id [32]byte, unixMilli int64) []byte {
	key := make([]byte, 0, len(prefixSuccess)+16+1+64)
	key = append(key, prefixSuccess...)
	key = append(key, fmt.Sprintf("%016x", unixMilli)...)
	key = append(key, ':')
	return append(key, hexID(id)...)
}

// parseSuccessKey extracts the event ID from succ:<ms>:<id>.
func parseSuccessKey(key []byte) ([32]byte, bool) {
	var id [32]byte
	rest := key[len(prefixSuccess):]
	if len(rest) != 16+1+64 || rest[16] != ':' {
		return id, false
	}
	if _, err := hex.Decode(id[:], rest[17:]); err != nil {
		return id, false
	}
	return id, true
}

// successKeyTime extracts the millisecond timestamp from succ:<ms>:<id>.
func successKeyTime(key []byte) (int64, bool) {
	rest := key[len(prefixSuccess):]
	if len(rest) < 17 || rest[16] != ':' {
		return 0, false
	}
	ms, err := strconv.ParseInt(string(rest[:16]), 16, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

func hexID(id [32]byte) []byte {
	out := make([]byte, 64)
	hex.Encode(out, id[:])
	return out
}

// slogAdapter bridges badger's logger to slog. Badger's info output is
// compaction chatter and maps to debug.
type slogAdapter struct {
	log *slog.Logger
}

func (a *slogAdapter) Errorf(format string, args ...any) {
	a.log.Error(fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Warningf(format string, args ...any) {
	a.log.Warn(fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Infof(format string, args ...any) {
	a.log.Debug(fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Debugf(format string, args ...any) {
	a.log.Debug(fmt.Sprintf(format, args...))
}
