package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer performance counters. All counters use atomics
// so recording never contends with buffer operations.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	peeks     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64

	currentSize atomic.Int64
	maxSize     atomic.Int64

	mu        sync.RWMutex
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// Write records a buffer write operation.
func (s *Statistics) Write() {
	s.writes.Add(1)
}

// Read records a buffer read operation.
func (s *Statistics) Read() {
	s.reads.Add(1)
}

// Peek records a buffer peek operation.
func (s *Statistics) Peek() {
	s.peeks.Add(1)
}

// Overflow records a buffer overflow event.
func (s *Statistics) Overflow() {
	s.overflows.Add(1)
}

// Drop records an item drop due to overflow policy.
func (s *Statistics) Drop() {
	s.drops.Add(1)
}

// UpdateSize updates the current buffer size and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.currentSize.Store(size)
	for {
		max := s.maxSize.Load()
		if size <= max || s.maxSize.CompareAndSwap(max, size) {
			return
		}
	}
}

// Writes returns the total number of write operations.
func (s *Statistics) Writes() int64 {
	return s.writes.Load()
}

// Reads returns the total number of read operations.
func (s *Statistics) Reads() int64 {
	return s.reads.Load()
}

// Peeks returns the total number of peek operations.
func (s *Statistics) Peeks() int64 {
	return s.peeks.Load()
}

// Overflows returns the total number of overflow events.
func (s *Statistics) Overflows() int64 {
	return s.overflows.Load()
}

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 {
	return s.drops.Load()
}

// CurrentSize returns the current number of items in the buffer.
func (s *Statistics) CurrentSize() int64 {
	return s.currentSize.Load()
}

// MaxSize returns the maximum number of items the buffer has held.
func (s *Statistics) MaxSize() int64 {
	return s.maxSize.Load()
}

// Throughput returns the average number of writes per second.
func (s *Statistics) Throughput() float64 {
	s.mu.RLock()
	elapsed := time.Since(s.startTime)
	s.mu.RUnlock()

	if elapsed == 0 {
		return 0.0
	}

	return float64(s.Writes()) / elapsed.Seconds()
}

// ReadThroughput returns the average number of reads per second.
func (s *Statistics) ReadThroughput() float64 {
	s.mu.RLock()
	elapsed := time.Since(s.startTime)
	s.mu.RUnlock()

	if elapsed == 0 {
		return 0.0
	}

	return float64(s.Reads()) / elapsed.Seconds()
}

// DropRate returns the fraction of writes that resulted in drops (0.0 to 1.0).
func (s *Statistics) DropRate() float64 {
	writes := s.Writes()
	drops := s.Drops()

	if writes == 0 {
		return 0.0
	}

	return float64(drops) / float64(writes)
}

// OverflowRate returns the fraction of writes that caused overflows (0.0 to 1.0).
func (s *Statistics) OverflowRate() float64 {
	writes := s.Writes()
	overflows := s.Overflows()

	if writes == 0 {
		return 0.0
	}

	return float64(overflows) / float64(writes)
}

// Utilization returns the current buffer utilization (0.0 to 1.0).
func (s *Statistics) Utilization(capacity int64) float64 {
	if capacity == 0 {
		return 0.0
	}

	return float64(s.CurrentSize()) / float64(capacity)
}

// Uptime returns how long the buffer has been running.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Reset resets all statistics to zero.
func (s *Statistics) Reset() {
	s.writes.Store(0)
	s.reads.Store(0)
	s.peeks.Store(0)
	s.overflows.Store(0)
	s.drops.Store(0)
	s.currentSize.Store(0)
	s.maxSize.Store(0)

	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()
}

// StatsSummary is a point-in-time snapshot of all statistics.
type StatsSummary struct {
	Writes         int64         `json:"writes"`
	Reads          int64         `json:"reads"`
	Peeks          int64         `json:"peeks"`
	Overflows      int64         `json:"overflows"`
	Drops          int64         `json:"drops"`
	CurrentSize    int64         `json:"current_size"`
	MaxSize        int64         `json:"max_size"`
	Throughput     float64       `json:"throughput"`
	ReadThroughput float64       `json:"read_throughput"`
	DropRate       float64       `json:"drop_rate"`
	OverflowRate   float64       `json:"overflow_rate"`
	Uptime         time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:         s.Writes(),
		Reads:          s.Reads(),
		Peeks:          s.Peeks(),
		Overflows:      s.Overflows(),
		Drops:          s.Drops(),
		CurrentSize:    s.CurrentSize(),
		MaxSize:        s.MaxSize(),
		Throughput:     s.Throughput(),
		ReadThroughput: s.ReadThroughput(),
		DropRate:       s.DropRate(),
		OverflowRate:   s.OverflowRate(),
		Uptime:         s.Uptime(),
	}
}
