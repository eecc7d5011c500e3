package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/c360/relaygate/errors"
)

// circularBuffer is a thread-safe circular buffer with configurable overflow policies.
type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int            // Points to the next write position
	tail     int            // Points to the next read position
	stats    *Statistics    // ALWAYS initialized for observability
	metrics  *bufferMetrics // Optional Prometheus metrics
	opts     *bufferOptions[T]

	// Consumer wakeup
	notify chan struct{}
	done   chan struct{}

	// For Block policy
	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

// newCircularBuffer creates a new circular buffer instance.
// Returns an error if metrics registration fails when requested.
func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1 // Minimum capacity
	}

	// Stats are ALWAYS initialized - observability is not optional
	stats := NewStatistics()

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    stats,
		metrics:  metrics,
		opts:     opts,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)

	return cb, nil
}

// signalNotify wakes one waiting consumer. Non-blocking; a pending signal
// already covers any number of queued items.
func (cb *circularBuffer[T]) signalNotify() {
	select {
	case cb.notify <- struct{}{}:
	default:
	}
}

// Write adds an item to the buffer according to the overflow policy.
// Drop callbacks run after the lock is released so they may safely
// touch the buffer again.
func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	var droppedItem T
	haveDropped := false

	if cb.size == cb.capacity {
		switch cb.opts.overflowPolicy {
		case DropOldest:
			// Remove oldest item to make room
			droppedItem = cb.items[cb.tail]
			haveDropped = true
			var zero T
			cb.items[cb.tail] = zero
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--

			cb.stats.Overflow()
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
				cb.metrics.recordDrop()
			}

		case DropNewest:
			// Drop the new item, buffer unchanged
			cb.stats.Overflow()
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
				cb.metrics.recordDrop()
			}
			callback := cb.opts.dropCallback
			cb.mu.Unlock()

			if callback != nil {
				callback(item)
			}
			return nil

		case Block:
			// Wait for space to become available
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}

			if cb.closed {
				cb.mu.Unlock()
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))

	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}

	cb.notEmpty.Signal()
	callback := cb.opts.dropCallback
	cb.mu.Unlock()

	if haveDropped && callback != nil {
		callback(droppedItem)
	}
	cb.signalNotify()

	return nil
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T

	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero // Clear for GC
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))

	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}

	// Signal waiting writers
	cb.notFull.Signal()

	return item, true
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	readCount := max
	if readCount > cb.size {
		readCount = cb.size
	}

	result := make([]T, readCount)
	var zero T

	for i := 0; i < readCount; i++ {
		result[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero // Clear for GC
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--

		cb.stats.Read()
	}

	cb.stats.UpdateSize(int64(cb.size))

	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size, cb.capacity)
	}

	// Signal waiting writers for each freed slot
	for i := 0; i < readCount; i++ {
		cb.notFull.Signal()
	}

	return result
}

// Peek retrieves one item without removing it from the buffer.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	var zero T

	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]

	cb.stats.Peek()

	if cb.metrics != nil {
		cb.metrics.recordPeek()
	}

	return item, true
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity // Immutable, no lock needed
}

// IsFull returns true if the buffer is at maximum capacity.
func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == cb.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == 0
}

// Clear removes all items from the buffer. Drop callbacks for cleared
// items run after the lock is released.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()

	var itemsToDrop []T
	if cb.opts.dropCallback != nil && cb.size > 0 {
		itemsToDrop = make([]T, cb.size)
		for i := 0; i < cb.size; i++ {
			idx := (cb.tail + i) % cb.capacity
			itemsToDrop[i] = cb.items[idx]
		}
	}

	var zero T
	for i := 0; i < cb.capacity; i++ {
		cb.items[i] = zero
	}

	cb.head = 0
	cb.tail = 0
	cb.size = 0

	cb.stats.UpdateSize(0)

	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}

	// Wake all waiting writers
	cb.notFull.Broadcast()
	callback := cb.opts.dropCallback
	cb.mu.Unlock()

	if callback != nil {
		for _, item := range itemsToDrop {
			callback(item)
		}
	}
}

// Notify returns the consumer wakeup channel.
func (cb *circularBuffer[T]) Notify() <-chan struct{} {
	return cb.notify
}

// Done returns a channel closed when the buffer is closed.
func (cb *circularBuffer[T]) Done() <-chan struct{} {
	return cb.done
}

// Stats returns buffer statistics (always available for observability).
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer and releases resources.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}

	cb.closed = true
	close(cb.done)

	// Wake up all waiting goroutines
	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()

	return nil
}

// WriteWithTimeout attempts to write an item with a timeout when using Block policy.
func (cb *circularBuffer[T]) WriteWithTimeout(item T, timeout time.Duration) error {
	if cb.opts.overflowPolicy != Block {
		return cb.Write(item)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return cb.WriteWithContext(ctx, item)
}

// WriteWithContext attempts to write an item with context cancellation when using Block policy.
func (cb *circularBuffer[T]) WriteWithContext(ctx context.Context, item T) error {
	if cb.opts.overflowPolicy != Block {
		return cb.Write(item)
	}

	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "WriteWithContext", "buffer closed")
	}

	if err := ctx.Err(); err != nil {
		cb.mu.Unlock()
		return err
	}

	if cb.size == cb.capacity {
		// The watcher wakes cond waiters when the context is cancelled;
		// Broadcast is safe without holding the mutex.
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				cb.notFull.Broadcast()
			case <-watchDone:
			}
		}()

		for cb.size == cb.capacity && !cb.closed {
			if err := ctx.Err(); err != nil {
				cb.mu.Unlock()
				return err
			}

			cb.notFull.Wait()

			if err := ctx.Err(); err != nil {
				cb.mu.Unlock()
				return err
			}
		}

		if cb.closed {
			cb.mu.Unlock()
			return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "WriteWithContext",
				"buffer closed during wait")
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))

	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}

	cb.notEmpty.Signal()
	cb.mu.Unlock()

	cb.signalNotify()

	return nil
}
