// Package buffer provides thread-safe circular buffers with configurable overflow policies,
// built-in statistics tracking, and optional Prometheus metrics integration.
//
// # Overview
//
// The buffer package implements circular buffers for managing data flow
// between producers and consumers in concurrent systems. Buffers are generic,
// thread-safe, and provide observability through always-on statistics and
// optional metrics. Each fanout sink in the gateway owns one of these
// buffers, so a slow subscriber sheds its own backlog instead of stalling
// the event pipeline.
//
// # Quick Start
//
// Basic buffer creation:
//
//	buf, err := buffer.NewCircularBuffer[int](1000)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Write data
//	err = buf.Write(42)
//
//	// Read data
//	value, ok := buf.Read()
//
// With overflow policy and metrics:
//
//	buf, err := buffer.NewCircularBuffer[[]byte](5000,
//		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
//		buffer.WithMetrics[[]byte](registry, "fanout_client"),
//	)
//
// # Overflow Policies
//
// The buffer supports three overflow behaviors when capacity is reached:
//
//   - DropOldest: Remove oldest item to make room (default)
//   - DropNewest: Reject new items when full
//   - Block: Write operations wait for available space
//
// Example with blocking policy:
//
//	buf, _ := buffer.NewCircularBuffer[*Event](100,
//		buffer.WithOverflowPolicy[*Event](buffer.Block),
//	)
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	err := buf.WriteWithContext(ctx, event)
//
// # Consumer Wakeups
//
// Consumers that drain the buffer from their own goroutine wait on Notify()
// instead of polling:
//
//	for {
//		select {
//		case <-buf.Done():
//			return
//		case <-buf.Notify():
//			for {
//				batch := buf.ReadBatch(64)
//				if len(batch) == 0 {
//					break
//				}
//				deliver(batch)
//			}
//		}
//	}
//
// The notify channel has capacity one and signals are coalesced; a consumer
// that drains after each signal never misses items.
//
// # Observability
//
// The buffer implements a dual-tracking pattern:
//
// Statistics (Always On):
//   - Tracks all operations using atomic counters
//   - Zero configuration required
//   - Available via buf.Stats()
//   - Provides computed metrics (throughput, drop rate, utilization)
//
// Prometheus Metrics (Optional):
//   - Enabled via WithMetrics() option
//   - Includes component labels for instance identification
//   - Standard metric types (Counter, Gauge)
//
// Statistics stay available without Prometheus so tests and status
// endpoints can read counters directly; the drop counter doubles as the
// per-sink lag signal surfaced by the fanout status API.
//
// # Thread Safety
//
// All buffer operations are thread-safe for concurrent use:
//   - Multiple producers can write concurrently
//   - Multiple consumers can read concurrently
//   - Statistics use atomic operations (lock-free)
//   - Internal state protected by sync.RWMutex
//   - Block policy uses sync.Cond for waiting
//
// Drop callbacks run after the internal lock is released, so callbacks may
// inspect the buffer or log without risking deadlock.
//
// # Performance Characteristics
//
// Operations:
//   - Write: O(1) constant time
//   - Read: O(1) constant time
//   - ReadBatch: O(n) where n is batch size
//   - Peek: O(1) constant time
//
// Memory:
//   - Pre-allocated circular array
//   - No dynamic allocations during operation
//   - Memory usage: capacity * sizeof(T)
package buffer
