// Package worker provides a generic, thread-safe worker pool for concurrent task processing.
//
// # Overview
//
// The worker package implements a worker pool pattern with:
//   - Generic type support (Go 1.18+) for type-safe work processing
//   - Bounded queues with two submission modes (drop or block)
//   - Context-aware cancellation and graceful shutdown
//   - Dual-tracking observability (always-on statistics + optional Prometheus metrics)
//   - Configurable worker count and queue sizing
//
// # Core Concepts
//
// Worker Pool Pattern:
//
// The pool manages a fixed number of goroutines (workers) that process work
// items from a bounded channel (queue). This pattern provides:
//   - Resource control: Fixed memory and goroutine overhead
//   - Backpressure: Queue fills when workers can't keep up
//   - Load distribution: Work items evenly distributed across workers
//   - Observability: Statistics on throughput, latency, and queue depth
//
// Generic Type Safety:
//
// Using Go generics, the pool can process any work type T without type
// assertions:
//
//	type VerifyTask struct {
//	    Relay string
//	    Raw   []byte
//	}
//
//	pool := worker.NewPool[VerifyTask](
//	    8,     // workers
//	    4096,  // queue size
//	    func(ctx context.Context, task VerifyTask) error {
//	        // Verify and route the event
//	        return nil
//	    },
//	)
//
// Dual-Tracking Observability:
//
//   - Statistics: ALWAYS tracked using atomic operations (zero-allocation)
//   - Metrics: OPTIONAL Prometheus metrics for external monitoring
//
// # Submission Modes
//
// Submit() uses a non-blocking send and returns ErrQueueFull when the queue
// is at capacity. Use it on paths where dropping under overload is the right
// answer and the drop counter is the overload signal.
//
// SubmitWait(ctx) blocks until the queue has space, the context is
// cancelled, or the pool stops. Use it on paths that must not lose work;
// a full queue then propagates backpressure to the producer (for a
// websocket read loop, all the way to TCP).
//
// # Shutdown
//
// Stop(timeout) provides best-effort graceful shutdown:
//  1. Reject new submissions and release any blocked SubmitWait callers
//  2. Close the work channel once no submitter is mid-send
//  3. Workers drain remaining queue items (unless the Start context is cancelled)
//  4. Wait for all workers with timeout, returning ErrStopTimeout on overrun
//
// Individual work items don't have per-item timeouts. If you need those,
// implement them in the processor function using the context.
//
// # Usage
//
//	pool := worker.NewPool[Job](5, 100, process,
//	    worker.WithMetricsRegistry[Job](registry, "verify"))
//
//	ctx := context.Background()
//	if err := pool.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.SubmitWait(ctx, job); err != nil {
//	    // Pool stopping or context cancelled
//	}
//
// Statistics are available at any time:
//
//	stats := pool.Stats()
//	log.Printf("processed=%d failed=%d dropped=%d depth=%d",
//	    stats.Processed, stats.Failed, stats.Dropped, stats.QueueDepth)
package worker
