// Package errors provides standardized error handling patterns for relaygate components.
//
// # Overview
//
// The errors package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable), and
// Fatal (unrecoverable, stop processing). Classification lets the relay pool
// decide between backoff-and-reconnect and endpoint teardown, lets the HTTP
// gateway map failures to status codes, and keeps retry decisions out of
// error string matching.
//
// # Error Classification
//
//   - Transient: connection loss, timeouts, a temporarily unavailable dedup
//     store (retry or reconnect)
//   - Invalid: malformed frames, bad signatures, policy rejections, bad
//     configuration values (count and drop, never retry)
//   - Fatal: unopenable store, exhausted capacity, unrecoverable states
//     (stop processing)
//
// # Quick Start
//
// Return standard error variables for known conditions:
//
//	if !poolRunning {
//	    return errors.ErrNotStarted
//	}
//
// Wrap errors with component context:
//
//	if err := conn.WriteMessage(data); err != nil {
//	    return errors.WrapTransient(err, "Connection", "send", "write frame")
//	}
//
// Check classification when handling:
//
//	if err := store.CheckAndCommit(ctx, key); err != nil {
//	    if errors.IsTransient(err) {
//	        // drop the event, keep the pipeline running
//	    }
//	}
//
// # Error Wrapping Pattern
//
// All wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// The Wrap family applies this pattern while preserving classification
// through the chain. Use WrapTransient/WrapInvalid/WrapFatal to set a class,
// or Wrap to preserve the original one.
//
// # Standard Error Variables
//
// Pre-defined variables cover the gateway's error vocabulary: lifecycle
// (ErrAlreadyStarted, ErrNotStarted, ErrShuttingDown), upstream transport
// (ErrConnectionLost, ErrConnectionTimeout, ErrSubscriptionFailed), wire
// protocol (ErrProtocol, ErrMalformedFrame, ErrInvalidSignature), the dedup
// store (ErrStoreUnavailable, ErrKeyNotFound), configuration
// (ErrInvalidConfig, ErrMissingConfig), policy and capacity
// (ErrPolicyRejected, ErrRateLimited, ErrCapacityExhausted), and the
// control surface (ErrAuthRequired, ErrNotFound).
//
// Context errors (context.DeadlineExceeded, context.Canceled) classify as
// Transient so context-based timeouts are handled like network timeouts.
//
// All error types support errors.Is, errors.As, and wrapping chains.
package errors
