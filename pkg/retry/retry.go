// Package retry provides exponential backoff retry logic for transient failures
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (0 = no retry, just run once)
	InitialDelay time.Duration // Initial delay between attempts
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add randomness to prevent thundering herd
}

// DefaultConfig returns sensible defaults for retry operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Do executes fn with exponential backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	// Validate configuration
	if cfg.InitialDelay < 0 {
		return errors.New("retry: InitialDelay cannot be negative")
	}
	if cfg.MaxDelay < 0 {
		return errors.New("retry: MaxDelay cannot be negative")
	}
	if cfg.Multiplier < 0 {
		return errors.New("retry: Multiplier cannot be negative")
	}
	// Prevent overflow with extremely large multipliers
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1 // At least try once
	}

	// Set defaults if not specified
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}

	// Additional validation after defaults
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.InitialDelay {
		return errors.New("retry: MaxDelay must be >= InitialDelay")
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		// Try the operation
		err := fn()
		if err == nil {
			return nil // Success!
		}
		lastErr = err

		// Check if error is marked as non-retryable - fail immediately
		if IsNonRetryable(err) {
			return err
		}

		// Check if context is cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}

		// Don't sleep after the last attempt
		if attempt == cfg.MaxAttempts {
			break
		}

		// Calculate sleep duration with optional jitter
		sleepDuration := delay
		if cfg.AddJitter {
			// Add up to 25% jitter using thread-safe random
			randMu.Lock()
			jitter := time.Duration(randSource.Int63n(int64(delay / 4)))
			randMu.Unlock()
			sleepDuration = delay + jitter
		}

		// Sleep with context cancellation support
		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop() // Stop timer immediately when context cancelled
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
			// Timer fired, channel drained, no need to stop
		}

		// Calculate next delay with overflow protection
		nextDelay := float64(delay) * cfg.Multiplier
		// Check for overflow or exceeding MaxDelay
		if nextDelay > float64(cfg.MaxDelay) || nextDelay > float64(time.Duration(1<<63-1)) {
			delay = cfg.MaxDelay
		} else {
			delay = time.Duration(nextDelay)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

// Quick returns a config for fast retries (useful during startup)
func Quick() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Persistent returns a config for long-running retries (useful for critical resources)
func Persistent() Config {
	return Config{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Backoff computes reconnect delays for connection state machines that manage
// their own retry loop instead of wrapping an operation in Do. Delay grows
// exponentially from Initial to Cap; with FullJitter the returned delay is
// drawn uniformly from [0, computed], which spreads reconnect storms across
// endpoints sharing the same failure time.
type Backoff struct {
	Initial    time.Duration // First delay (attempt 1)
	Cap        time.Duration // Upper bound for the computed delay
	Multiplier float64       // Growth factor per attempt (typically 2.0)
	FullJitter bool          // Draw uniformly from [0, delay] instead of delay
}

// DefaultBackoff matches the upstream reconnect policy: 1s initial, 60s cap,
// doubling, full jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    1 * time.Second,
		Cap:        60 * time.Second,
		Multiplier: 2.0,
		FullJitter: true,
	}
}

// Delay returns the backoff delay for the given attempt (1-based).
// Attempt values below 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 60 * time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2.0
	}

	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if delay >= float64(cap) {
			delay = float64(cap)
			break
		}
	}

	d := time.Duration(delay)
	if d > cap {
		d = cap
	}

	if b.FullJitter && d > 0 {
		randMu.Lock()
		d = time.Duration(randSource.Int63n(int64(d) + 1))
		randMu.Unlock()
	}

	return d
}
