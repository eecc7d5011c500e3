package component

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/relaygate/errors"
)

// rollbackStopTimeout bounds the Stop calls issued while unwinding a
// partially started set after a StartAll failure.
const rollbackStopTimeout = 5 * time.Second

// managed tracks one registered component and its lifecycle bookkeeping.
// The runner stores the component's child cancel func; the component itself
// only ever sees the context as a Start parameter.
type managed struct {
	comp    LifecycleComponent
	state   State
	cancel  context.CancelFunc
	lastErr error
}

// Runner owns the ordered lifecycle of the gateway's components. Components
// are started in registration order and stopped in reverse, so the fanout
// side drains before the upstream pool is torn down.
type Runner struct {
	mu      sync.Mutex
	logger  *slog.Logger
	entries []*managed
	byName  map[string]*managed
	started bool
}

// NewRunner creates a runner. A nil logger falls back to slog.Default.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger: logger,
		byName: make(map[string]*managed),
	}
}

// Register adds a component to the runner. Registration order determines
// start order. Components cannot be registered after StartAll.
func (r *Runner) Register(comp LifecycleComponent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Runner", "Register",
			fmt.Sprintf("cannot register %s after StartAll", comp.Name()))
	}
	if _, exists := r.byName[comp.Name()]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("component %s already registered", comp.Name()),
			"Runner", "Register", "duplicate component name")
	}

	entry := &managed{comp: comp, state: StateCreated}
	r.entries = append(r.entries, entry)
	r.byName[comp.Name()] = entry
	return nil
}

// StartAll initializes and starts every registered component in order. Each
// component receives its own child context so it can be cancelled
// individually during shutdown. On failure the already-started components
// are stopped in reverse order before the error is returned.
func (r *Runner) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Runner", "StartAll", "runner already started")
	}

	for i, entry := range r.entries {
		name := entry.comp.Name()

		r.logger.Debug("Initializing component", "component", name)
		if err := entry.comp.Initialize(); err != nil {
			entry.state = StateFailed
			entry.lastErr = err
			r.unwindLocked(i)
			return errors.WrapFatal(err, "Runner", "StartAll",
				fmt.Sprintf("initialize %s", name))
		}
		entry.state = StateInitialized

		childCtx, cancel := context.WithCancel(ctx)
		entry.cancel = cancel

		r.logger.Debug("Starting component", "component", name)
		if err := entry.comp.Start(childCtx); err != nil {
			cancel()
			entry.state = StateFailed
			entry.lastErr = err
			r.unwindLocked(i)
			return errors.WrapFatal(err, "Runner", "StartAll",
				fmt.Sprintf("start %s", name))
		}
		entry.state = StateStarted
		r.logger.Info("Component started", "component", name)
	}

	r.started = true
	return nil
}

// unwindLocked stops components [0, failedIndex) in reverse order after a
// StartAll failure. Caller holds the mutex.
func (r *Runner) unwindLocked(failedIndex int) {
	for i := failedIndex - 1; i >= 0; i-- {
		entry := r.entries[i]
		if entry.state != StateStarted {
			continue
		}
		name := entry.comp.Name()
		if entry.cancel != nil {
			entry.cancel()
		}
		if err := entry.comp.Stop(rollbackStopTimeout); err != nil {
			r.logger.Error("Component stop failed during rollback",
				"component", name, "error", err)
			entry.state = StateFailed
			entry.lastErr = err
			continue
		}
		entry.state = StateStopped
	}
}

// StopAll stops every started component in reverse registration order.
// Each component's child context is cancelled before Stop is called, then
// Stop gets the full timeout. Stop failures do not halt the sequence; they
// are joined into the returned error.
func (r *Runner) StopAll(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	overallStart := time.Now()

	for i := len(r.entries) - 1; i >= 0; i-- {
		entry := r.entries[i]
		if entry.state != StateStarted {
			continue
		}
		name := entry.comp.Name()

		stopStart := time.Now()
		r.logger.Debug("Stopping component", "component", name)

		if entry.cancel != nil {
			entry.cancel()
		}
		if err := entry.comp.Stop(timeout); err != nil {
			r.logger.Error("Component stop failed",
				"component", name,
				"duration_ms", time.Since(stopStart).Milliseconds(),
				"error", err)
			entry.state = StateFailed
			entry.lastErr = err
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			continue
		}

		entry.state = StateStopped
		r.logger.Debug("Component stopped",
			"component", name,
			"duration_ms", time.Since(stopStart).Milliseconds())
	}

	r.started = false
	r.logger.Info("Component shutdown complete",
		"duration_ms", time.Since(overallStart).Milliseconds(),
		"errors", len(errs))

	return stderrors.Join(errs...)
}

// States returns the current lifecycle state of every registered component
func (r *Runner) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.entries))
	for _, entry := range r.entries {
		states[entry.comp.Name()] = entry.state
	}
	return states
}

// Health returns per-component health. Components implementing HealthChecker
// report their own; for the rest, health is derived from lifecycle state.
func (r *Runner) Health() map[string]HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	healths := make(map[string]HealthStatus, len(r.entries))
	for _, entry := range r.entries {
		name := entry.comp.Name()
		if hc, ok := entry.comp.(HealthChecker); ok {
			healths[name] = hc.Health()
			continue
		}

		hs := HealthStatus{
			Healthy:   entry.state == StateStarted,
			LastCheck: time.Now(),
		}
		if entry.lastErr != nil {
			hs.LastError = entry.lastErr.Error()
			hs.ErrorCount = 1
		}
		healths[name] = hs
	}
	return healths
}
