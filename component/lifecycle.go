package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates component was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates component was initialized but not started
	StateInitialized
	// StateStarted indicates component is running
	StateStarted
	// StateStopped indicates component was stopped
	StateStopped
	// StateFailed indicates component failed during a lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LifecycleComponent is the contract every long-running gateway piece
// implements (relay pool, dedup store, event router, fanout bus, registry,
// metrics server):
//   - Initialize() error                    // setup/allocate only, NO context
//   - Start(ctx context.Context) error      // begin work, ctx bounds the run
//   - Stop(timeout time.Duration) error     // graceful shutdown within timeout
//
// Components never store the start context; it arrives as a parameter and
// its cancellation is the signal to wind down background goroutines.
type LifecycleComponent interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// HealthStatus describes the current health state of a component
type HealthStatus struct {
	Healthy         bool          `json:"healthy"`
	LastCheck       time.Time     `json:"last_check"`
	ErrorCount      int           `json:"error_count"`
	LastError       string        `json:"last_error,omitempty"`
	Uptime          time.Duration `json:"uptime"`
	EventsProcessed int64         `json:"events_processed,omitempty"`
}

// HealthChecker is implemented by components that report their own health
type HealthChecker interface {
	Health() HealthStatus
}
