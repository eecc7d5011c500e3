// Package component defines the lifecycle contract shared by every
// long-running part of the gateway and the Runner that drives them.
//
// # Overview
//
// The gateway is assembled from a handful of long-lived components: the
// relay pool, the dedup store, the event router, the fanout bus, the bot
// registry, and the HTTP gateway. Each one implements LifecycleComponent
// and is registered with a Runner in dependency order. The Runner starts
// them front to back and stops them back to front, so consumers are
// always running before their producers and producers drain before their
// consumers go away.
//
// # Lifecycle
//
// Every component moves through the same states:
//
//	Created -> Initialized -> Started -> Stopped
//	                 \            \
//	                  Failed       Failed
//
// The contract has three phases:
//
//	type LifecycleComponent interface {
//		Name() string
//		Initialize() error
//		Start(ctx context.Context) error
//		Stop(timeout time.Duration) error
//	}
//
// Initialize validates configuration and acquires passive resources
// (open a database, build internal structures). It must not spawn
// goroutines or touch the network in a way that needs cancelling.
//
// Start begins active operation: dial relays, spawn workers, subscribe.
// The context passed to Start is a child context owned by the Runner;
// it is cancelled when the component is stopped. Components hand it to
// their goroutines rather than storing it on the struct.
//
// Stop performs graceful shutdown within the timeout: stop intake,
// drain in-flight work, close connections, release resources. Stop must
// be safe to call even when the work loops have already exited from
// context cancellation.
//
// # Runner
//
// The Runner owns startup and shutdown ordering:
//
//	runner := component.NewRunner(logger)
//	runner.Register(dedupStore)
//	runner.Register(fanoutBus)
//	runner.Register(relayPool)
//
//	if err := runner.StartAll(ctx); err != nil {
//		return err // already-started components were rolled back
//	}
//	defer runner.StopAll(10 * time.Second)
//
// StartAll initializes and starts components in registration order. If
// any component fails, the components started so far are stopped again
// in reverse order and the error is returned; the process never runs
// half-assembled.
//
// StopAll stops components in reverse registration order. A component
// that fails to stop is logged and recorded, but shutdown continues to
// the remaining components. The individual failures are joined into the
// returned error.
//
// # Health
//
// Components that can say something useful about their own condition
// implement HealthChecker:
//
//	func (p *Pool) Health() component.HealthStatus {
//		return component.HealthStatus{
//			Healthy:         p.connectedCount() > 0,
//			EventsProcessed: p.eventsSeen.Load(),
//			LastCheck:       time.Now(),
//		}
//	}
//
// Runner.Health collects these for the health endpoint. Components
// without a HealthChecker get a status derived from their lifecycle
// state, so everything registered shows up in /status.
package component
