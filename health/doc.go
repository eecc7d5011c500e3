// Package health provides health tracking for RelayGate components with
// thread-safe status aggregation for the gateway's status endpoints.
//
// Each long-running piece of the gateway (relay pool, dedup store, event
// router, fanout bus, bot registry) reports its own three-state health, and
// the Monitor folds those into the system view served at /api/v1/health.
//
// # Health States
//
// The package supports three health states:
//   - healthy: component operating normally
//   - degraded: component operating with reduced capacity
//   - unhealthy: component not functioning
//
// Degraded exists so operational responses can be graduated. A relay pool
// with one endpoint in backoff is degraded and keeps forwarding; a pool with
// every endpoint down is unhealthy and needs attention.
//
// # Basic Usage
//
// Creating and tracking component health:
//
//	monitor := health.NewMonitor()
//
//	monitor.UpdateHealthy("relay-pool", "3/3 relays connected")
//	monitor.UpdateDegraded("relay-pool", "1/3 relays in backoff")
//	monitor.UpdateUnhealthy("bot-registry", "postgres pool exhausted")
//
//	if status, exists := monitor.Get("relay-pool"); exists {
//	    if !status.IsHealthy() {
//	        log.Warn("pool not fully connected", "message", status.Message)
//	    }
//	}
//
// # System-Wide Aggregation
//
// The gateway's health endpoint serves the aggregate of every registered
// component:
//
//	systemHealth := monitor.AggregateHealth("relaygate")
//
// Aggregation follows worst-case rules: any unhealthy component makes the
// system unhealthy, any degraded component (with none unhealthy) makes it
// degraded, and only a fully healthy set reports healthy. A single stalled
// dedup store is never masked by five healthy neighbors.
//
// # Component Integration
//
// Components expose component.HealthStatus through their Health method; the
// monitor converts and records it in one step:
//
//	monitor.UpdateFromComponent("dedup-store", store.Health())
//
// The conversion attaches uptime, error count and processed-event counters
// as Metrics, and sanitizes the last error message.
//
// # Error Message Sanitization
//
// Messages recorded via FromComponentHealth are sanitized before they can
// reach a dashboard. Transport errors in this codebase routinely embed relay
// URLs, the postgres DSN, or NATS endpoints, so the following are redacted:
//
//   - URLs (http://, https://, ws://, wss://, nats://, postgres://) -> [URL]
//   - File paths (Unix and Windows) -> [PATH]
//   - IP addresses -> [IP]
//   - Port numbers -> [PORT]
//   - Credentials (password=X, token=X, key=X, secret=X) -> [REDACTED]
//
// For example:
//
//	"dial wss://relay.damus.io: connect refused" -> "dial [URL] connect refused"
//
// Sanitization is not optional; over-redacting a debug message is cheaper
// than shipping a connection string to a status page.
//
// # Thread Safety
//
// All Monitor operations are safe for concurrent use. The pool health loop,
// the router, and HTTP handlers all touch the same monitor:
//
//	go poolHealthLoop(monitor)   // writes every 30s
//	go func() {                  // gateway reads per request
//	    status := monitor.AggregateHealth("relaygate")
//	    _ = json.NewEncoder(w).Encode(status)
//	}()
//
// Status is a value type; WithMetrics and WithSubStatus return copies, so a
// status handed out through GetAll can never be mutated behind the monitor's
// back.
//
// # HTTP Endpoint Shape
//
// The status handler maps aggregate health onto response codes:
//
//	systemHealth := monitor.AggregateHealth("relaygate")
//	code := http.StatusOK
//	if systemHealth.IsUnhealthy() {
//	    code = http.StatusServiceUnavailable
//	}
//	w.WriteHeader(code)
//	json.NewEncoder(w).Encode(systemHealth)
//
// Degraded deliberately returns 200: the gateway is still forwarding events,
// and load balancers should not evict it for a single relay in backoff.
package health
