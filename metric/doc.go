// Package metric provides Prometheus-based metrics collection and an HTTP
// server for relay gateway monitoring and observability.
//
// The package offers a centralized metrics registry managing both core
// platform metrics (service status, event flow, upstream relay health) and
// custom component-specific metrics. It includes an HTTP server exposing
// metrics in Prometheus format for monitoring system integration.
//
// # Architecture
//
// The package follows a three-layer design:
//
//  1. Core Metrics: Platform-level metrics automatically registered (Metrics type)
//  2. Component Registry: Extensible registration for component-specific metrics (MetricsRegistrar interface)
//  3. HTTP Server: Metrics endpoint with health checks (Server type)
//
// This architecture separates infrastructure concerns (core metrics) from
// application concerns (component-specific metrics) while providing a unified
// metrics endpoint for monitoring systems.
//
// # Basic Usage
//
// Setting up metrics collection and the HTTP server:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Printf("Metrics server error: %v", err)
//	    }
//	}()
//
//	// Record core platform metrics
//	coreMetrics := registry.CoreMetrics()
//	coreMetrics.RecordServiceStatus("router", 2)
//	coreMetrics.RecordEventReceived("pool", "wss://relay.damus.io")
//	coreMetrics.RecordUpstreamStatus("wss://relay.damus.io", true)
//
// The metrics server exposes Prometheus-formatted metrics at
// http://localhost:9090/metrics and a health check at
// http://localhost:9090/health.
//
// # Core Metrics
//
// The package automatically registers core platform metrics tracking:
//
//   - Service lifecycle: service_status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)
//   - Event flow: events_received_total, events_processed_total, events_forwarded_total
//   - Processing performance: processing_duration_seconds
//   - Upstream connectivity: upstream_connected, upstream_reconnects_total, upstream_last_event_timestamp_seconds
//   - Error tracking: errors_total
//   - Health: health_status
//
// All core metrics use the namespace "relaygate" and appropriate subsystems:
//   - relaygate_service_status{service="..."}
//   - relaygate_events_received_total{service="...",relay="..."}
//   - relaygate_upstream_connected{relay="..."}
//
// # Component-Specific Metrics
//
// Components register custom metrics through the registry:
//
//	hits := prometheus.NewCounterVec(
//	    prometheus.CounterOpts{
//	        Name: "dedup_hits_total",
//	        Help: "Duplicate detections by tier",
//	    },
//	    []string{"tier"},
//	)
//	err := registry.RegisterCounterVec("dedup", "dedup_hits_total", hits)
//
// Registration rejects duplicate names, both through the registry's own
// bookkeeping and through the underlying Prometheus registry. Duplicate
// registrations return an Invalid classified error; other Prometheus
// failures return a Fatal one.
//
// # MetricsRegistrar Interface
//
// Components accept the MetricsRegistrar interface for dependency injection:
//
//	type Store struct {
//	    metrics metric.MetricsRegistrar
//	}
//
// This enables testing with mock registrars and keeps components decoupled
// from the concrete registry.
//
// # Thread Safety
//
// All registry operations are thread-safe:
//   - Registration methods use mutex protection
//   - Metric recording is lock-free (Prometheus guarantee)
//   - CoreMetrics() returns a thread-safe shared instance
//   - PrometheusRegistry() is safe for concurrent access
//
// # Prometheus Integration
//
// The package uses the official Prometheus Go client library and exposes
// metrics in OpenMetrics format. Configure Prometheus to scrape the endpoint:
//
//	# prometheus.yml
//	scrape_configs:
//	  - job_name: 'relaygate'
//	    static_configs:
//	      - targets: ['localhost:9090']
//	    metrics_path: '/metrics'
//	    scrape_interval: 15s
package metric
