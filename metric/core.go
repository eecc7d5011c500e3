package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not component-specific)
type Metrics struct {
	// Service metrics
	ServiceStatus      *prometheus.GaugeVec
	EventsReceived     *prometheus.CounterVec
	EventsProcessed    *prometheus.CounterVec
	EventsForwarded    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec

	// Upstream relay metrics
	UpstreamConnected  *prometheus.GaugeVec
	UpstreamReconnects *prometheus.CounterVec
	UpstreamLastEvent  *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Service metrics
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relaygate",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Total number of events received from upstream relays",
			},
			[]string{"service", "relay"},
		),

		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "events",
				Name:      "processed_total",
				Help:      "Total number of events processed",
			},
			[]string{"service", "kind", "status"},
		),

		EventsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "events",
				Name:      "forwarded_total",
				Help:      "Total number of events forwarded to output sinks",
			},
			[]string{"service", "sink"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relaygate",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Event processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relaygate",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"service"},
		),

		// Upstream relay metrics
		UpstreamConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relaygate",
				Subsystem: "upstream",
				Name:      "connected",
				Help:      "Upstream relay connection status (0=disconnected, 1=connected)",
			},
			[]string{"relay"},
		),

		UpstreamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaygate",
				Subsystem: "upstream",
				Name:      "reconnects_total",
				Help:      "Total number of upstream relay reconnections",
			},
			[]string{"relay"},
		),

		UpstreamLastEvent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relaygate",
				Subsystem: "upstream",
				Name:      "last_event_timestamp_seconds",
				Help:      "Unix timestamp of the last event received from each relay",
			},
			[]string{"relay"},
		),
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordEventReceived increments received event counter
func (c *Metrics) RecordEventReceived(service, relay string) {
	c.EventsReceived.WithLabelValues(service, relay).Inc()
}

// RecordEventProcessed increments processed event counter
func (c *Metrics) RecordEventProcessed(service, kind, status string) {
	c.EventsProcessed.WithLabelValues(service, kind, status).Inc()
}

// RecordEventForwarded increments forwarded event counter
func (c *Metrics) RecordEventForwarded(service, sink string) {
	c.EventsForwarded.WithLabelValues(service, sink).Inc()
}

// RecordProcessingDuration records processing time
func (c *Metrics) RecordProcessingDuration(service, operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(service, errorType string) {
	c.ErrorsTotal.WithLabelValues(service, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(service).Set(value)
}

// RecordUpstreamStatus updates per-relay connection status
func (c *Metrics) RecordUpstreamStatus(relay string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.UpstreamConnected.WithLabelValues(relay).Set(value)
}

// RecordUpstreamReconnect increments per-relay reconnection counter
func (c *Metrics) RecordUpstreamReconnect(relay string) {
	c.UpstreamReconnects.WithLabelValues(relay).Inc()
}

// RecordUpstreamLastEvent records the arrival time of the most recent event
// from a relay. The health loop reads this to flag silent connections.
func (c *Metrics) RecordUpstreamLastEvent(relay string, at time.Time) {
	c.UpstreamLastEvent.WithLabelValues(relay).Set(float64(at.Unix()))
}

// RemoveUpstream drops all per-relay series for an endpoint that has been
// removed from the pool so stale gauges do not linger in scrapes.
func (c *Metrics) RemoveUpstream(relay string) {
	c.UpstreamConnected.DeleteLabelValues(relay)
	c.UpstreamReconnects.DeleteLabelValues(relay)
	c.UpstreamLastEvent.DeleteLabelValues(relay)
}
