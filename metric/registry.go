package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/relaygate/errors"
)

// MetricsRegistrar defines the interface for registering component-specific metrics
type MetricsRegistrar interface {
	RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error
	RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(serviceName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(serviceName, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a new metrics registry with core platform metrics
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	// Initialize and register core metrics
	registry.Metrics = NewMetrics()
	registry.registerMetrics()

	// Add Go runtime metrics
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core platform metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// register adds a collector under serviceName.metricName, rejecting
// duplicates tracked here or by Prometheus itself.
func (r *MetricsRegistry) register(serviceName, metricName, operation string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for service %s", metricName, serviceName),
			"MetricsRegistry", operation, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", operation,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", operation,
			"failed to register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// RegisterCounter registers a counter metric for a service
func (r *MetricsRegistry) RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error {
	return r.register(serviceName, metricName, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a service
func (r *MetricsRegistry) RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error {
	return r.register(serviceName, metricName, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram metric for a service
func (r *MetricsRegistry) RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error {
	return r.register(serviceName, metricName, "RegisterHistogram", histogram)
}

// RegisterCounterVec registers a counter vector metric for a service
func (r *MetricsRegistry) RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(serviceName, metricName, "RegisterCounterVec", counterVec)
}

// RegisterGaugeVec registers a gauge vector metric for a service
func (r *MetricsRegistry) RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(serviceName, metricName, "RegisterGaugeVec", gaugeVec)
}

// RegisterHistogramVec registers a histogram vector metric for a service
func (r *MetricsRegistry) RegisterHistogramVec(
	serviceName, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(serviceName, metricName, "RegisterHistogramVec", histogramVec)
}

// Unregister removes a metric from the registry
func (r *MetricsRegistry) Unregister(serviceName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}

	return success
}

// registerMetrics registers all core platform metrics
func (r *MetricsRegistry) registerMetrics() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.ServiceStatus,
		r.Metrics.EventsReceived,
		r.Metrics.EventsProcessed,
		r.Metrics.EventsForwarded,
		r.Metrics.ProcessingDuration,
		r.Metrics.ErrorsTotal,
		r.Metrics.HealthCheckStatus,
		r.Metrics.UpstreamConnected,
		r.Metrics.UpstreamReconnects,
		r.Metrics.UpstreamLastEvent,
	)
}
