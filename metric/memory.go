package metric

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/relaygate/errors"
)

const (
	memorySamplerName = "memory-sampler"

	sampleInterval = 5 * time.Second
)

// MemorySnapshot is the /api/metrics/memory payload.
type MemorySnapshot struct {
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	HeapSysMB     float64 `json:"heap_sys_mb"`
	ResidentMB    float64 `json:"resident_mb"`
	StackInUseMB  float64 `json:"stack_inuse_mb"`
	NumGC         uint32  `json:"num_gc"`
	NumGoroutines int     `json:"num_goroutines"`
	SampledAt     int64   `json:"sampled_at"`
}

// SampleMemory reads the runtime's memory stats once.
func SampleMemory() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mb = 1024 * 1024
	return MemorySnapshot{
		HeapAllocMB:   float64(ms.HeapAlloc) / mb,
		HeapSysMB:     float64(ms.HeapSys) / mb,
		ResidentMB:    float64(ms.Sys) / mb,
		StackInUseMB:  float64(ms.StackInuse) / mb,
		NumGC:         ms.NumGC,
		NumGoroutines: runtime.NumGoroutine(),
		SampledAt:     time.Now().Unix(),
	}
}

// MemorySampler implements component.LifecycleComponent. It feeds the
// process memory gauges every five seconds; the same snapshot backs the
// JSON memory endpoint.
type MemorySampler struct {
	registry *MetricsRegistry

	residentMB prometheus.Gauge
	heapMB     prometheus.Gauge
	goroutines prometheus.Gauge

	stop chan struct{}
	done chan struct{}
}

// NewMemorySampler creates the sampler against the shared registry.
func NewMemorySampler(registry *MetricsRegistry) *MemorySampler {
	return &MemorySampler{registry: registry}
}

// Name implements component.LifecycleComponent.
func (m *MemorySampler) Name() string { return memorySamplerName }

func (m *MemorySampler) Initialize() error {
	if m.registry == nil {
		return nil
	}

	m.residentMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaygate",
		Subsystem: "process",
		Name:      "resident_mb",
		Help:      "Process memory obtained from the OS in megabytes",
	})
	if err := m.registry.RegisterGauge(memorySamplerName, "resident_mb", m.residentMB); err != nil {
		return err
	}
	m.heapMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaygate",
		Subsystem: "process",
		Name:      "heap_alloc_mb",
		Help:      "Live heap allocation in megabytes",
	})
	if err := m.registry.RegisterGauge(memorySamplerName, "heap_alloc_mb", m.heapMB); err != nil {
		return err
	}
	m.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaygate",
		Subsystem: "process",
		Name:      "goroutines",
		Help:      "Current number of goroutines",
	})
	return m.registry.RegisterGauge(memorySamplerName, "goroutines", m.goroutines)
}

func (m *MemorySampler) Start(ctx context.Context) error {
	if m.stop != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "MemorySampler", "Start", "check lifecycle")
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		m.sample()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
	return nil
}

func (m *MemorySampler) Stop(timeout time.Duration) error {
	if m.stop == nil {
		return nil
	}
	close(m.stop)
	select {
	case <-m.done:
	case <-time.After(timeout):
	}
	m.stop = nil
	return nil
}

func (m *MemorySampler) sample() {
	if m.residentMB == nil {
		return
	}
	snap := SampleMemory()
	m.residentMB.Set(snap.ResidentMB)
	m.heapMB.Set(snap.HeapAllocMB)
	m.goroutines.Set(float64(snap.NumGoroutines))
}
