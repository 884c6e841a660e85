// Package monitor tracks request latency, error rates and process
// memory, both for in-process reporting and as Prometheus metrics
// scraped by operators.
package monitor

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultRingSize is the number of recent latency samples retained.
const DefaultRingSize = 10_000

// Config configures a Monitor.
type Config struct {
	RingSize  int
	Namespace string
	// Registerer lets callers supply an isolated prometheus.Registry
	// (tests should always do this; production can pass nil to use
	// the default global registry).
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.Namespace == "" {
		c.Namespace = "meridian"
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	return c
}

// Metrics are the Prometheus counterparts of the in-process
// counters/ring buffer, registered under Config.Namespace.
type Metrics struct {
	QueryDuration *prometheus.HistogramVec
	QueryTotal    *prometheus.CounterVec
	ErrorTotal    prometheus.Counter
	MemoryRSS     prometheus.Gauge
}

func newMetrics(cfg Config) *Metrics {
	factory := promauto.With(cfg.Registerer)
	return &Metrics{
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "query_duration_seconds",
			Help:      "Duration of dispatched tool queries in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"success"}),
		QueryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "queries_total",
			Help:      "Total number of tool queries recorded",
		}, []string{"success"}),
		ErrorTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors recorded",
		}),
		MemoryRSS: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "memory_rss_bytes",
			Help:      "Go runtime memory obtained from the OS (MemStats.Sys) at last collection; not the OS-reported RSS",
		}),
	}
}

// Snapshot is the result of CollectMetrics.
type Snapshot struct {
	P50Ms          float64
	P95Ms          float64
	P99Ms          float64
	P999Ms         float64
	SampleCount    int
	RequestCount   uint64
	ErrorCount     uint64
	MemoryRSSBytes uint64
	WindowStart    time.Time
}

// Monitor tracks latency samples and request/error counters.
type Monitor struct {
	cfg     Config
	metrics *Metrics

	mu           sync.Mutex
	ring         []float64
	ringPos      int
	ringFull     bool
	requestCount uint64
	errorCount   uint64
	windowStart  time.Time
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:         cfg,
		metrics:     newMetrics(cfg),
		ring:        make([]float64, cfg.RingSize),
		windowStart: time.Now(),
	}
}

// RecordLatency appends a latency sample (in milliseconds) to the ring
// buffer.
func (m *Monitor) RecordLatency(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.ringPos] = ms
	m.ringPos = (m.ringPos + 1) % len(m.ring)
	if m.ringPos == 0 {
		m.ringFull = true
	}
}

// RecordError increments the error counter.
func (m *Monitor) RecordError() {
	m.mu.Lock()
	m.errorCount++
	m.mu.Unlock()
	m.metrics.ErrorTotal.Inc()
}

// RecordQuery records one dispatched query's outcome and latency,
// updating both the ring buffer and the Prometheus histogram/counter.
func (m *Monitor) RecordQuery(ms float64, success bool) {
	m.mu.Lock()
	m.requestCount++
	m.mu.Unlock()
	m.RecordLatency(ms)

	label := "true"
	if !success {
		label = "false"
	}
	m.metrics.QueryDuration.WithLabelValues(label).Observe(ms / 1000)
	m.metrics.QueryTotal.WithLabelValues(label).Inc()
	if !success {
		m.RecordError()
	}
}

// CollectMetrics computes percentiles over a copy of the current ring
// buffer contents and samples the Go runtime's MemStats.Sys (memory
// obtained from the OS by the runtime) into MemoryRSSBytes; the
// OS-reported resident set size is not read.
func (m *Monitor) CollectMetrics() Snapshot {
	m.mu.Lock()
	samples := m.liveSamplesLocked()
	snap := Snapshot{
		SampleCount:  len(samples),
		RequestCount: m.requestCount,
		ErrorCount:   m.errorCount,
		WindowStart:  m.windowStart,
	}
	m.mu.Unlock()

	sort.Float64s(samples)
	snap.P50Ms = percentile(samples, 0.50)
	snap.P95Ms = percentile(samples, 0.95)
	snap.P99Ms = percentile(samples, 0.99)
	snap.P999Ms = percentile(samples, 0.999)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.MemoryRSSBytes = ms.Sys
	m.metrics.MemoryRSS.Set(float64(snap.MemoryRSSBytes))

	return snap
}

// liveSamplesLocked returns a copy of the populated ring contents.
// Caller must hold mu.
func (m *Monitor) liveSamplesLocked() []float64 {
	if m.ringFull {
		out := make([]float64, len(m.ring))
		copy(out, m.ring)
		return out
	}
	out := make([]float64, m.ringPos)
	copy(out, m.ring[:m.ringPos])
	return out
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// GenerateReport renders a human-readable snapshot and resets the
// request/error counters and the reporting window start. The ring
// buffer itself is not cleared: latency percentiles remain meaningful
// across report boundaries.
func (m *Monitor) GenerateReport() string {
	snap := m.CollectMetrics()

	m.mu.Lock()
	m.requestCount = 0
	m.errorCount = 0
	m.windowStart = time.Now()
	m.mu.Unlock()

	return fmt.Sprintf(
		"window=%s requests=%d errors=%d p50=%.2fms p95=%.2fms p99=%.2fms p999=%.2fms rss=%dB",
		snap.WindowStart.Format(time.RFC3339), snap.RequestCount, snap.ErrorCount,
		snap.P50Ms, snap.P95Ms, snap.P99Ms, snap.P999Ms, snap.MemoryRSSBytes,
	)
}
