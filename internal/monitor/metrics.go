package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks control-plane performance counters and latency windows.
type Metrics struct {
	// Latency histograms
	ExchangeLatency *LatencyHistogram
	DecisionLatency *LatencyHistogram
	APILatency      *LatencyHistogram

	ticksProcessed uint64
	ordersAccepted uint64
	ordersRejected uint64
	errorsCount    uint64
}

// LatencyHistogram tracks latency samples over a sliding window with lazily
// recomputed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		ExchangeLatency: NewLatencyHistogram(1000),
		DecisionLatency: NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
	}
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99 over the window, recomputing
// only when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

func (m *Metrics) IncrementTicks()    { atomic.AddUint64(&m.ticksProcessed, 1) }
func (m *Metrics) IncrementAccepted() { atomic.AddUint64(&m.ordersAccepted, 1) }
func (m *Metrics) IncrementRejected() { atomic.AddUint64(&m.ordersRejected, 1) }
func (m *Metrics) IncrementErrors()   { atomic.AddUint64(&m.errorsCount, 1) }

// MetricsSnapshot is a point-in-time view for the health surface.
type MetricsSnapshot struct {
	ExchangeLatency LatencyStats `json:"exchange_latency"`
	DecisionLatency LatencyStats `json:"decision_latency"`
	APILatency      LatencyStats `json:"api_latency"`
	TicksProcessed  uint64       `json:"ticks_processed"`
	OrdersAccepted  uint64       `json:"orders_accepted"`
	OrdersRejected  uint64       `json:"orders_rejected"`
	ErrorsCount     uint64       `json:"errors_count"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// Snapshot returns a point-in-time metrics snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		ExchangeLatency: m.ExchangeLatency.Stats(),
		DecisionLatency: m.DecisionLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		TicksProcessed:  atomic.LoadUint64(&m.ticksProcessed),
		OrdersAccepted:  atomic.LoadUint64(&m.ordersAccepted),
		OrdersRejected:  atomic.LoadUint64(&m.ordersRejected),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
