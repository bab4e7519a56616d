package health

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyHistogram tracks latency samples over a sliding window. Stats are
// computed lazily and cached until the next sample arrives.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
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

// RecordDuration converts a duration to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
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

// Stats returns min, max, avg and percentiles, recomputing only when new
// samples arrived since the last call.
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

// Metrics aggregates the executor's runtime counters for the status surface.
type Metrics struct {
	TickLatency     *LatencyHistogram
	DispatchLatency *LatencyHistogram

	signalsEmitted    uint64
	signalsSuppressed uint64
	commandsProcessed uint64
	errorsCount       uint64

	mu        sync.Mutex
	evalTimes []time.Time

	// cacheHitRate is supplied by the market data cache.
	cacheHitRate func() float64
}

func NewMetrics() *Metrics {
	return &Metrics{
		TickLatency:     NewLatencyHistogram(1000),
		DispatchLatency: NewLatencyHistogram(1000),
	}
}

// SetCacheHitRate wires the market cache's hit-rate supplier.
func (m *Metrics) SetCacheHitRate(fn func() float64) {
	m.mu.Lock()
	m.cacheHitRate = fn
	m.mu.Unlock()
}

// RecordEvaluation notes one completed strategy tick and its latency.
func (m *Metrics) RecordEvaluation(d time.Duration) {
	m.TickLatency.RecordDuration(d)

	now := time.Now()
	m.mu.Lock()
	m.evalTimes = append(m.evalTimes, now)
	m.pruneLocked(now)
	m.mu.Unlock()
}

// EvaluationsPerMinute counts ticks completed in the trailing minute.
func (m *Metrics) EvaluationsPerMinute() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	return len(m.evalTimes)
}

func (m *Metrics) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(m.evalTimes); i++ {
		if m.evalTimes[i].After(cutoff) {
			break
		}
	}
	m.evalTimes = m.evalTimes[i:]
}

func (m *Metrics) IncrementSignals()    { atomic.AddUint64(&m.signalsEmitted, 1) }
func (m *Metrics) IncrementSuppressed() { atomic.AddUint64(&m.signalsSuppressed, 1) }
func (m *Metrics) IncrementCommands()   { atomic.AddUint64(&m.commandsProcessed, 1) }
func (m *Metrics) IncrementErrors()     { atomic.AddUint64(&m.errorsCount, 1) }

// Snapshot is a point-in-time metrics view.
type Snapshot struct {
	EvaluationsPerMinute int          `json:"evaluationsPerMinute"`
	TickLatency          LatencyStats `json:"tickLatency"`
	DispatchLatency      LatencyStats `json:"dispatchLatency"`
	CacheHitRate         float64      `json:"cacheHitRate"`
	SignalsEmitted       uint64       `json:"signalsEmitted"`
	SignalsSuppressed    uint64       `json:"signalsSuppressed"`
	CommandsProcessed    uint64       `json:"commandsProcessed"`
	ErrorsCount          uint64       `json:"errorsCount"`
	GoroutineCount       int          `json:"goroutineCount"`
	HeapAlloc            uint64       `json:"heapAllocBytes"`
	Timestamp            time.Time    `json:"timestamp"`
}

// GetSnapshot collects the current counters.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.Lock()
	hitRate := 0.0
	if m.cacheHitRate != nil {
		fn := m.cacheHitRate
		m.mu.Unlock()
		hitRate = fn()
	} else {
		m.mu.Unlock()
	}

	return Snapshot{
		EvaluationsPerMinute: m.EvaluationsPerMinute(),
		TickLatency:          m.TickLatency.Stats(),
		DispatchLatency:      m.DispatchLatency.Stats(),
		CacheHitRate:         hitRate,
		SignalsEmitted:       atomic.LoadUint64(&m.signalsEmitted),
		SignalsSuppressed:    atomic.LoadUint64(&m.signalsSuppressed),
		CommandsProcessed:    atomic.LoadUint64(&m.commandsProcessed),
		ErrorsCount:          atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:       runtime.NumGoroutine(),
		HeapAlloc:            memStats.HeapAlloc,
		Timestamp:            time.Now().UTC(),
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

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
