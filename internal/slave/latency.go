package slave

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// LatencyStats summarizes how long applying a message took, in milliseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	P50   float64 `json:"p50_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// applyLatency is a microsecond histogram of Apply durations. Durations above
// one minute are not recorded.
type applyLatency struct {
	mu sync.Mutex
	h  *hdrhistogram.Histogram
}

func newApplyLatency() *applyLatency {
	return &applyLatency{h: hdrhistogram.New(1, time.Minute.Microseconds(), 3)}
}

func (l *applyLatency) record(d time.Duration) {
	us := max(d.Microseconds(), 1)
	l.mu.Lock()
	_ = l.h.RecordValue(us)
	l.mu.Unlock()
}

func (l *applyLatency) stats() LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Count: l.h.TotalCount(),
		P50:   usToMs(l.h.ValueAtQuantile(50)),
		P99:   usToMs(l.h.ValueAtQuantile(99)),
		Max:   usToMs(l.h.Max()),
	}
}

func usToMs(us int64) float64 {
	return float64(us) / 1000
}
