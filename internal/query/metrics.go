package query

import "sync"

// Metrics accumulates counters describing which execution strategies ran,
// for dashboards and capacity planning. It is safe for concurrent use.
type Metrics struct {
	mu        sync.Mutex
	modeCount map[Mode]uint64
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{modeCount: make(map[Mode]uint64)}
}

func (m *Metrics) recordMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeCount[mode]++
}

// Snapshot returns a point-in-time copy of the mode counters.
func (m *Metrics) Snapshot() map[Mode]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Mode]uint64, len(m.modeCount))
	for k, v := range m.modeCount {
		out[k] = v
	}
	return out
}
