package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards everything. Handy default so components never nil-check.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

// Memory is a process-local Collector used by Status() and in tests.
type Memory struct {
	mu        sync.Mutex
	counters  map[string]float64
	gauges    map[string]float64
	histCount map[string]uint64
	histSum   map[string]float64
}

func NewMemory() *Memory {
	return &Memory{
		counters:  make(map[string]float64),
		gauges:    make(map[string]float64),
		histCount: make(map[string]uint64),
		histSum:   make(map[string]float64),
	}
}

// series flattens name+labels into one stable key, e.g.
// "scatter_gather_total{op=count,partial=true}".
func series(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func (m *Memory) IncCounter(name string, labels map[string]string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[series(name, labels)] += delta
}

func (m *Memory) SetGauge(name string, labels map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[series(name, labels)] = value
}

func (m *Memory) ObserveHistogram(name string, labels map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := series(name, labels)
	m.histCount[s]++
	m.histSum[s] += value
}

func (m *Memory) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[series(name, labels)]
}

func (m *Memory) Gauge(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[series(name, labels)]
}

// Snapshot returns a copy of all counters and gauges for Status().
func (m *Memory) Snapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, v := range m.counters {
		out[k] = v
	}
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}
