package metrics

import "testing"

func TestMemory_Counters(t *testing.T) {
	m := NewMemory()
	labels := map[string]string{"op": "count", "partial": "true"}

	m.IncCounter("scatter_gather_total", labels, 1)
	m.IncCounter("scatter_gather_total", labels, 2)
	if got := m.Counter("scatter_gather_total", labels); got != 3 {
		t.Fatalf("counter = %v, want 3", got)
	}
	// другая комбинация лейблов - другая серия
	if got := m.Counter("scatter_gather_total", map[string]string{"op": "scan", "partial": "true"}); got != 0 {
		t.Fatalf("unrelated series = %v, want 0", got)
	}
}

func TestMemory_GaugesAndSnapshot(t *testing.T) {
	m := NewMemory()
	m.SetGauge("shards_total", nil, 3)
	m.SetGauge("shards_total", nil, 4)
	if got := m.Gauge("shards_total", nil); got != 4 {
		t.Fatalf("gauge = %v, want 4", got)
	}

	m.IncCounter("txn_total", map[string]string{"outcome": "committed"}, 1)
	snap := m.Snapshot()
	if snap["shards_total"] != 4 {
		t.Fatalf("snapshot gauge = %v", snap["shards_total"])
	}
	if snap["txn_total{outcome=committed}"] != 1 {
		t.Fatalf("snapshot missing labeled counter: %v", snap)
	}
}

func TestSeries_StableLabelOrder(t *testing.T) {
	a := series("m", map[string]string{"b": "2", "a": "1"})
	b := series("m", map[string]string{"a": "1", "b": "2"})
	if a != b {
		t.Fatalf("series not stable: %q vs %q", a, b)
	}
	if a != "m{a=1,b=2}" {
		t.Fatalf("series = %q", a)
	}
}
