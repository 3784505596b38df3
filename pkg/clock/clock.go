package clock

import (
	"sync/atomic"
	"time"
)

// Generation is a monotonically increasing counter used to number
// published ring and registry snapshots.
type Generation struct {
	atomic.Uint64
}

func NewGeneration() *Generation {
	return &Generation{}
}

func (g *Generation) Val() uint64 {
	return g.Load()
}

func (g *Generation) Next() uint64 {
	return g.Add(1)
}

// Clock abstracts wall time so probe timestamps and grace periods can
// be driven by a fake in tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
