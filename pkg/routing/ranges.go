package routing

import (
	"fmt"
	"sort"
	"sync"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

// KeyRange is one contiguous [Start, End) slice of the key space.
// Пустой End означает "до конца ключевого пространства".
type KeyRange struct {
	Start types.Key     `json:"start"`
	End   types.Key     `json:"end"`
	Shard types.ShardID `json:"shard"`
}

func (r KeyRange) contains(key types.Key) bool {
	return key >= r.Start && (r.End == "" || key < r.End)
}

// RangeTable is the range-partitioning strategy: sorted,
// non-overlapping, contiguous ranges per shard. Splits and merges are
// explicit administrative operations, not automatic like ring points.
type RangeTable struct {
	mu     sync.RWMutex
	ranges []KeyRange // sorted by Start, contiguous
}

// NewRangeTable starts with the whole key space owned by owner.
func NewRangeTable(owner types.ShardID) *RangeTable {
	return &RangeTable{ranges: []KeyRange{{Start: "", End: "", Shard: owner}}}
}

func (t *RangeTable) ShardFor(key types.Key) (types.ShardID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.ranges) == 0 {
		return "", dberrors.ErrNoShardsAvailable
	}
	idx := t.locate(key)
	if idx < 0 || !t.ranges[idx].contains(key) {
		return "", fmt.Errorf("%w: no range for key %q", dberrors.ErrNoShardsAvailable, key)
	}
	return t.ranges[idx].Shard, nil
}

// locate returns the index of the last range with Start <= key.
// Caller holds at least a read lock.
func (t *RangeTable) locate(key types.Key) int {
	idx := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].Start > key })
	return idx - 1
}

// Split cuts the range containing at into [start, at) and [at, end),
// handing the upper half to shard.
func (t *RangeTable) Split(at types.Key, shard types.ShardID) error {
	if at == "" {
		return fmt.Errorf("split boundary must be non-empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.locate(at)
	if idx < 0 || !t.ranges[idx].contains(at) {
		return fmt.Errorf("no range contains boundary %q", at)
	}
	cur := t.ranges[idx]
	if cur.Start == at {
		return fmt.Errorf("boundary %q already starts a range", at)
	}

	upper := KeyRange{Start: at, End: cur.End, Shard: shard}
	t.ranges[idx].End = at
	t.ranges = append(t.ranges, KeyRange{})
	copy(t.ranges[idx+2:], t.ranges[idx+1:])
	t.ranges[idx+1] = upper
	return nil
}

// Merge removes the boundary at, folding the range starting there into
// its left neighbor.
func (t *RangeTable) Merge(at types.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.ranges {
		if r.Start == at && i > 0 {
			t.ranges[i-1].End = r.End
			t.ranges = append(t.ranges[:i], t.ranges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no range starts at boundary %q", at)
}

// Ranges returns a copy of the current assignment for Status().
func (t *RangeTable) Ranges() []KeyRange {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]KeyRange, len(t.ranges))
	copy(out, t.ranges)
	return out
}
