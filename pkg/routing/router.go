package routing

import (
	"sync"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

// Interval is one arc (Start, End] of the hash ring whose ownership
// moved from Source to Dest during a membership change. Start == End
// means the full circle.
type Interval struct {
	Start  uint32        `json:"start"`
	End    uint32        `json:"end"`
	Source types.ShardID `json:"source"`
	Dest   types.ShardID `json:"dest"`
}

// Contains reports whether ring position h lies on the arc.
func (iv Interval) Contains(h uint32) bool {
	switch {
	case iv.Start == iv.End:
		return true
	case iv.Start < iv.End:
		return h > iv.Start && h <= iv.End
	default: // заворот через максимум кольца
		return h > iv.Start || h <= iv.End
	}
}

// Router is the production KeyRouter: a consistent-hash ring plus a
// pinned-interval overlay used during rebalancing. Пока миграция арки
// не закоммичена, ключи этой арки продолжают ходить к старому
// владельцу - так ключ никогда не бывает недостижим или двувладельным.
type Router struct {
	ring *Ring

	mu     sync.RWMutex
	pinned []Interval
}

func NewRouter(ring *Ring) *Router {
	return &Router{ring: ring}
}

func (r *Router) Ring() *Ring { return r.ring }

// ShardFor routes key: pinned arcs win over the published ring.
func (r *Router) ShardFor(key types.Key) (types.ShardID, error) {
	h := HashKey(key)

	r.mu.RLock()
	for _, iv := range r.pinned {
		if iv.Contains(h) {
			r.mu.RUnlock()
			return iv.Source, nil
		}
	}
	r.mu.RUnlock()

	owner, ok := r.ring.Snapshot().Owner(h)
	if !ok {
		return "", dberrors.ErrNoShardsAvailable
	}
	return owner, nil
}

// Pin registers moved arcs so their keys keep routing to the
// pre-migration owner until Unpin.
func (r *Router) Pin(ivs []Interval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned = append(r.pinned, ivs...)
}

// Unpin atomically flips routing for one arc to the published ring
// (i.e. to the migration destination).
func (r *Router) Unpin(iv Interval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pinned {
		if p.Start == iv.Start && p.End == iv.End && p.Source == iv.Source {
			r.pinned = append(r.pinned[:i], r.pinned[i+1:]...)
			return
		}
	}
}

// UnpinAll removes a batch of pins, e.g. when a membership change is
// rolled back before any data moved.
func (r *Router) UnpinAll(ivs []Interval) {
	for _, iv := range ivs {
		r.Unpin(iv)
	}
}

// Pinned returns a copy of the in-flight arcs for Status().
func (r *Router) Pinned() []Interval {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Interval, len(r.pinned))
	copy(out, r.pinned)
	return out
}
