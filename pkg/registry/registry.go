package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sharddb/pkg/clock"
	"sharddb/pkg/dberrors"
	"sharddb/pkg/storage"
	"sharddb/pkg/types"
)

// ShardRecord is the registry's view of one shard. The registry owns
// these records; the health monitor and the rebalance manager are the
// only writers.
type ShardRecord struct {
	ID        types.ShardID
	Addr      string
	Backend   storage.Backend
	Load      float64
	State     types.HealthState
	LastProbe time.Time
}

type EventKind int

const (
	ShardAdded EventKind = iota
	ShardRemoved
	ShardUpdated
)

func (k EventKind) String() string {
	switch k {
	case ShardAdded:
		return "added"
	case ShardRemoved:
		return "removed"
	default:
		return "updated"
	}
}

// Event is a membership delta delivered to subscribers.
type Event struct {
	Kind   EventKind
	Record ShardRecord
}

// snapshot - иммутабельный срез членства, публикуется атомарно.
type snapshot struct {
	records map[types.ShardID]ShardRecord
	gen     uint64
}

// Registry is the single source of truth for shard metadata. One
// writer path under mu, lock-free snapshot reads, subscriber
// notification on every delta.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	gen  *clock.Generation

	subMu sync.Mutex
	subs  []chan Event
}

func New() *Registry {
	r := &Registry{gen: clock.NewGeneration()}
	r.snap.Store(&snapshot{records: map[types.ShardID]ShardRecord{}})
	return r
}

func (r *Registry) Get(id types.ShardID) (ShardRecord, error) {
	rec, ok := r.snap.Load().records[id]
	if !ok {
		return ShardRecord{}, fmt.Errorf("%w: %s", dberrors.ErrUnknownShard, id)
	}
	return rec, nil
}

// All returns the current records sorted by shard ID.
func (r *Registry) All() []ShardRecord {
	snap := r.snap.Load()
	out := make([]ShardRecord, 0, len(snap.records))
	for _, rec := range snap.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generation reports the membership generation of the current view.
func (r *Registry) Generation() uint64 {
	return r.snap.Load().gen
}

func (r *Registry) Upsert(rec ShardRecord) {
	r.mu.Lock()
	cur := r.snap.Load()
	_, existed := cur.records[rec.ID]
	r.publish(cur, func(m map[types.ShardID]ShardRecord) { m[rec.ID] = rec })
	r.mu.Unlock()

	kind := ShardAdded
	if existed {
		kind = ShardUpdated
	}
	r.notify(Event{Kind: kind, Record: rec})
}

func (r *Registry) Remove(id types.ShardID) error {
	r.mu.Lock()
	cur := r.snap.Load()
	rec, ok := cur.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", dberrors.ErrUnknownShard, id)
	}
	r.publish(cur, func(m map[types.ShardID]ShardRecord) { delete(m, id) })
	r.mu.Unlock()

	r.notify(Event{Kind: ShardRemoved, Record: rec})
	return nil
}

// SetHealth обновляет состояние шарда по результату пробы.
func (r *Registry) SetHealth(id types.ShardID, state types.HealthState, load float64, probedAt time.Time) error {
	r.mu.Lock()
	cur := r.snap.Load()
	rec, ok := cur.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", dberrors.ErrUnknownShard, id)
	}
	changed := rec.State != state
	rec.State = state
	rec.Load = load
	rec.LastProbe = probedAt
	r.publish(cur, func(m map[types.ShardID]ShardRecord) { m[id] = rec })
	r.mu.Unlock()

	if changed {
		r.notify(Event{Kind: ShardUpdated, Record: rec})
	}
	return nil
}

// publish copies the record map, applies patch and swaps the snapshot.
// Caller holds r.mu.
func (r *Registry) publish(cur *snapshot, patch func(map[types.ShardID]ShardRecord)) {
	next := make(map[types.ShardID]ShardRecord, len(cur.records)+1)
	for id, rec := range cur.records {
		next[id] = rec
	}
	patch(next)
	r.snap.Store(&snapshot{records: next, gen: r.gen.Next()})
}

// Subscribe returns a buffered channel of membership deltas. Медленный
// подписчик теряет события, а не блокирует реестр.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) notify(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("registry subscriber queue full, dropping event",
				"kind", ev.Kind.String(), "shard", ev.Record.ID)
		}
	}
}
