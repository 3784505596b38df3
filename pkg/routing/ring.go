package routing

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"sync/atomic"

	"sharddb/pkg/clock"
	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

// HashKey places a key on the ring. Routing everywhere in the system
// uses this single function, so owners computed from snapshots and
// owners computed from live routing always agree.
func HashKey(key types.Key) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

func pointHash(id types.ShardID, replica int) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", id, replica)))
}

// RingEntry - одна виртуальная нода на кольце.
type RingEntry struct {
	Hash    uint32
	Shard   types.ShardID
	Replica int
}

// Snapshot is an immutable view of the ring. Readers binary-search it
// without taking any lock; writers build a new Snapshot and publish it
// atomically, so a routing call sees either the full pre-change or the
// full post-change ring, never an interleaving.
type Snapshot struct {
	entries  []RingEntry
	replicas map[types.ShardID]int
	gen      uint64
}

func (s *Snapshot) Len() int           { return len(s.entries) }
func (s *Snapshot) Generation() uint64 { return s.gen }

// Entries returns the sorted ring points. Callers must treat the
// slice as read-only.
func (s *Snapshot) Entries() []RingEntry { return s.entries }

// Shards returns the distinct shard IDs on the ring, sorted.
func (s *Snapshot) Shards() []types.ShardID {
	out := make([]types.ShardID, 0, len(s.replicas))
	for id := range s.replicas {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Snapshot) Has(id types.ShardID) bool {
	_, ok := s.replicas[id]
	return ok
}

// Owner returns the shard owning ring position h: владелец первой
// точки кольца с hash >= h, с заворотом через максимум.
func (s *Snapshot) Owner(h uint32) (types.ShardID, bool) {
	if len(s.entries) == 0 {
		return "", false
	}
	idx := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Hash >= h })
	if idx == len(s.entries) {
		idx = 0
	}
	return s.entries[idx].Shard, true
}

// OwnerOfKey is Owner(HashKey(key)).
func (s *Snapshot) OwnerOfKey(key types.Key) (types.ShardID, bool) {
	return s.Owner(HashKey(key))
}

// WithShard derives the snapshot the ring would publish after adding
// id. The result is for planning (diffing) only and carries no
// generation.
func (s *Snapshot) WithShard(id types.ShardID, replicaCount int) *Snapshot {
	entries := make([]RingEntry, 0, len(s.entries)+replicaCount)
	entries = append(entries, s.entries...)
	for i := 0; i < replicaCount; i++ {
		entries = append(entries, RingEntry{Hash: pointHash(id, i), Shard: id, Replica: i})
	}
	return derive(s, entries, func(m map[types.ShardID]int) { m[id] = replicaCount })
}

// WithoutShard derives the post-removal snapshot, for planning only.
func (s *Snapshot) WithoutShard(id types.ShardID) *Snapshot {
	entries := make([]RingEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Shard != id {
			entries = append(entries, e)
		}
	}
	return derive(s, entries, func(m map[types.ShardID]int) { delete(m, id) })
}

func derive(s *Snapshot, entries []RingEntry, patch func(map[types.ShardID]int)) *Snapshot {
	sortEntries(entries)
	replicas := make(map[types.ShardID]int, len(s.replicas)+1)
	for id, n := range s.replicas {
		replicas[id] = n
	}
	patch(replicas)
	return &Snapshot{entries: entries, replicas: replicas}
}

// Ring is the consistent-hashing KeyRouter strategy. Membership
// changes touch only the joining/leaving shard's points, so on average
// K/N keys move for K keys and N shards.
type Ring struct {
	mu   sync.Mutex // single writer
	snap atomic.Pointer[Snapshot]
	gen  *clock.Generation
}

func NewRing() *Ring {
	r := &Ring{gen: clock.NewGeneration()}
	r.snap.Store(&Snapshot{replicas: map[types.ShardID]int{}})
	return r
}

// Snapshot returns the currently published ring view.
func (r *Ring) Snapshot() *Snapshot {
	return r.snap.Load()
}

// ShardFor routes key to its owning shard.
func (r *Ring) ShardFor(key types.Key) (types.ShardID, error) {
	owner, ok := r.snap.Load().OwnerOfKey(key)
	if !ok {
		return "", dberrors.ErrNoShardsAvailable
	}
	return owner, nil
}

// AddShard puts replicaCount points for id on the ring and publishes
// the new snapshot.
func (r *Ring) AddShard(id types.ShardID, replicaCount int) error {
	if replicaCount < 1 {
		return fmt.Errorf("shard %s: replica count %d < 1", id, replicaCount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if cur.Has(id) {
		return fmt.Errorf("shard %s already on ring", id)
	}

	entries := make([]RingEntry, 0, len(cur.entries)+replicaCount)
	entries = append(entries, cur.entries...)
	for i := 0; i < replicaCount; i++ {
		entries = append(entries, RingEntry{Hash: pointHash(id, i), Shard: id, Replica: i})
	}
	r.publish(cur, entries, func(m map[types.ShardID]int) { m[id] = replicaCount })
	return nil
}

// RemoveShard drops all of id's points as one batch.
func (r *Ring) RemoveShard(id types.ShardID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if !cur.Has(id) {
		return fmt.Errorf("%w: %s", dberrors.ErrUnknownShard, id)
	}

	entries := make([]RingEntry, 0, len(cur.entries))
	for _, e := range cur.entries {
		if e.Shard != id {
			entries = append(entries, e)
		}
	}
	r.publish(cur, entries, func(m map[types.ShardID]int) { delete(m, id) })
	return nil
}

func sortEntries(entries []RingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Hash != entries[j].Hash {
			return entries[i].Hash < entries[j].Hash
		}
		if entries[i].Shard != entries[j].Shard {
			return entries[i].Shard < entries[j].Shard
		}
		return entries[i].Replica < entries[j].Replica
	})
}

// publish sorts entries and atomically swaps in the next snapshot.
// Caller holds r.mu.
func (r *Ring) publish(cur *Snapshot, entries []RingEntry, patch func(map[types.ShardID]int)) {
	sortEntries(entries)

	replicas := make(map[types.ShardID]int, len(cur.replicas)+1)
	for id, n := range cur.replicas {
		replicas[id] = n
	}
	patch(replicas)

	r.snap.Store(&Snapshot{
		entries:  entries,
		replicas: replicas,
		gen:      r.gen.Next(),
	})
}
