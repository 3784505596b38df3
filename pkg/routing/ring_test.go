package routing

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

// кольцо из N шардов с заданным числом виртуальных нод
func makeRing(t *testing.T, n, replicas int) *Ring {
	t.Helper()
	r := NewRing()
	for i := 1; i <= n; i++ {
		if err := r.AddShard(types.ShardID(fmt.Sprintf("shard-%d", i)), replicas); err != nil {
			t.Fatalf("AddShard: %v", err)
		}
	}
	return r
}

func TestRing_EmptyRing(t *testing.T) {
	r := NewRing()
	_, err := r.ShardFor("key")
	if !errors.Is(err, dberrors.ErrNoShardsAvailable) {
		t.Fatalf("expected ErrNoShardsAvailable, got %v", err)
	}
}

func TestRing_Deterministic(t *testing.T) {
	a := makeRing(t, 3, 32)
	b := makeRing(t, 3, 32)

	for i := 0; i < 1000; i++ {
		k := fmt.Sprintf("key-%d", i)
		oa, err := a.ShardFor(k)
		if err != nil {
			t.Fatalf("ShardFor: %v", err)
		}
		ob, _ := b.ShardFor(k)
		if oa != ob {
			t.Fatalf("key %q: ring a says %s, ring b says %s", k, oa, ob)
		}
		// повторный вызов на том же кольце обязан дать тот же ответ
		oa2, _ := a.ShardFor(k)
		if oa != oa2 {
			t.Fatalf("key %q: unstable owner %s vs %s", k, oa, oa2)
		}
	}
}

// равномерность распределения ~ 1/N с допуском
func TestRing_DistributionUniformity(t *testing.T) {
	N := 3
	r := makeRing(t, N, 256)
	total := 60_000

	counts := map[types.ShardID]int{}
	for i := 0; i < total; i++ {
		k := fmt.Sprintf("key-%d", i)
		owner, err := r.ShardFor(k)
		if err != nil {
			t.Fatalf("ring returned no owner for key %q", k)
		}
		counts[owner]++
	}
	ideal := float64(total) / float64(N)
	tolerance := 0.15 * ideal // 15% коридор

	for shard, c := range counts {
		diff := math.Abs(float64(c) - ideal)
		if diff > tolerance {
			t.Fatalf("shard %s: count=%d ideal=%.0f diff=%.0f > tol=%.0f", shard, c, ideal, diff, tolerance)
		}
	}
}

// минимальные перемещения при добавлении шарда (~1/(N+1))
func TestRing_MinimalMovementOnAdd(t *testing.T) {
	N := 3
	total := 100_000

	r := makeRing(t, N, 128)
	before := make([]types.ShardID, total)
	for i := 0; i < total; i++ {
		owner, err := r.ShardFor(fmt.Sprintf("k-%d", i))
		if err != nil {
			t.Fatalf("no owner before add for i=%d", i)
		}
		before[i] = owner
	}

	if err := r.AddShard("shard-4", 128); err != nil {
		t.Fatalf("AddShard: %v", err)
	}

	moved := 0
	for i := 0; i < total; i++ {
		now, _ := r.ShardFor(fmt.Sprintf("k-%d", i))
		if before[i] != now {
			moved++
			// переехать можно только на новый шард
			if now != "shard-4" {
				t.Fatalf("key k-%d moved to %s, not to the new shard", i, now)
			}
		}
	}
	frac := float64(moved) / float64(total)
	if frac < 0.18 || frac > 0.32 { // ожидаемо около 0.25
		t.Fatalf("moved fraction %.3f out of expected range [0.18..0.32]", frac)
	}
}

func TestRing_RemoveShardMovesOnlyItsKeys(t *testing.T) {
	r := makeRing(t, 3, 64)
	total := 30_000

	before := make([]types.ShardID, total)
	for i := 0; i < total; i++ {
		before[i], _ = r.ShardFor(fmt.Sprintf("k-%d", i))
	}

	if err := r.RemoveShard("shard-2"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}

	for i := 0; i < total; i++ {
		now, err := r.ShardFor(fmt.Sprintf("k-%d", i))
		if err != nil {
			t.Fatalf("no owner after remove for i=%d", i)
		}
		if before[i] == "shard-2" {
			if now == "shard-2" {
				t.Fatalf("key k-%d still owned by removed shard", i)
			}
		} else if now != before[i] {
			t.Fatalf("key k-%d changed owner %s -> %s without its shard leaving", i, before[i], now)
		}
	}
}

func TestRing_AddExistingShard(t *testing.T) {
	r := makeRing(t, 2, 16)
	if err := r.AddShard("shard-1", 16); err == nil {
		t.Fatal("expected error on duplicate AddShard")
	}
}

func TestRing_RemoveUnknownShard(t *testing.T) {
	r := makeRing(t, 2, 16)
	if err := r.RemoveShard("shard-9"); !errors.Is(err, dberrors.ErrUnknownShard) {
		t.Fatalf("expected ErrUnknownShard, got %v", err)
	}
}

// снапшот, взятый до изменения, не должен видеть новые точки
func TestRing_SnapshotIsolation(t *testing.T) {
	r := makeRing(t, 2, 16)
	snap := r.Snapshot()
	entriesBefore := snap.Len()

	if err := r.AddShard("shard-3", 16); err != nil {
		t.Fatalf("AddShard: %v", err)
	}

	if snap.Len() != entriesBefore {
		t.Fatalf("old snapshot mutated: %d -> %d entries", entriesBefore, snap.Len())
	}
	if r.Snapshot().Len() != entriesBefore+16 {
		t.Fatalf("new snapshot missing entries: %d", r.Snapshot().Len())
	}
	if snap.Generation() >= r.Snapshot().Generation() {
		t.Fatal("generation did not advance")
	}
}

func TestSnapshot_DerivedViews(t *testing.T) {
	r := makeRing(t, 3, 32)
	snap := r.Snapshot()

	derived := snap.WithoutShard("shard-2")
	if derived.Has("shard-2") {
		t.Fatal("derived snapshot still has removed shard")
	}
	// published ring untouched
	if !r.Snapshot().Has("shard-2") {
		t.Fatal("derived view leaked into the published ring")
	}

	if err := r.RemoveShard("shard-2"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
	published := r.Snapshot()
	if published.Len() != derived.Len() {
		t.Fatalf("derived and published snapshots differ: %d vs %d", derived.Len(), published.Len())
	}
	for i, e := range published.Entries() {
		d := derived.Entries()[i]
		if e.Hash != d.Hash || e.Shard != d.Shard {
			t.Fatalf("entry %d mismatch: %+v vs %+v", i, e, d)
		}
	}
}
