package routing

import (
	"errors"
	"fmt"
	"testing"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

func TestModulo_Routing(t *testing.T) {
	m := NewModulo()
	if _, err := m.ShardFor("k"); !errors.Is(err, dberrors.ErrNoShardsAvailable) {
		t.Fatalf("expected ErrNoShardsAvailable, got %v", err)
	}

	for _, id := range []types.ShardID{"b", "a", "c"} {
		if err := m.AddShard(id); err != nil {
			t.Fatalf("AddShard: %v", err)
		}
	}

	counts := map[types.ShardID]int{}
	for i := 0; i < 3000; i++ {
		k := types.Key(fmt.Sprintf("k-%d", i))
		owner, err := m.ShardFor(k)
		if err != nil {
			t.Fatalf("ShardFor: %v", err)
		}
		again, _ := m.ShardFor(k)
		if owner != again {
			t.Fatalf("key %s: unstable owner", k)
		}
		counts[owner]++
	}
	if len(counts) != 3 {
		t.Fatalf("keys landed on %d shards, want 3", len(counts))
	}
}

func TestModulo_MembershipErrors(t *testing.T) {
	m := NewModulo()
	if err := m.AddShard("a"); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	if err := m.AddShard("a"); err == nil {
		t.Fatal("expected duplicate error")
	}
	if err := m.RemoveShard("b"); !errors.Is(err, dberrors.ErrUnknownShard) {
		t.Fatalf("expected ErrUnknownShard, got %v", err)
	}
	if err := m.RemoveShard("a"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
}
