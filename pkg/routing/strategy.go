package routing

import "sharddb/pkg/types"

// Strategy maps a key to its owning shard. Реализации: Modulo
// (baseline), RangeTable (административные диапазоны), Ring и Router
// (consistent hashing, основная стратегия).
type Strategy interface {
	ShardFor(key types.Key) (types.ShardID, error)
}
