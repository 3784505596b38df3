package routing

import (
	"fmt"
	"sort"
	"sync"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

// Modulo is the baseline hash-mod-N strategy. Каждое изменение
// состава перетасовывает большую часть ключей, поэтому это baseline
// для сравнения, а не продакшен-стратегия.
type Modulo struct {
	mu     sync.RWMutex
	shards []types.ShardID // sorted
}

func NewModulo() *Modulo {
	return &Modulo{}
}

func (m *Modulo) ShardFor(key types.Key) (types.ShardID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.shards) == 0 {
		return "", dberrors.ErrNoShardsAvailable
	}
	idx := int(HashKey(key) % uint32(len(m.shards)))
	return m.shards[idx], nil
}

func (m *Modulo) AddShard(id types.ShardID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.shards {
		if s == id {
			return fmt.Errorf("shard %s already present", id)
		}
	}
	m.shards = append(m.shards, id)
	sort.Slice(m.shards, func(i, j int) bool { return m.shards[i] < m.shards[j] })
	return nil
}

func (m *Modulo) RemoveShard(id types.ShardID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.shards {
		if s == id {
			m.shards = append(m.shards[:i], m.shards[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", dberrors.ErrUnknownShard, id)
}
