package storage

import (
	"context"

	"sharddb/pkg/types"
)

// KV is one record as returned by range scans.
type KV struct {
	Key   types.Key
	Value types.Value
}

// Backend is the per-shard storage engine contract. The engine itself
// is an external collaborator; the routing layer only ever talks to it
// through this interface.
type Backend interface {
	// Get returns dberrors.ErrNotFound when the key is absent.
	Get(ctx context.Context, key types.Key) (types.Value, error)
	Put(ctx context.Context, key types.Key, value types.Value) error
	Delete(ctx context.Context, key types.Key) error

	// ScanRange returns records with start <= key < end in key order.
	// Empty end means "до конца ключевого пространства".
	ScanRange(ctx context.Context, start, end types.Key) ([]KV, error)

	Ping(ctx context.Context) error
}

// Factory создаёт Backend по адресу шарда (HTTP клиент в проде,
// in-memory движок в тестах).
type Factory func(addr string) (Backend, error)
