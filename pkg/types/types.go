package types

// ShardID identifies one independently failing storage backend.
// IDs are stable and never reused while the backend is alive.
type ShardID string

// Key routes a record. Routing is a pure function of the key and never
// inspects the value.
type Key = string

// Value is an opaque payload stored under a Key.
type Value = []byte

// TxnID identifies one cross-shard transaction.
type TxnID string

// Generation numbers published ring/registry snapshots so readers can
// tell which membership view an answer was computed against.
type Generation uint64

// HealthState описывает состояние шарда с точки зрения монитора.
type HealthState int32

const (
	Healthy HealthState = iota
	Degraded
	Unreachable
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}
