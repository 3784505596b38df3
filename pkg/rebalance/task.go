package rebalance

import (
	"sync/atomic"
	"time"

	"sharddb/pkg/routing"
	"sharddb/pkg/types"
)

// TaskState - жизненный цикл задачи миграции.
type TaskState int32

const (
	Pending TaskState = iota
	InFlight
	Verified
	Committed
	Failed
)

func (s TaskState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Verified:
		return "verified"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MigrationTask moves one ring arc's data from Source to Dest. The
// ownership flip for the arc is gated on the task reaching Verified;
// a Failed task leaves routing pinned to Source, so the worst case is
// a stalled rebalance, never lost or silently duplicated data.
type MigrationTask struct {
	ID        uint64
	Arc       routing.Interval
	Source    types.ShardID
	Dest      types.ShardID
	CreatedAt time.Time

	state   atomic.Int32
	copied  atomic.Int64
	lastErr atomic.Pointer[string]
}

func (t *MigrationTask) State() TaskState {
	return TaskState(t.state.Load())
}

func (t *MigrationTask) setState(s TaskState) {
	t.state.Store(int32(s))
}

func (t *MigrationTask) fail(err error) {
	msg := err.Error()
	t.lastErr.Store(&msg)
	t.setState(Failed)
}

func (t *MigrationTask) Err() string {
	if p := t.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// TaskStatus is the serializable task summary exposed by Status().
type TaskStatus struct {
	ID      uint64           `json:"id"`
	Arc     routing.Interval `json:"arc"`
	Source  types.ShardID    `json:"source"`
	Dest    types.ShardID    `json:"dest"`
	State   string           `json:"state"`
	Copied  int64            `json:"copied"`
	Error   string           `json:"error,omitempty"`
}

func (t *MigrationTask) Status() TaskStatus {
	return TaskStatus{
		ID:     t.ID,
		Arc:    t.Arc,
		Source: t.Source,
		Dest:   t.Dest,
		State:  t.State().String(),
		Copied: t.copied.Load(),
		Error:  t.Err(),
	}
}
