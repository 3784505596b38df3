package txn

import (
	"context"
	"fmt"
	"sync"

	"sharddb/pkg/storage"
	"sharddb/pkg/types"
)

// OpKind enumerates per-shard operations a transaction can carry.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one tentative write inside a transaction.
type Op struct {
	Kind  OpKind      `json:"kind"`
	Key   types.Key   `json:"key"`
	Value types.Value `json:"value,omitempty"`
}

// Participant is one shard's side of the two-phase protocol. Prepare
// returning nil is a Prepared vote; a non-nil error is an Abort vote.
// Commit and Abort must be idempotent: доставка решения ретраится.
type Participant interface {
	Prepare(ctx context.Context, txn types.TxnID, ops []Op) error
	Commit(ctx context.Context, txn types.TxnID) error
	Abort(ctx context.Context, txn types.TxnID) error
}

// Resolver maps a shard ID to its Participant handle.
type Resolver func(id types.ShardID) (Participant, error)

// LocalParticipant runs the participant protocol over a storage
// backend: Prepare stages the ops as pending, Commit applies them,
// Abort drops them. Ничего не применяется до решения координатора.
type LocalParticipant struct {
	be storage.Backend

	mu      sync.Mutex
	pending map[types.TxnID][]Op
}

func NewLocalParticipant(be storage.Backend) *LocalParticipant {
	return &LocalParticipant{
		be:      be,
		pending: map[types.TxnID][]Op{},
	}
}

func (p *LocalParticipant) Prepare(ctx context.Context, txn types.TxnID, ops []Op) error {
	for _, op := range ops {
		if op.Key == "" {
			return fmt.Errorf("empty key in transaction %s", txn)
		}
	}
	// голосуем Abort, если движок недоступен: пустое обещание
	// закоммитить нечем держать
	if err := p.be.Ping(ctx); err != nil {
		return fmt.Errorf("backend unavailable: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[txn] = ops
	return nil
}

func (p *LocalParticipant) Commit(ctx context.Context, txn types.TxnID) error {
	p.mu.Lock()
	ops, ok := p.pending[txn]
	p.mu.Unlock()
	if !ok {
		// неизвестная или уже применённая транзакция: идемпотентно OK
		return nil
	}

	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpPut:
			err = p.be.Put(ctx, op.Key, op.Value)
		case OpDelete:
			err = p.be.Delete(ctx, op.Key)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("apply txn %s: %w", txn, err)
		}
	}

	p.mu.Lock()
	delete(p.pending, txn)
	p.mu.Unlock()
	return nil
}

func (p *LocalParticipant) Abort(_ context.Context, txn types.TxnID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, txn)
	return nil
}

// Pending lists staged transaction IDs, для Status() и resync после
// рестарта: участник с подвисшим Prepared обязан спросить координатора
// об исходе, а не решать сам.
func (p *LocalParticipant) Pending() []types.TxnID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.TxnID, 0, len(p.pending))
	for id := range p.pending {
		out = append(out, id)
	}
	return out
}

// Resync asks the coordinator for the outcome of every staged
// transaction and applies it locally.
func (p *LocalParticipant) Resync(ctx context.Context, resolve func(types.TxnID) Outcome) error {
	for _, id := range p.Pending() {
		switch resolve(id) {
		case OutcomeCommitted:
			if err := p.Commit(ctx, id); err != nil {
				return err
			}
		case OutcomeAborted:
			if err := p.Abort(ctx, id); err != nil {
				return err
			}
		case OutcomePending:
			// решение ещё не принято, ждём следующего resync
		}
	}
	return nil
}
