package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sharddb/pkg/config"
	"sharddb/pkg/dberrors"
	"sharddb/pkg/metrics"
	"sharddb/pkg/routing"
	"sharddb/pkg/types"
)

// State - фазы транзакции.
type State int32

const (
	Preparing State = iota
	Prepared
	Committing
	Committed
	Aborting
	Aborted
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome is the answer to a participant's recovery query.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCommitted
	OutcomeAborted
)

// Transaction is the coordinator-side context of one multi-key write.
type Transaction struct {
	ID        types.TxnID
	Ops       map[types.ShardID][]Op
	CreatedAt time.Time

	state atomic.Int32
}

func (t *Transaction) State() State     { return State(t.state.Load()) }
func (t *Transaction) setState(s State) { t.state.Store(int32(s)) }

// TxnStatus is the serializable summary exposed by Status().
type TxnStatus struct {
	ID     types.TxnID     `json:"id"`
	State  string          `json:"state"`
	Shards []types.ShardID `json:"shards"`
}

// decisionMark tracks delivery progress of a logged commit and the
// moment the outcome became final, по нему компактятся Resolve-карты.
type decisionMark struct {
	delivered bool
	doneAt    time.Time
}

// Coordinator runs two-phase commit across the shards touched by a
// multi-key write. Решение фиксируется в durable decision-логе до
// рассылки коммитов; лог - единственный источник правды об исходе.
type Coordinator struct {
	log     *DecisionLog
	router  routing.Strategy
	resolve Resolver
	cfg     config.TxnConfig
	met     metrics.Collector

	mu        sync.Mutex
	active    map[types.TxnID]*Transaction
	committed map[types.TxnID]*decisionMark
	aborted   map[types.TxnID]time.Time

	// собственный контекст координатора: доставка записанного решения
	// не привязана к контексту запроса, который его породил
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(
	log *DecisionLog,
	router routing.Strategy,
	resolve Resolver,
	cfg config.TxnConfig,
	met metrics.Collector,
) *Coordinator {
	if met == nil {
		met = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:       log,
		router:    router,
		resolve:   resolve,
		cfg:       cfg,
		met:       met,
		active:    map[types.TxnID]*Transaction{},
		committed: map[types.TxnID]*decisionMark{},
		aborted:   map[types.TxnID]time.Time{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Stop cancels background commit delivery and waits for it to settle.
// Недоставленные решения останутся в логе и доедут через Recover.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Recover replays the decision log after a restart. Транзакции с
// записанным решением, но без отметки о доставке, докоммичиваются:
// доставка коммита идемпотентна. Всё, чего в логе нет, безопасно
// абортить - ни один участник не мог увидеть коммит.
func (c *Coordinator) Recover(ctx context.Context) error {
	type pending struct{ participants []types.ShardID }
	undelivered := map[types.TxnID]pending{}

	err := c.log.Replay(func(rec Record) error {
		switch rec.Kind {
		case RecordCommit:
			undelivered[rec.Txn] = pending{participants: rec.Participants}
			c.mu.Lock()
			c.committed[rec.Txn] = &decisionMark{}
			c.mu.Unlock()
		case RecordDone:
			delete(undelivered, rec.Txn)
			c.mu.Lock()
			c.committed[rec.Txn] = &decisionMark{delivered: true, doneAt: time.Now()}
			c.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay decision log: %w", err)
	}

	for id, p := range undelivered {
		slog.Info("resuming commit delivery after restart", "txn", id)
		if err := c.deliverCommit(ctx, id, p.participants); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs one multi-key write as a 2PC transaction. A clean abort
// (participant vote or prepare timeout) is returned as ErrTxnAborted -
// нормальный, нефатальный исход.
func (c *Coordinator) Execute(ctx context.Context, ops []Op) (types.TxnID, error) {
	if len(ops) == 0 {
		return "", fmt.Errorf("empty transaction")
	}

	grouped := make(map[types.ShardID][]Op)
	for _, op := range ops {
		owner, err := c.router.ShardFor(op.Key)
		if err != nil {
			return "", err
		}
		grouped[owner] = append(grouped[owner], op)
	}

	tx := &Transaction{
		ID:        types.TxnID(uuid.NewString()),
		Ops:       grouped,
		CreatedAt: time.Now(),
	}
	c.mu.Lock()
	c.active[tx.ID] = tx
	c.mu.Unlock()

	participants := make([]types.ShardID, 0, len(grouped))
	for id := range grouped {
		participants = append(participants, id)
	}

	// phase 1: prepare
	tx.setState(Preparing)
	prepared, prepareErr := c.prepareAll(ctx, tx)
	if prepareErr != nil {
		tx.setState(Aborting)
		c.abortAll(ctx, tx.ID, prepared)
		tx.setState(Aborted)
		c.finish(tx, false)
		c.met.IncCounter("txn_total", map[string]string{"outcome": "aborted"}, 1)
		return tx.ID, fmt.Errorf("%w: %v", dberrors.ErrTxnAborted, prepareErr)
	}
	tx.setState(Prepared)

	// durable decision: без этой записи коммит не начинается
	if err := c.log.Append(Record{Kind: RecordCommit, Txn: tx.ID, Participants: participants}); err != nil {
		// фатально для прогресса этой транзакции: participants
		// остаются в Prepared, пока лог не оживёт (correctness
		// важнее liveness)
		c.met.IncCounter("txn_total", map[string]string{"outcome": "log_failure"}, 1)
		return tx.ID, err
	}
	c.mu.Lock()
	c.committed[tx.ID] = &decisionMark{}
	c.mu.Unlock()

	// phase 2: commit
	tx.setState(Committing)
	if err := c.deliverCommit(ctx, tx.ID, participants); err != nil {
		// решение уже durable и его доставку нельзя бросить из-за
		// отмены запроса: доделываем под контекстом координатора
		slog.Warn("commit delivery detached from caller", "txn", tx.ID, "err", err)
		c.wg.Add(1)
		go c.redeliver(tx, participants)
		return tx.ID, fmt.Errorf("%w: txn %s", dberrors.ErrTxnCommitPending, tx.ID)
	}
	tx.setState(Committed)
	c.finish(tx, true)
	c.met.IncCounter("txn_total", map[string]string{"outcome": "committed"}, 1)
	return tx.ID, nil
}

// redeliver drives deliverCommit до победного: участники с записанным
// решением обязаны его получить, сколько бы ретраев это ни стоило.
// Останавливает его только Stop; после рестарта ту же работу делает
// Recover.
func (c *Coordinator) redeliver(tx *Transaction, participants []types.ShardID) {
	defer c.wg.Done()
	for {
		if err := c.deliverCommit(c.ctx, tx.ID, participants); err == nil {
			tx.setState(Committed)
			c.finish(tx, true)
			c.met.IncCounter("txn_total", map[string]string{"outcome": "committed"}, 1)
			return
		}
		select {
		case <-c.ctx.Done():
			slog.Error("commit delivery unfinished at shutdown", "txn", tx.ID)
			return
		case <-time.After(c.cfg.CommitRetry()):
		}
	}
}

// prepareAll fans prepare out to every participant with the configured
// deadline and returns the IDs that voted Prepared.
func (c *Coordinator) prepareAll(ctx context.Context, tx *Transaction) ([]types.ShardID, error) {
	type vote struct {
		id  types.ShardID
		err error
	}

	votes := make(chan vote, len(tx.Ops))
	var wg sync.WaitGroup
	for id, ops := range tx.Ops {
		wg.Add(1)
		go func(id types.ShardID, ops []Op) {
			defer wg.Done()
			p, err := c.resolve(id)
			if err != nil {
				votes <- vote{id: id, err: err}
				return
			}
			opCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout())
			defer cancel()
			votes <- vote{id: id, err: p.Prepare(opCtx, tx.ID, ops)}
		}(id, ops)
	}
	wg.Wait()
	close(votes)

	var prepared []types.ShardID
	var firstErr error
	for v := range votes {
		if v.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("shard %s voted abort: %w", v.id, v.err)
			}
			continue
		}
		prepared = append(prepared, v.id)
	}
	return prepared, firstErr
}

// abortAll releases the participants that had voted Prepared.
func (c *Coordinator) abortAll(ctx context.Context, id types.TxnID, prepared []types.ShardID) {
	for _, shard := range prepared {
		p, err := c.resolve(shard)
		if err != nil {
			slog.Warn("abort: resolve participant", "txn", id, "shard", shard, "err", err)
			continue
		}
		if err := c.retryDelivery(ctx, func(opCtx context.Context) error {
			return p.Abort(opCtx, id)
		}); err != nil {
			slog.Warn("abort delivery unfinished", "txn", id, "shard", shard, "err", err)
		}
	}
	c.mu.Lock()
	c.aborted[id] = time.Now()
	c.mu.Unlock()
}

// deliverCommit pushes the committed decision to every participant,
// retrying until each one acknowledges: решение уже принято, участники
// обязаны его рано или поздно получить.
func (c *Coordinator) deliverCommit(ctx context.Context, id types.TxnID, participants []types.ShardID) error {
	for _, shard := range participants {
		p, err := c.resolve(shard)
		if err != nil {
			return fmt.Errorf("commit txn %s: resolve %s: %w", id, shard, err)
		}
		if err := c.retryDelivery(ctx, func(opCtx context.Context) error {
			return p.Commit(opCtx, id)
		}); err != nil {
			return fmt.Errorf("commit txn %s: deliver to %s: %w", id, shard, err)
		}
	}

	if err := c.log.Append(Record{Kind: RecordDone, Txn: id, Participants: participants}); err != nil {
		// не фатально для исхода: доставка завершена, но после
		// рестарта коммиты поедут повторно (идемпотентно)
		slog.Warn("decision log done-mark failed", "txn", id, "err", err)
	}
	c.mu.Lock()
	c.committed[id] = &decisionMark{delivered: true, doneAt: time.Now()}
	c.mu.Unlock()
	return nil
}

// retryDelivery calls op until it succeeds or ctx is cancelled.
func (c *Coordinator) retryDelivery(ctx context.Context, op func(context.Context) error) error {
	for {
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout())
		err := op(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("delivery cancelled: %w", err)
		case <-time.After(c.cfg.CommitRetry()):
		}
	}
}

func (c *Coordinator) finish(tx *Transaction, _ bool) {
	c.mu.Lock()
	delete(c.active, tx.ID)
	c.mu.Unlock()
}

// compactLocked drops outcome entries older than the retention window.
// Компактятся только доставленные коммиты: пока хоть один участник не
// получил решение, забывать его нельзя. Вызывается под c.mu.
func (c *Coordinator) compactLocked() {
	retention := c.cfg.ResolveRetention()
	if retention <= 0 {
		return
	}
	now := time.Now()
	for id, mark := range c.committed {
		if mark.delivered && now.Sub(mark.doneAt) > retention {
			delete(c.committed, id)
		}
	}
	for id, at := range c.aborted {
		if now.Sub(at) > retention {
			delete(c.aborted, id)
		}
	}
}

// Resolve answers a recovering participant's outcome query. A
// transaction unknown to the log and no longer in flight is Aborted:
// координатор, упавший до записи решения, на рекавери абортит. Тот же
// presumed-abort покрывает и исходы, выпавшие из retention-окна.
func (c *Coordinator) Resolve(id types.TxnID) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compactLocked()

	if _, ok := c.committed[id]; ok {
		return OutcomeCommitted
	}
	if _, ok := c.aborted[id]; ok {
		return OutcomeAborted
	}
	if tx, ok := c.active[id]; ok {
		switch tx.State() {
		case Preparing, Prepared:
			return OutcomePending
		case Committing, Committed:
			return OutcomeCommitted
		default:
			return OutcomeAborted
		}
	}
	return OutcomeAborted
}

// Active returns in-flight transaction summaries for Status().
func (c *Coordinator) Active() []TxnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TxnStatus, 0, len(c.active))
	for _, tx := range c.active {
		shards := make([]types.ShardID, 0, len(tx.Ops))
		for id := range tx.Ops {
			shards = append(shards, id)
		}
		out = append(out, TxnStatus{ID: tx.ID, State: tx.State().String(), Shards: shards})
	}
	return out
}
