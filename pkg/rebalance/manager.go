package rebalance

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sharddb/pkg/config"
	"sharddb/pkg/dberrors"
	"sharddb/pkg/metrics"
	"sharddb/pkg/registry"
	"sharddb/pkg/routing"
	"sharddb/pkg/storage"
	"sharddb/pkg/types"
)

// Manager owns membership transitions: when a shard joins or leaves,
// it computes the minimal set of moved ring arcs, pins their routing
// to the pre-migration owner and moves the data, flipping ownership
// arc by arc only after verification.
//
// Переходы членства сериализованы: второй AddShard/RemoveShard ждёт,
// пока закончатся миграции первого. Это решение открытого вопроса про
// шард в двух задачах сразу - такого состояния просто не бывает.
type Manager struct {
	router  *routing.Router
	reg     *registry.Registry
	factory storage.Factory
	cfg     config.RebalanceConfig
	vnodes  int
	met     metrics.Collector

	transition chan struct{} // cap 1, held for the whole transition

	taskSeq atomic.Uint64
	tasksMu sync.Mutex
	tasks   map[uint64]*MigrationTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(
	router *routing.Router,
	reg *registry.Registry,
	factory storage.Factory,
	cfg config.RebalanceConfig,
	virtualNodes int,
	met metrics.Collector,
) *Manager {
	if met == nil {
		met = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		router:     router,
		reg:        reg,
		factory:    factory,
		cfg:        cfg,
		vnodes:     virtualNodes,
		met:        met,
		transition: make(chan struct{}, 1),
		tasks:      map[uint64]*MigrationTask{},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Stop cancels in-flight migrations and waits for workers.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Quiesce blocks until the current transition (if any) has finished.
func (m *Manager) Quiesce() {
	m.transition <- struct{}{}
	<-m.transition
}

func (m *Manager) acquire() error {
	select {
	case m.transition <- struct{}{}:
		return nil
	case <-m.ctx.Done():
		return dberrors.ErrClosed
	}
}

// AddShard registers a new backend and rebalances its share of keys
// onto it. The registry record is visible (and probed) before any ring
// point appears, so routing never targets an unknown shard. The call
// returns once the new membership is routable; data movement continues
// in the background.
func (m *Manager) AddShard(id types.ShardID, addr string) error {
	if err := m.acquire(); err != nil {
		return err
	}

	ring := m.router.Ring()
	before := ring.Snapshot()
	if before.Has(id) {
		<-m.transition
		return fmt.Errorf("shard %s already on ring", id)
	}

	backend, err := m.factory(addr)
	if err != nil {
		<-m.transition
		return fmt.Errorf("create backend for %s: %w", addr, err)
	}
	if err := backend.Ping(m.ctx); err != nil {
		<-m.transition
		return fmt.Errorf("shard %s not reachable at %s: %w", id, addr, err)
	}

	m.reg.Upsert(registry.ShardRecord{
		ID:      id,
		Addr:    addr,
		Backend: backend,
		State:   types.Healthy,
	})

	// план двигаемых арок считаем до публикации нового кольца и
	// пиним их, чтобы не было окна, где dest отвечает без данных
	after := before.WithShard(id, m.vnodes)
	moves := routing.DiffSnapshots(before, after)
	m.router.Pin(moves)

	if err := ring.AddShard(id, m.vnodes); err != nil {
		m.router.UnpinAll(moves)
		<-m.transition
		return err
	}

	slog.Info("shard added", "shard", id, "addr", addr, "moved_arcs", len(moves))
	m.runMigrations(moves, nil)
	return nil
}

// RemoveShard drains a shard and deletes it from the membership. Ring
// points go first (under pins), the registry record is deleted only
// after every arc is committed off the shard.
func (m *Manager) RemoveShard(id types.ShardID) error {
	if err := m.acquire(); err != nil {
		return err
	}

	ring := m.router.Ring()
	before := ring.Snapshot()
	if !before.Has(id) {
		<-m.transition
		return fmt.Errorf("%w: %s", dberrors.ErrUnknownShard, id)
	}

	after := before.WithoutShard(id)
	moves := routing.DiffSnapshots(before, after)
	m.router.Pin(moves)

	if err := ring.RemoveShard(id); err != nil {
		m.router.UnpinAll(moves)
		<-m.transition
		return err
	}

	slog.Info("shard leaving", "shard", id, "moved_arcs", len(moves))
	m.runMigrations(moves, func(allCommitted bool) {
		if !allCommitted {
			slog.Error("shard removal stalled, registry record kept", "shard", id)
			return
		}
		if err := m.reg.Remove(id); err != nil {
			slog.Error("remove registry record", "shard", id, "err", err)
		}
	})
	return nil
}

// ShardLost is the health monitor's implicit removal trigger.
func (m *Manager) ShardLost(id types.ShardID) {
	if err := m.RemoveShard(id); err != nil {
		slog.Error("rebalance after shard loss failed", "shard", id, "err", err)
	}
}

// MirrorFor returns the migration destination for key if key's arc is
// being copied right now. Writers must mirror the write there after
// acking it on the source.
func (m *Manager) MirrorFor(key types.Key) (types.ShardID, bool) {
	h := routing.HashKey(key)

	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	for _, t := range m.tasks {
		if s := t.State(); s != InFlight && s != Verified {
			continue
		}
		if t.Arc.Contains(h) {
			return t.Dest, true
		}
	}
	return "", false
}

// Tasks returns summaries of all known migration tasks.
func (m *Manager) Tasks() []TaskStatus {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	out := make([]TaskStatus, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Status())
	}
	return out
}

// runMigrations создаёт задачи по аркам и гонит их через ограниченный
// пул воркеров в фоне. Слот transition освобождается, когда все задачи
// батча завершились.
func (m *Manager) runMigrations(moves []routing.Interval, done func(allCommitted bool)) {
	batch := make([]*MigrationTask, 0, len(moves))
	m.tasksMu.Lock()
	for _, arc := range moves {
		t := &MigrationTask{
			ID:        m.taskSeq.Add(1),
			Arc:       arc,
			Source:    arc.Source,
			Dest:      arc.Dest,
			CreatedAt: time.Now(),
		}
		m.tasks[t.ID] = t
		batch = append(batch, t)
	}
	m.tasksMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.transition }()

		sem := make(chan struct{}, m.cfg.MaxConcurrentTasks)
		var wg sync.WaitGroup
		for _, t := range batch {
			wg.Add(1)
			go func(t *MigrationTask) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				m.execute(t)
			}(t)
		}
		wg.Wait()

		all := true
		for _, t := range batch {
			if t.State() != Committed {
				all = false
				break
			}
		}
		if done != nil {
			done(all)
		}
	}()
}

// execute drives one task: copy -> verify -> flip -> cleanup.
func (m *Manager) execute(t *MigrationTask) {
	t.setState(InFlight)

	src, err := m.reg.Get(t.Source)
	if err != nil {
		t.fail(err)
		return
	}
	dst, err := m.reg.Get(t.Dest)
	if err != nil {
		t.fail(err)
		return
	}

	var keys []types.Key
	for attempt := 0; ; attempt++ {
		keys, err = m.copyArc(m.ctx, t, src.Backend, dst.Backend)
		if err == nil {
			err = m.verifyArc(m.ctx, t, src.Backend, dst.Backend)
		}
		if err == nil {
			break
		}
		if m.ctx.Err() != nil {
			t.fail(m.ctx.Err())
			return
		}
		if attempt >= m.cfg.VerifyRetries {
			t.fail(fmt.Errorf("%w: arc (%d,%d]: %v",
				dberrors.ErrMigrationVerification, t.Arc.Start, t.Arc.End, err))
			m.met.IncCounter("migrations_total", map[string]string{"result": "failed"}, 1)
			slog.Error("migration stalled, routing stays on source",
				"task", t.ID, "source", t.Source, "dest", t.Dest, "err", err)
			return
		}
		slog.Warn("migration verify retry", "task", t.ID, "attempt", attempt+1, "err", err)
	}
	t.setState(Verified)

	// атомарный флип владения арки на dest
	m.router.Unpin(t.Arc)
	t.setState(Committed)
	m.met.IncCounter("migrations_total", map[string]string{"result": "committed"}, 1)
	slog.Info("migration committed",
		"task", t.ID, "source", t.Source, "dest", t.Dest, "keys", len(keys))

	// исходная копия больше не нужна. Скан заново, а не список из
	// copyArc: ключи, записанные (и отзеркалированные) за время
	// миграции, в том списке отсутствуют, но вычистить их тоже надо -
	// иначе fan-out запросы продолжают видеть их на старом владельце.
	leftover, err := m.scanArc(m.ctx, t.Arc, src.Backend)
	if err != nil {
		slog.Warn("cleanup scan failed", "task", t.ID, "err", err)
		return
	}
	for _, kv := range leftover {
		if err := src.Backend.Delete(m.ctx, kv.Key); err != nil {
			slog.Warn("cleanup delete failed", "task", t.ID, "key", kv.Key, "err", err)
		}
	}
}

// copyArc bulk-copies the arc's records and returns the copied keys.
// Puts идут батчами, между батчами проверяется cancellation.
func (m *Manager) copyArc(ctx context.Context, t *MigrationTask, src, dst storage.Backend) ([]types.Key, error) {
	records, err := m.scanArc(ctx, t.Arc, src)
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}

	keys := make([]types.Key, 0, len(records))
	for i, kv := range records {
		if i%m.cfg.CopyBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := dst.Put(ctx, kv.Key, kv.Value); err != nil {
			return nil, fmt.Errorf("copy key %q: %w", kv.Key, err)
		}
		keys = append(keys, kv.Key)
		t.copied.Add(1)
	}
	return keys, nil
}

// verifyArc re-reads the arc from the source and compares against the
// destination copy. Зеркалирование записей гарантирует, что за время
// копирования dest не отстал.
func (m *Manager) verifyArc(ctx context.Context, t *MigrationTask, src, dst storage.Backend) error {
	records, err := m.scanArc(ctx, t.Arc, src)
	if err != nil {
		return fmt.Errorf("verify scan: %w", err)
	}
	for _, kv := range records {
		got, err := dst.Get(ctx, kv.Key)
		if err != nil {
			return fmt.Errorf("verify key %q: %w", kv.Key, err)
		}
		if !bytes.Equal(got, kv.Value) {
			return fmt.Errorf("verify key %q: destination copy differs", kv.Key)
		}
	}
	return nil
}

// scanArc reads the source and keeps the keys hashing into the arc.
func (m *Manager) scanArc(ctx context.Context, arc routing.Interval, be storage.Backend) ([]storage.KV, error) {
	all, err := be.ScanRange(ctx, "", "")
	if err != nil {
		return nil, err
	}
	var out []storage.KV
	for _, kv := range all {
		if arc.Contains(routing.HashKey(kv.Key)) {
			out = append(out, kv)
		}
	}
	return out, nil
}
