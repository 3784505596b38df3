package rebalance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"sharddb/pkg/config"
	"sharddb/pkg/dberrors"
	"sharddb/pkg/registry"
	"sharddb/pkg/routing"
	"sharddb/pkg/storage"
	"sharddb/pkg/types"
)

func testRebalanceConfig() config.RebalanceConfig {
	return config.RebalanceConfig{
		MaxConcurrentTasks: 4,
		VerifyRetries:      2,
		CopyBatchSize:      64,
	}
}

const testVNodes = 16

// cluster - менеджер поверх in-memory бэкендов, адрес = имя шарда.
type cluster struct {
	t        *testing.T
	ring     *routing.Ring
	router   *routing.Router
	reg      *registry.Registry
	mgr      *Manager
	backends map[string]storage.Backend
}

func newCluster(t *testing.T) *cluster {
	return newClusterVNodes(t, testVNodes)
}

func newClusterVNodes(t *testing.T, vnodes int) *cluster {
	t.Helper()
	c := &cluster{
		t:        t,
		ring:     routing.NewRing(),
		reg:      registry.New(),
		backends: map[string]storage.Backend{},
	}
	c.router = routing.NewRouter(c.ring)
	factory := func(addr string) (storage.Backend, error) {
		be, ok := c.backends[addr]
		if !ok {
			return nil, fmt.Errorf("no backend at %s", addr)
		}
		return be, nil
	}
	c.mgr = NewManager(c.router, c.reg, factory, testRebalanceConfig(), vnodes, nil)
	t.Cleanup(c.mgr.Stop)
	return c
}

func (c *cluster) addShard(id types.ShardID, be storage.Backend) {
	c.t.Helper()
	c.backends[string(id)] = be
	if err := c.mgr.AddShard(id, string(id)); err != nil {
		c.t.Fatalf("AddShard(%s): %v", id, err)
	}
	c.mgr.Quiesce()
}

func (c *cluster) memory(id types.ShardID) *storage.Memory {
	return c.backends[string(id)].(*storage.Memory)
}

func seedKeys(t *testing.T, be storage.Backend, n int) map[types.Key]string {
	t.Helper()
	out := make(map[types.Key]string, n)
	for i := 0; i < n; i++ {
		k := types.Key(fmt.Sprintf("k-%d", i))
		v := fmt.Sprintf("v-%d", i)
		if err := be.Put(context.Background(), k, []byte(v)); err != nil {
			t.Fatalf("seed Put: %v", err)
		}
		out[k] = v
	}
	return out
}

func requireAllCommitted(t *testing.T, mgr *Manager) {
	t.Helper()
	for _, ts := range mgr.Tasks() {
		if ts.State != Committed.String() {
			t.Fatalf("task %d (%s -> %s) in state %s: %s", ts.ID, ts.Source, ts.Dest, ts.State, ts.Error)
		}
	}
}

func TestManager_AddShardMigratesAndCleansUp(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.addShard("a", storage.NewMemory())
	keys := seedKeys(t, c.memory("a"), 2000)

	c.addShard("b", storage.NewMemory())
	requireAllCommitted(t, c.mgr)

	if pins := c.router.Pinned(); len(pins) != 0 {
		t.Fatalf("pins left after committed rebalance: %v", pins)
	}

	movedToB := 0
	for k, v := range keys {
		owner, err := c.router.ShardFor(k)
		if err != nil {
			t.Fatalf("ShardFor(%s): %v", k, err)
		}
		got, err := c.memory(owner).Get(ctx, k)
		if err != nil {
			t.Fatalf("key %s missing on owner %s: %v", k, owner, err)
		}
		if string(got) != v {
			t.Fatalf("key %s on %s: value %q, want %q", k, owner, got, v)
		}
		// исходная копия вычищена
		other := types.ShardID("a")
		if owner == "a" {
			other = "b"
		}
		if _, err := c.memory(other).Get(ctx, k); !errors.Is(err, dberrors.ErrNotFound) {
			t.Fatalf("key %s still present on non-owner %s", k, other)
		}
		if owner == "b" {
			movedToB++
		}
	}
	if movedToB == 0 {
		t.Fatal("no keys moved to the new shard")
	}
	if movedToB == len(keys) {
		t.Fatal("every key moved, rebalance was not minimal")
	}
}

func TestManager_RemoveShardDrains(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.addShard("a", storage.NewMemory())
	keys := seedKeys(t, c.memory("a"), 1500)
	c.addShard("b", storage.NewMemory())
	requireAllCommitted(t, c.mgr)

	if err := c.mgr.RemoveShard("b"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
	c.mgr.Quiesce()
	requireAllCommitted(t, c.mgr)

	// запись в реестре убрана только после полного слива
	if _, err := c.reg.Get("b"); !errors.Is(err, dberrors.ErrUnknownShard) {
		t.Fatalf("drained shard still registered: %v", err)
	}

	for k, v := range keys {
		owner, err := c.router.ShardFor(k)
		if err != nil {
			t.Fatalf("ShardFor(%s): %v", k, err)
		}
		if owner != "a" {
			t.Fatalf("key %s routed to %s after drain", k, owner)
		}
		got, err := c.memory("a").Get(ctx, k)
		if err != nil {
			t.Fatalf("key %s lost in drain: %v", k, err)
		}
		if string(got) != v {
			t.Fatalf("key %s corrupted in drain: %q != %q", k, got, v)
		}
	}
}

func TestManager_MembershipErrors(t *testing.T) {
	c := newCluster(t)
	c.addShard("a", storage.NewMemory())

	c.backends["a2"] = storage.NewMemory()
	if err := c.mgr.AddShard("a", "a2"); err == nil {
		t.Fatal("expected error adding an existing shard")
	}
	if err := c.mgr.RemoveShard("nope"); !errors.Is(err, dberrors.ErrUnknownShard) {
		t.Fatalf("expected ErrUnknownShard, got %v", err)
	}
	if err := c.mgr.AddShard("c", "no-such-addr"); err == nil {
		t.Fatal("expected error when backend factory fails")
	}
}

// blackholeBackend принимает записи, но читать из него нечего:
// верификация арки обязана это поймать.
type blackholeBackend struct {
	*storage.Memory
}

func (b *blackholeBackend) Put(ctx context.Context, key types.Key, value types.Value) error {
	return nil
}

func (b *blackholeBackend) Get(ctx context.Context, key types.Key) (types.Value, error) {
	return nil, dberrors.ErrNotFound
}

func TestManager_FailedVerificationKeepsRoutingOnSource(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.addShard("a", storage.NewMemory())
	keys := seedKeys(t, c.memory("a"), 1000)

	c.addShard("bad", &blackholeBackend{Memory: storage.NewMemory()})

	failed := 0
	for _, ts := range c.mgr.Tasks() {
		if ts.State == Failed.String() {
			failed++
			if !strings.Contains(ts.Error, "verify") {
				t.Fatalf("failed task without verification error: %s", ts.Error)
			}
		}
	}
	if failed == 0 {
		t.Fatal("no migration task failed against the blackhole destination")
	}
	if len(c.router.Pinned()) == 0 {
		t.Fatal("failed arcs lost their pins")
	}

	// все ключи по-прежнему читаются со старого владельца
	for k, v := range keys {
		owner, err := c.router.ShardFor(k)
		if err != nil {
			t.Fatalf("ShardFor(%s): %v", k, err)
		}
		if owner != "a" {
			t.Fatalf("key %s flipped to %s despite failed verification", k, owner)
		}
		got, err := c.memory("a").Get(ctx, k)
		if err != nil || string(got) != v {
			t.Fatalf("key %s unreadable on source: %v", k, err)
		}
	}
}

// gatedBackend блокирует Put до закрытия gate - удерживает миграцию
// в InFlight, чтобы проверить зеркалирование. Непустой entered
// сигналит о первом дошедшем Put.
type gatedBackend struct {
	*storage.Memory
	gate    chan struct{}
	entered chan types.Key
}

func (g *gatedBackend) Put(ctx context.Context, key types.Key, value types.Value) error {
	if g.entered != nil {
		select {
		case g.entered <- key:
		default:
		}
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Memory.Put(ctx, key, value)
}

func TestManager_MirrorForDuringMigration(t *testing.T) {
	c := newCluster(t)
	c.addShard("a", storage.NewMemory())
	keys := seedKeys(t, c.memory("a"), 500)

	gated := &gatedBackend{Memory: storage.NewMemory(), gate: make(chan struct{})}
	c.backends["b"] = gated
	if err := c.mgr.AddShard("b", "b"); err != nil {
		t.Fatalf("AddShard: %v", err)
	}

	// ключи, чьи арки переезжают: пока копирование держится гейтом,
	// хотя бы одна арка в полёте и её ключи зеркалируются на dest
	var moved []types.Key
	for k := range keys {
		if owner, _ := c.ring.Snapshot().OwnerOfKey(k); owner == "b" {
			moved = append(moved, k)
		}
	}
	if len(moved) == 0 {
		t.Fatal("no keys moved to the new shard")
	}

	var mirrored types.Key
	deadline := time.Now().Add(5 * time.Second)
poll:
	for {
		for _, k := range moved {
			if dest, ok := c.mgr.MirrorFor(k); ok {
				if dest != "b" {
					t.Fatalf("MirrorFor(%s) = %s, want b", k, dest)
				}
				mirrored = k
				break poll
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("no moved key ever reported an in-flight mirror destination")
		}
		time.Sleep(2 * time.Millisecond)
	}

	close(gated.gate)
	c.mgr.Quiesce()
	requireAllCommitted(t, c.mgr)

	if _, ok := c.mgr.MirrorFor(mirrored); ok {
		t.Fatalf("MirrorFor(%s) still active after commit", mirrored)
	}
}

// запись, прилетевшая на арку после копирующего скана (и, как положено
// при InFlight, отзеркалированная на dest), обязана исчезнуть с source
// после флипа владения - иначе fan-out запросы считают её дважды
func TestManager_CleanupRemovesLateMirroredWrite(t *testing.T) {
	ctx := context.Background()
	// один vnode на шард: ровно одна мигрирующая арка и одна задача
	c := newClusterVNodes(t, 1)
	c.addShard("src", storage.NewMemory())
	seedKeys(t, c.memory("src"), 2000)

	gated := &gatedBackend{
		Memory:  storage.NewMemory(),
		gate:    make(chan struct{}),
		entered: make(chan types.Key, 1),
	}
	c.backends["dst"] = gated
	if err := c.mgr.AddShard("dst", "dst"); err != nil {
		t.Fatalf("AddShard: %v", err)
	}

	// первый Put дошёл до dest: скан source для копирования уже позади
	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("migration never reached the destination backend")
	}

	var late types.Key
	for i := 0; ; i++ {
		k := types.Key(fmt.Sprintf("late-%d", i))
		if owner, _ := c.ring.Snapshot().OwnerOfKey(k); owner == "dst" {
			late = k
			break
		}
	}
	if dest, ok := c.mgr.MirrorFor(late); !ok || dest != "dst" {
		t.Fatalf("MirrorFor(%s) = %s, %v; want dst while in flight", late, dest, ok)
	}
	if err := c.memory("src").Put(ctx, late, []byte("late")); err != nil {
		t.Fatalf("Put on source: %v", err)
	}
	if err := gated.Memory.Put(ctx, late, []byte("late")); err != nil {
		t.Fatalf("mirrored Put: %v", err)
	}

	close(gated.gate)
	c.mgr.Quiesce()
	requireAllCommitted(t, c.mgr)

	if _, err := c.memory("src").Get(ctx, late); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("stale copy of %s left on source after commit: %v", late, err)
	}
	got, err := gated.Memory.Get(ctx, late)
	if err != nil || string(got) != "late" {
		t.Fatalf("late write missing on the new owner: %v", err)
	}
}
