package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"sharddb/pkg/types"
)

// ShardEvents is what the membership watcher drives: в проде это
// rebalance.Manager, который добавляет/убирает шарды с кольца.
type ShardEvents interface {
	AddShard(id types.ShardID, addr string) error
	RemoveShard(id types.ShardID) error
}

// ZKMembership keeps the live shard set in ZooKeeper: one ephemeral
// znode per shard under <root>/shards, znode data = shard address.
// Пропавший шард (сессия умерла) исчезает из children автоматически.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) shardsPath() string {
	return m.rootPath + "/shards"
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterShard создаёт ephemeral-узел для шарда id с адресом addr.
func (m *ZKMembership) RegisterShard(id types.ShardID, addr string) error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.shardsPath()); err != nil {
		return fmt.Errorf("ensure shards path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/%s", m.shardsPath(), id)
	_, err := m.conn.Create(nodePath, []byte(addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral shard node: %w", err)
	}

	slog.Info("registered shard in zookeeper", "path", nodePath, "addr", addr)
	return nil
}

// Shards reads the current shard set: id -> addr.
func (m *ZKMembership) Shards() (map[types.ShardID]string, error) {
	children, _, err := m.conn.Children(m.shardsPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	out := make(map[types.ShardID]string, len(children))
	for _, child := range children {
		data, _, err := m.conn.Get(m.shardsPath() + "/" + child)
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		out[types.ShardID(child)] = string(data)
	}
	return out, nil
}

// RunWatch follows <root>/shards and converts child deltas into
// AddShard/RemoveShard calls on handler. Каждое изменение - один
// переход членства; ребаланс и миграции запускает сам handler.
func (m *ZKMembership) RunWatch(ctx context.Context, handler ShardEvents) {
	go func() {
		known := map[types.ShardID]string{}
		for {
			children, _, ch, err := m.conn.ChildrenW(m.shardsPath())
			if err != nil {
				slog.Error("zk ChildrenW", "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}
				continue
			}

			current := make(map[types.ShardID]string, len(children))
			for _, child := range children {
				id := types.ShardID(child)
				if addr, ok := known[id]; ok {
					current[id] = addr
					continue
				}
				data, _, err := m.conn.Get(m.shardsPath() + "/" + child)
				if err != nil {
					slog.Error("zk get shard addr", "shard", child, "err", err)
					continue
				}
				current[id] = string(data)
			}

			var applied bool
			known, applied = applyDeltas(known, current, handler)

			// неприменённая дельта ретраится по таймеру, не дожидаясь,
			// пока сам znode мигнёт ещё раз
			var retry <-chan time.Time
			if !applied {
				retry = time.After(2 * time.Second)
			}

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type.String(), "path", ev.Path)
				// перечитываем список на следующей итерации
			case <-retry:
			case <-ctx.Done():
				slog.Info("zk watch stopped")
				return
			}
		}
	}()
}

// applyDeltas converts the membership delta between known and current
// into handler calls and returns the set that actually applied. Шард,
// на котором AddShard упал, в результат не попадает; шард, который не
// удалось снять, остаётся - обе дельты повторятся на следующем
// проходе.
func applyDeltas(known, current map[types.ShardID]string, handler ShardEvents) (map[types.ShardID]string, bool) {
	next := make(map[types.ShardID]string, len(current))
	ok := true

	for id, addr := range current {
		if _, was := known[id]; was {
			next[id] = addr
			continue
		}
		if err := handler.AddShard(id, addr); err != nil {
			slog.Error("membership add failed", "shard", id, "err", err)
			ok = false
			continue
		}
		next[id] = addr
	}
	for id, addr := range known {
		if _, still := current[id]; still {
			continue
		}
		if err := handler.RemoveShard(id); err != nil {
			slog.Error("membership remove failed", "shard", id, "err", err)
			next[id] = addr
			ok = false
		}
	}
	return next, ok
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
