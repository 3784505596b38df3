package query

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/metrics"
	"sharddb/pkg/registry"
	"sharddb/pkg/routing"
	"sharddb/pkg/storage"
	"sharddb/pkg/types"
)

const (
	singleKeyRetries = 2
	retryBackoff     = 50 * time.Millisecond
)

// MirrorSource tells the write path whether a key's arc is mid-copy
// and where the mirrored write must additionally land.
type MirrorSource interface {
	MirrorFor(key types.Key) (types.ShardID, bool)
}

// Partial annotates a scatter-gather result. Ответ никогда не выдаётся
// молча за полный: если какие-то шарды исключены или не ответили, они
// перечислены в Missing.
type Partial struct {
	Partial bool            `json:"partial"`
	Missing []types.ShardID `json:"missing,omitempty"`
}

// Coordinator routes single-key operations to their owner shard and
// fans multi-shard queries out to every healthy shard concurrently.
type Coordinator struct {
	router    *routing.Router
	reg       *registry.Registry
	mirror    MirrorSource
	met       metrics.Collector
	opTimeout time.Duration
}

func NewCoordinator(
	router *routing.Router,
	reg *registry.Registry,
	mirror MirrorSource,
	opTimeout time.Duration,
	met metrics.Collector,
) *Coordinator {
	if met == nil {
		met = metrics.Nop{}
	}
	return &Coordinator{
		router:    router,
		reg:       reg,
		mirror:    mirror,
		met:       met,
		opTimeout: opTimeout,
	}
}

// backendFor resolves the owner shard and its connection handle.
func (c *Coordinator) backendFor(key types.Key) (types.ShardID, storage.Backend, error) {
	owner, err := c.router.ShardFor(key)
	if err != nil {
		return "", nil, err
	}
	rec, err := c.reg.Get(owner)
	if err != nil {
		return "", nil, err
	}
	return owner, rec.Backend, nil
}

// Get reads a single key from its owner, no fan-out.
func (c *Coordinator) Get(ctx context.Context, key types.Key) (types.Value, error) {
	_, be, err := c.backendFor(key)
	if err != nil {
		return nil, err
	}

	var val types.Value
	err = c.withRetry(ctx, func(opCtx context.Context) error {
		var e error
		val, e = be.Get(opCtx, key)
		return e
	})
	return val, err
}

// Put writes a single key. Если арка ключа сейчас мигрирует, запись
// зеркалируется: сначала source (текущий владелец), потом dest -
// строго в этом порядке, чтобы чтение с любой копии не увидело
// состояние старее последней подтверждённой записи.
func (c *Coordinator) Put(ctx context.Context, key types.Key, value types.Value) error {
	return c.writeOwned(ctx, key, func(opCtx context.Context, be storage.Backend) error {
		return be.Put(opCtx, key, value)
	})
}

// Delete removes a single key, mirrored the same way as Put.
func (c *Coordinator) Delete(ctx context.Context, key types.Key) error {
	return c.writeOwned(ctx, key, func(opCtx context.Context, be storage.Backend) error {
		return be.Delete(opCtx, key)
	})
}

// writeOwned применяет запись на владельце ключа и его зеркале, а
// потом перепроверяет владельца. Если за время записи арка ключа
// переключилась (Unpin под зависшей записью), операция повторяется уже
// на новом владельце - иначе подтверждённая запись осталась бы только
// на шарде, который её больше не отдаёт.
func (c *Coordinator) writeOwned(ctx context.Context, key types.Key, op func(context.Context, storage.Backend) error) error {
	owner, be, err := c.backendFor(key)
	if err != nil {
		return err
	}
	for {
		if err := c.withRetry(ctx, func(opCtx context.Context) error {
			return op(opCtx, be)
		}); err != nil {
			return err
		}
		if err := c.mirrorWrite(ctx, key, op); err != nil {
			return err
		}
		cur, curBE, err := c.backendFor(key)
		if err != nil || cur == owner {
			return err
		}
		owner, be = cur, curBE
	}
}

func (c *Coordinator) mirrorWrite(ctx context.Context, key types.Key, op func(context.Context, storage.Backend) error) error {
	if c.mirror == nil {
		return nil
	}
	dest, ok := c.mirror.MirrorFor(key)
	if !ok {
		return nil
	}
	rec, err := c.reg.Get(dest)
	if err != nil {
		return fmt.Errorf("mirror to %s: %w", dest, err)
	}
	if err := c.withRetry(ctx, func(opCtx context.Context) error {
		return op(opCtx, rec.Backend)
	}); err != nil {
		return fmt.Errorf("mirror to %s: %w", dest, err)
	}
	return nil
}

// withRetry runs op with a per-call deadline and a bounded retry on
// transient shard errors. Routing errors никогда не ретраятся.
func (c *Coordinator) withRetry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= singleKeyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		err = op(opCtx)
		cancel()
		if err == nil || !dberrors.Transient(err) {
			return err
		}
	}
	return err
}

// Count returns the total number of records across all healthy shards.
func (c *Coordinator) Count(ctx context.Context) (int64, Partial, error) {
	results, part := c.scatter(ctx, "count", func(opCtx context.Context, rec registry.ShardRecord) (any, error) {
		kvs, err := rec.Backend.ScanRange(opCtx, "", "")
		if err != nil {
			return nil, err
		}
		return int64(len(kvs)), nil
	})
	return reduceCount(results), part, nil
}

// DistinctKeys returns the set union of keys across healthy shards,
// sorted.
func (c *Coordinator) DistinctKeys(ctx context.Context) ([]types.Key, Partial, error) {
	results, part := c.scatter(ctx, "distinct", func(opCtx context.Context, rec registry.ShardRecord) (any, error) {
		kvs, err := rec.Backend.ScanRange(opCtx, "", "")
		if err != nil {
			return nil, err
		}
		keys := make([]types.Key, 0, len(kvs))
		for _, kv := range kvs {
			keys = append(keys, kv.Key)
		}
		return keys, nil
	})
	return reduceDistinct(results), part, nil
}

// ScanOrdered merges per-shard ordered scans of [start, end) into one
// globally ordered result.
func (c *Coordinator) ScanOrdered(ctx context.Context, start, end types.Key) ([]storage.KV, Partial, error) {
	results, part := c.scatter(ctx, "scan", func(opCtx context.Context, rec registry.ShardRecord) (any, error) {
		return rec.Backend.ScanRange(opCtx, start, end)
	})
	return mergeSorted(results), part, nil
}

// scatter fans fn out to every currently-healthy shard with a
// per-shard deadline. Degraded/Unreachable шарды исключаются заранее и
// попадают в Missing; не ответившие вовремя - тоже.
func (c *Coordinator) scatter(
	ctx context.Context,
	op string,
	fn func(context.Context, registry.ShardRecord) (any, error),
) (map[types.ShardID]any, Partial) {
	var part Partial

	recs := c.reg.All()
	targets := recs[:0]
	for _, rec := range recs {
		if rec.State != types.Healthy {
			part.Partial = true
			part.Missing = append(part.Missing, rec.ID)
			continue
		}
		targets = append(targets, rec)
	}

	type shardResult struct {
		id      types.ShardID
		payload any
		err     error
	}

	out := make(chan shardResult, len(targets))
	var wg sync.WaitGroup
	for _, rec := range targets {
		wg.Add(1)
		go func(rec registry.ShardRecord) {
			defer wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
			defer cancel()
			payload, err := fn(opCtx, rec)
			out <- shardResult{id: rec.ID, payload: payload, err: err}
		}(rec)
	}
	wg.Wait()
	close(out)

	results := make(map[types.ShardID]any, len(targets))
	for res := range out {
		if res.err != nil {
			// таймаут здесь не повод объявлять шард Unreachable:
			// этим занимается монитор со своим гистерезисом
			part.Partial = true
			part.Missing = append(part.Missing, res.id)
			continue
		}
		results[res.id] = res.payload
	}

	c.met.IncCounter("scatter_gather_total",
		map[string]string{"op": op, "partial": strconv.FormatBool(part.Partial)}, 1)
	return results, part
}
