package storage

import (
	"context"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

// Memory is an ordered in-memory Backend on top of a concurrent
// skiplist. It backs single-process deployments and the test suites;
// the skiplist keeps ScanRange cheap and lock-free for readers.
type Memory struct {
	data   *skipmap.StringMap[types.Value]
	closed atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{data: skipmap.NewString[types.Value]()}
}

func (m *Memory) Get(ctx context.Context, key types.Key) (types.Value, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	v, ok := m.data.Load(key)
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	return v, nil
}

func (m *Memory) Put(ctx context.Context, key types.Key, value types.Value) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	// копия, чтобы вызывающий не мог мутировать сохранённое значение
	cp := make(types.Value, len(value))
	copy(cp, value)
	m.data.Store(key, cp)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key types.Key) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.data.Delete(key)
	return nil
}

func (m *Memory) ScanRange(ctx context.Context, start, end types.Key) ([]KV, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []KV
	m.data.Range(func(k string, v types.Value) bool {
		if k < start {
			return true
		}
		if end != "" && k >= end {
			// skipmap iterates in key order, дальше можно не идти
			return false
		}
		out = append(out, KV{Key: k, Value: v})
		return true
	})
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.check(ctx)
}

// Len reports the number of live records, used as a load metric.
func (m *Memory) Len() int {
	return m.data.Len()
}

func (m *Memory) Close() {
	m.closed.Store(true)
}

func (m *Memory) check(ctx context.Context) error {
	if m.closed.Load() {
		return dberrors.ErrClosed
	}
	return ctx.Err()
}
