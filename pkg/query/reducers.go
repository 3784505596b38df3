package query

import (
	"sort"

	"sharddb/pkg/storage"
	"sharddb/pkg/types"
)

// Операционно-специфичные редьюсеры частичных результатов:
// сумма для count, объединение множеств для distinct,
// конкатенация + пересортировка для упорядоченных сканов.

func reduceCount(results map[types.ShardID]any) int64 {
	var total int64
	for _, p := range results {
		if n, ok := p.(int64); ok {
			total += n
		}
	}
	return total
}

func reduceDistinct(results map[types.ShardID]any) []types.Key {
	set := map[types.Key]struct{}{}
	for _, p := range results {
		keys, ok := p.([]types.Key)
		if !ok {
			continue
		}
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}
	out := make([]types.Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func mergeSorted(results map[types.ShardID]any) []storage.KV {
	var out []storage.KV
	for _, p := range results {
		if kvs, ok := p.([]storage.KV); ok {
			out = append(out, kvs...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
