package routing

import "sort"

// DiffSnapshots computes the minimal set of ring arcs whose owner
// differs between two ring snapshots. Границы арок - объединение точек
// обоих колец: внутри каждой элементарной арки владелец постоянен в
// обоих снапшотах, поэтому сравнения владельца правой границы
// достаточно.
func DiffSnapshots(before, after *Snapshot) []Interval {
	if before.Len() == 0 || after.Len() == 0 {
		// первый шард появился или последний ушёл: двигать нечего
		// (или некуда), это не ребаланс
		return nil
	}

	points := unionPoints(before, after)
	if len(points) < 2 {
		return nil
	}

	var out []Interval
	for i, end := range points {
		start := points[(i+len(points)-1)%len(points)]
		ob, _ := before.Owner(end)
		oa, _ := after.Owner(end)
		if ob == oa {
			continue
		}
		// склеиваем соседние арки с той же парой (source, dest)
		if n := len(out); n > 0 && out[n-1].End == start &&
			out[n-1].Source == ob && out[n-1].Dest == oa {
			out[n-1].End = end
			continue
		}
		out = append(out, Interval{Start: start, End: end, Source: ob, Dest: oa})
	}

	// склейка через заворот кольца (первая арка цикла обходится
	// первой, поэтому хвост может примыкать к её началу)
	if n := len(out); n > 1 {
		first, last := out[0], out[n-1]
		if last.End == first.Start && last.Source == first.Source && last.Dest == first.Dest {
			out[0].Start = last.Start
			out = out[:n-1]
		}
	}

	return out
}

func unionPoints(a, b *Snapshot) []uint32 {
	set := make(map[uint32]struct{}, a.Len()+b.Len())
	for _, e := range a.Entries() {
		set[e.Hash] = struct{}{}
	}
	for _, e := range b.Entries() {
		set[e.Hash] = struct{}{}
	}
	out := make([]uint32, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
