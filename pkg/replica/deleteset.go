package replica

import "sort"

// clockRange is the half-open clock interval [start, end).
type clockRange struct {
	start, end uint64
}

// deleteSet holds deleted ids as sorted, non-overlapping clock ranges per
// client. Ranges are never expanded into single ids, so a long range costs
// the same as a short one.
type deleteSet struct {
	clients map[uint64][]clockRange
}

func newDeleteSet() *deleteSet {
	return &deleteSet{clients: make(map[uint64][]clockRange)}
}

// contains reports whether id is deleted.
func (s *deleteSet) contains(id ID) bool {
	rs := s.clients[id.Client]
	i := sort.Search(len(rs), func(i int) bool { return rs[i].end > id.Clock })
	return i < len(rs) && rs[i].start <= id.Clock
}

// add marks [start, end) of client deleted and returns the parts that were
// not deleted before, in clock order.
func (s *deleteSet) add(client, start, end uint64) []clockRange {
	if start >= end {
		return nil
	}
	rs := s.clients[client]
	// Ranges touching [start, end) are rs[i:j]; they merge into one.
	i := sort.Search(len(rs), func(i int) bool { return rs[i].end >= start })
	j := i
	merged := clockRange{start: start, end: end}
	cur := start
	var added []clockRange
	for ; j < len(rs) && rs[j].start <= end; j++ {
		r := rs[j]
		if r.start > cur {
			added = append(added, clockRange{start: cur, end: r.start})
		}
		if r.end > cur {
			cur = r.end
		}
		merged.start = min(merged.start, r.start)
		merged.end = max(merged.end, r.end)
	}
	if cur < end {
		added = append(added, clockRange{start: cur, end: end})
	}

	if j == i {
		rs = append(rs, clockRange{})
		copy(rs[i+1:], rs[i:])
		rs[i] = merged
	} else {
		rs[i] = merged
		rs = append(rs[:i+1], rs[j:]...)
	}
	s.clients[client] = rs
	return added
}

// ranges returns the set sorted by client, then clock.
func (s *deleteSet) ranges() []deleteRange {
	clients := make([]uint64, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var out []deleteRange
	for _, c := range clients {
		for _, r := range s.clients[c] {
			out = append(out, deleteRange{client: c, clock: r.start, length: r.end - r.start})
		}
	}
	return out
}
