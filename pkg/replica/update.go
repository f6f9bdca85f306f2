package replica

import (
	"fmt"
	"sort"

	"github.com/tinyedit/docsync/pkg/protocol"
)

const (
	flagOrigin byte = 1 << iota
	flagGC
)

// update is the decoded form of an update byte slice.
type update struct {
	items   []*item
	deletes []deleteRange
}

// emptyUpdate is the encoding of an update with no items and no deletes.
var emptyUpdate = []byte{0, 0}

// IsEmptyUpdate reports whether b carries neither items nor deletions.
func IsEmptyUpdate(b []byte) bool {
	u, err := decodeUpdate(b)
	if err != nil {
		return false
	}
	return len(u.items) == 0 && len(u.deletes) == 0
}

// encodeUpdate writes items sorted by ID followed by the delete set as
// (client, clock, length) ranges. The output depends only on the sets, not
// on their order, so equal states encode to equal bytes.
func encodeUpdate(items []*item, deletes []deleteRange) []byte {
	sorted := make([]*item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id.less(sorted[j].id) })

	e := protocol.NewEncoderWithCap(8 + len(items)*6)
	e.WriteUvarint(uint64(len(sorted)))
	for _, it := range sorted {
		var flags byte
		if it.hasOrigin {
			flags |= flagOrigin
		}
		if it.gc {
			flags |= flagGC
		}
		e.WriteUvarint(it.id.Client)
		e.WriteUvarint(it.id.Clock)
		e.WriteUvarint(it.lamport)
		e.WriteByte(flags)
		if it.hasOrigin {
			e.WriteUvarint(it.origin.Client)
			e.WriteUvarint(it.origin.Clock)
		}
		if !it.gc {
			e.WriteUvarint(uint64(it.content))
		}
	}

	ranges := normalizeRanges(deletes)
	e.WriteUvarint(uint64(len(ranges)))
	for _, r := range ranges {
		e.WriteUvarint(r.client)
		e.WriteUvarint(r.clock)
		e.WriteUvarint(r.length)
	}
	return e.Bytes()
}

type deleteRange struct {
	client, clock, length uint64
}

// normalizeRanges sorts ranges and merges the ones that overlap or touch.
func normalizeRanges(in []deleteRange) []deleteRange {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]deleteRange, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].client != sorted[j].client {
			return sorted[i].client < sorted[j].client
		}
		return sorted[i].clock < sorted[j].clock
	})

	out := sorted[:0]
	for _, r := range sorted {
		if r.length == 0 {
			continue
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.client == r.client && r.clock <= last.clock+last.length {
				if end := r.clock + r.length; end > last.clock+last.length {
					last.length = end - last.clock
				}
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// compressDeletes turns single ids into ranges.
func compressDeletes(ids []ID) []deleteRange {
	ranges := make([]deleteRange, len(ids))
	for i, id := range ids {
		ranges[i] = deleteRange{client: id.Client, clock: id.Clock, length: 1}
	}
	return normalizeRanges(ranges)
}

// decodeUpdate parses b. Counts are bounded only by the length of b, which
// the caller already holds in memory, so a stored state of any size decodes.
func decodeUpdate(b []byte) (*update, error) {
	d := protocol.NewDecoder(b, protocol.WithMaxCollectionCount(0))
	n, err := d.ReadCollectionCount()
	if err != nil {
		return nil, fmt.Errorf("%w: item count: %v", ErrMalformedUpdate, err)
	}

	u := &update{items: make([]*item, 0, n)}
	for i := 0; i < n; i++ {
		it, err := decodeItem(d)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedUpdate, i, err)
		}
		u.items = append(u.items, it)
	}

	nr, err := d.ReadCollectionCount()
	if err != nil {
		return nil, fmt.Errorf("%w: delete count: %v", ErrMalformedUpdate, err)
	}
	u.deletes = make([]deleteRange, 0, nr)
	for i := 0; i < nr; i++ {
		var r deleteRange
		if r.client, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: delete range %d: %v", ErrMalformedUpdate, i, err)
		}
		if r.clock, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: delete range %d: %v", ErrMalformedUpdate, i, err)
		}
		if r.length, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: delete range %d: %v", ErrMalformedUpdate, i, err)
		}
		if r.clock+r.length < r.clock {
			return nil, fmt.Errorf("%w: delete range %d overflows", ErrMalformedUpdate, i)
		}
		u.deletes = append(u.deletes, r)
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, d.Remaining())
	}
	return u, nil
}

func decodeItem(d *protocol.Decoder) (*item, error) {
	it := &item{}
	var err error
	if it.id.Client, err = d.ReadUvarint(); err != nil {
		return nil, err
	}
	if it.id.Clock, err = d.ReadUvarint(); err != nil {
		return nil, err
	}
	if it.lamport, err = d.ReadUvarint(); err != nil {
		return nil, err
	}
	flags, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	if flags&^(flagOrigin|flagGC) != 0 {
		return nil, fmt.Errorf("unknown flags %#x", flags)
	}
	if flags&flagOrigin != 0 {
		it.hasOrigin = true
		if it.origin.Client, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		if it.origin.Clock, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
	}
	if flags&flagGC != 0 {
		it.gc = true
		it.deleted = true
		return it, nil
	}
	r, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if r > 0x10FFFF {
		return nil, fmt.Errorf("invalid rune %#x", r)
	}
	it.content = rune(r)
	return it, nil
}

// MergeUpdates combines updates into one update holding the union of their
// items and deletions. It does not need the updates' dependencies to be
// present, so it is safe for compacting a persisted update log.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	items := make(map[ID]*item)
	deletes := newDeleteSet()

	for i, b := range updates {
		u, err := decodeUpdate(b)
		if err != nil {
			return nil, fmt.Errorf("replica: merge update %d: %w", i, err)
		}
		for _, it := range u.items {
			if it.gc {
				deletes.add(it.id.Client, it.id.Clock, it.id.Clock+1)
			}
			if prev, ok := items[it.id]; ok && !prev.gc {
				continue
			}
			items[it.id] = it
		}
		for _, r := range u.deletes {
			deletes.add(r.client, r.clock, r.clock+r.length)
		}
	}

	list := make([]*item, 0, len(items))
	for _, it := range items {
		list = append(list, it)
	}
	return encodeUpdate(list, deletes.ranges()), nil
}

// encodeStateVector writes (client, clock) pairs sorted by client.
func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	e := protocol.NewEncoderWithCap(1 + len(clients)*8)
	e.WriteUvarint(uint64(len(clients)))
	for _, c := range clients {
		e.WriteUvarint(c)
		e.WriteUvarint(sv[c])
	}
	return e.Bytes()
}

// DecodeStateVector parses an encoded state vector. An empty input is the
// empty state vector.
func DecodeStateVector(b []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(b) == 0 {
		return sv, nil
	}
	d := protocol.NewDecoder(b, protocol.WithMaxCollectionCount(0))
	n, err := d.ReadCollectionCount()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	for i := 0; i < n; i++ {
		c, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		sv[c] = clock
	}
	return sv, nil
}
