package replica

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tinyedit/docsync/internal/observe"
)

var (
	// ErrDestroyed is returned by operations on a destroyed Doc.
	ErrDestroyed = errors.New("replica: document destroyed")

	// ErrMalformedUpdate is returned when update bytes cannot be decoded.
	ErrMalformedUpdate = errors.New("replica: malformed update")

	// ErrMalformedStateVector is returned when state vector bytes cannot be decoded.
	ErrMalformedStateVector = errors.New("replica: malformed state vector")

	// ErrOutOfRange is returned when an edit addresses a position past the end.
	ErrOutOfRange = errors.New("replica: position out of range")
)

// UpdateEvent is delivered to OnUpdate listeners.
type UpdateEvent struct {
	// Update is the encoded delta of this change.
	Update []byte
	// Origin is the value passed to ApplyUpdate, or nil for local edits.
	Origin any
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID fixes the client id used for local edits.
// Default: a random 32-bit value.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		d.clientID = id
	}
}

// WithGC controls whether content of deleted items is discarded.
// Default: true.
func WithGC(enabled bool) Option {
	return func(d *Doc) {
		d.gc = enabled
	}
}

// Doc is one replica of a shared text document. It is safe for concurrent use.
type Doc struct {
	mu       sync.Mutex
	clientID uint64
	gc       bool
	// root.next is the first item in document order, tombstones included.
	root    item
	visible int
	byID    map[ID]*item
	clocks  map[uint64]uint64
	lamport uint64
	deletes *deleteSet
	// pending holds received items whose dependencies are missing; blocked
	// indexes them by the id each one waits for.
	pending   map[ID]*item
	blocked   map[ID][]*item
	destroyed bool

	onUpdate  observe.List[UpdateEvent]
	onDestroy observe.List[struct{}]
}

// New creates an empty document.
func New(opts ...Option) *Doc {
	d := &Doc{
		clientID: randomClientID(),
		gc:       true,
		byID:     make(map[ID]*item),
		clocks:   make(map[uint64]uint64),
		deletes:  newDeleteSet(),
		pending:  make(map[ID]*item),
		blocked:  make(map[ID][]*item),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func randomClientID() uint64 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("replica: read random client id: %v", err))
	}
	return uint64(binary.LittleEndian.Uint32(b[:]))
}

// ClientID returns the id stamped on local edits.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// GC reports whether deleted content is discarded.
func (d *Doc) GC() bool {
	return d.gc
}

// OnUpdate registers fn to receive every change to the document.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) *observe.Subscription {
	return d.onUpdate.Subscribe(func(ev UpdateEvent) { fn(ev.Update, ev.Origin) })
}

// OnDestroy registers fn to run once when the document is destroyed.
func (d *Doc) OnDestroy(fn func()) *observe.Subscription {
	return d.onDestroy.Subscribe(func(struct{}) { fn() })
}

// Destroy releases the document. Listeners are notified and then dropped;
// later edits and updates fail with ErrDestroyed.
func (d *Doc) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.mu.Unlock()

	d.onDestroy.Emit(struct{}{})
	d.onDestroy.Clear()
	d.onUpdate.Clear()
}

// IsDestroyed reports whether Destroy has been called.
func (d *Doc) IsDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// String returns the visible text.
func (d *Doc) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	b.Grow(d.visible)
	for it := d.root.next; it != nil; it = it.next {
		if !it.deleted {
			b.WriteRune(it.content)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

// StateVector returns a copy of the per-client integrated item counts.
func (d *Doc) StateVector() map[uint64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	sv := make(map[uint64]uint64, len(d.clocks))
	for c, k := range d.clocks {
		sv[c] = k
	}
	return sv
}

// PendingCount returns the number of received items still waiting for
// their dependencies.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// EncodeStateVector encodes the document's state vector.
func (d *Doc) EncodeStateVector() []byte {
	return encodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate returns an update holding every item the owner of
// stateVector has not integrated, plus the full delete set. A nil or empty
// stateVector yields the complete state.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var items []*item
	for it := d.root.next; it != nil; it = it.next {
		if it.id.Clock >= sv[it.id.Client] {
			items = append(items, it)
		}
	}
	return encodeUpdate(items, d.deletes.ranges()), nil
}

// Insert inserts text before the visible character at index.
func (d *Doc) Insert(index int, text string) error {
	if text == "" {
		return nil
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	var origin *item
	if index > 0 {
		origin = d.visibleAt(index - 1)
		if origin == nil {
			d.mu.Unlock()
			return fmt.Errorf("%w: insert at %d", ErrOutOfRange, index)
		}
	} else if index < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: insert at %d", ErrOutOfRange, index)
	}

	var created []*item
	for _, r := range text {
		it := &item{
			id:      ID{Client: d.clientID, Clock: d.clocks[d.clientID]},
			lamport: d.lamport + 1,
			content: r,
		}
		if origin != nil {
			it.origin = origin.id
			it.hasOrigin = true
		}
		d.integrate(it)
		created = append(created, it)
		origin = it
	}
	b := encodeUpdate(created, nil)
	d.mu.Unlock()

	d.onUpdate.Emit(UpdateEvent{Update: b})
	return nil
}

// Delete removes length visible characters starting at index.
func (d *Doc) Delete(index, length int) error {
	if length <= 0 {
		return nil
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	if index < 0 || index+length > d.visible {
		d.mu.Unlock()
		return fmt.Errorf("%w: delete %d at %d", ErrOutOfRange, length, index)
	}

	ids := make([]ID, 0, length)
	for it := d.visibleAt(index); it != nil && len(ids) < length; it = it.next {
		if it.deleted {
			continue
		}
		ids = append(ids, it.id)
		d.deletes.add(it.id.Client, it.id.Clock, it.id.Clock+1)
		d.tombstone(it)
	}
	b := encodeUpdate(nil, compressDeletes(ids))
	d.mu.Unlock()

	d.onUpdate.Emit(UpdateEvent{Update: b})
	return nil
}

// ApplyUpdate merges an encoded update into the document. The update is
// fully decoded before anything changes, so a malformed update leaves the
// document untouched. Listeners receive only the part that was new.
func (d *Doc) ApplyUpdate(b []byte, origin any) error {
	u, err := decodeUpdate(b)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	var newDeletes []deleteRange
	for _, r := range u.deletes {
		newDeletes = append(newDeletes, d.recordDelete(r.client, r.clock, r.clock+r.length)...)
	}
	var queue []*item
	for _, it := range u.items {
		if it.gc {
			newDeletes = append(newDeletes, d.recordDelete(it.id.Client, it.id.Clock, it.id.Clock+1)...)
		}
		if d.known(it.id) {
			continue
		}
		if _, ok := d.pending[it.id]; ok {
			continue
		}
		p := it.clone()
		d.pending[p.id] = p
		queue = append(queue, p)
	}
	integrated := d.integratePending(queue)

	var event []byte
	if len(integrated) > 0 || len(newDeletes) > 0 {
		event = encodeUpdate(integrated, newDeletes)
	}
	d.mu.Unlock()

	if event != nil {
		d.onUpdate.Emit(UpdateEvent{Update: event, Origin: origin})
	}
	return nil
}

// visibleAt returns the index-th visible item. Caller holds d.mu.
func (d *Doc) visibleAt(index int) *item {
	pos := 0
	for it := d.root.next; it != nil; it = it.next {
		if it.deleted {
			continue
		}
		if pos == index {
			return it
		}
		pos++
	}
	return nil
}

func (d *Doc) known(id ID) bool {
	return id.Clock < d.clocks[id.Client]
}

// recordDelete adds [start, end) of client to the delete set and tombstones
// the integrated items it newly covers. It returns the newly covered ranges.
func (d *Doc) recordDelete(client, start, end uint64) []deleteRange {
	added := d.deletes.add(client, start, end)
	out := make([]deleteRange, 0, len(added))
	for _, r := range added {
		out = append(out, deleteRange{client: client, clock: r.start, length: r.end - r.start})
		// Items of one client integrate in clock order, so only clocks below
		// the client's state can be present.
		stop := min(r.end, d.clocks[client])
		for clock := r.start; clock < stop; clock++ {
			if it, ok := d.byID[ID{Client: client, Clock: clock}]; ok {
				d.tombstone(it)
			}
		}
	}
	return out
}

func (d *Doc) tombstone(it *item) {
	if !it.deleted {
		it.deleted = true
		d.visible--
	}
	if d.gc {
		it.gc = true
		it.content = 0
	}
}

// integratePending integrates the queued items and every pending item they
// unblock. An item that is not ready waits in blocked under the id it
// needs, and is queued again once that id is integrated.
func (d *Doc) integratePending(queue []*item) []*item {
	sort.Slice(queue, func(i, j int) bool { return queue[i].id.less(queue[j].id) })

	var done []*item
	for i := 0; i < len(queue); i++ {
		it := queue[i]
		if dep, ok := d.missing(it); ok {
			d.blocked[dep] = append(d.blocked[dep], it)
			continue
		}
		delete(d.pending, it.id)
		d.integrate(it)
		done = append(done, it)
		if waiters, ok := d.blocked[it.id]; ok {
			delete(d.blocked, it.id)
			queue = append(queue, waiters...)
		}
	}
	return done
}

// missing returns the id it waits for: its predecessor from the same client
// or its anchor.
func (d *Doc) missing(it *item) (ID, bool) {
	if it.id.Clock != d.clocks[it.id.Client] {
		return ID{Client: it.id.Client, Clock: it.id.Clock - 1}, true
	}
	if it.hasOrigin {
		if _, ok := d.byID[it.origin]; !ok {
			return it.origin, true
		}
	}
	return ID{}, false
}

// integrate links it after its anchor, skipping over siblings that precede
// it. Caller holds d.mu and has checked missing.
func (d *Doc) integrate(it *item) {
	prev := &d.root
	if it.hasOrigin {
		prev = d.byID[it.origin]
	}
	for prev.next != nil && prev.next.precedes(it) {
		prev = prev.next
	}
	it.next = prev.next
	prev.next = it

	d.byID[it.id] = it
	d.clocks[it.id.Client] = it.id.Clock + 1
	if it.lamport > d.lamport {
		d.lamport = it.lamport
	}
	if !it.deleted {
		d.visible++
	}
	if it.gc || d.deletes.contains(it.id) {
		d.tombstone(it)
	}
}
