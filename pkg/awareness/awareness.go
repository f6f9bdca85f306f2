// Package awareness tracks ephemeral per-participant presence state for a
// document: cursors, selections, user names. Nothing here is persisted.
//
// Every participant id carries a clock. An incoming entry replaces the
// stored one only if its clock is newer, or if it has the same clock and
// announces removal of a state that is still present. A JSON null state
// means the participant left.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/tinyedit/docsync/internal/observe"
	"github.com/tinyedit/docsync/pkg/protocol"
)

// DefaultOutdatedTimeout is how long a remote state survives without renewal.
const DefaultOutdatedTimeout = 30 * time.Second

// OriginTimeout is the origin reported for removals made by RemoveOutdated.
const OriginTimeout = "timeout"

// ErrMalformedUpdate is returned when an awareness update cannot be decoded.
var ErrMalformedUpdate = errors.New("awareness: malformed update")

var nullState = []byte("null")

// Meta is the bookkeeping kept for every participant ever seen, including
// ones whose state has been removed.
type Meta struct {
	Clock       uint64
	LastUpdated time.Time
}

// Change lists the participant ids affected by one operation.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether the change affects no participant.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// IDs returns added, updated and removed ids in that order.
func (c Change) IDs() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

// Event is delivered to OnChange and OnUpdate listeners.
type Event struct {
	Change
	Origin any
}

// Option configures an Awareness.
type Option func(*Awareness)

// WithClock sets the time source used to stamp updates.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		a.now = now
	}
}

// WithOutdatedTimeout sets how long remote states live without renewal.
func WithOutdatedTimeout(d time.Duration) Option {
	return func(a *Awareness) {
		a.timeout = d
	}
}

// Awareness is the presence table of one document. It is safe for
// concurrent use; listeners run after the table's lock is released.
type Awareness struct {
	mu       sync.Mutex
	clientID uint64
	states   map[uint64]json.RawMessage
	meta     map[uint64]Meta
	now      func() time.Time
	timeout  time.Duration

	onChange observe.List[Event]
	onUpdate observe.List[Event]
}

// New creates an empty table whose local participant is clientID.
func New(clientID uint64, opts ...Option) *Awareness {
	a := &Awareness{
		clientID: clientID,
		states:   make(map[uint64]json.RawMessage),
		meta:     make(map[uint64]Meta),
		now:      time.Now,
		timeout:  DefaultOutdatedTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ClientID returns the local participant id.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnChange registers fn for operations that changed at least one state.
func (a *Awareness) OnChange(fn func(Event)) *observe.Subscription {
	return a.onChange.Subscribe(fn)
}

// OnUpdate registers fn for every operation that touched a state, including
// renewals that left the state unchanged.
func (a *Awareness) OnUpdate(fn func(Event)) *observe.Subscription {
	return a.onUpdate.Subscribe(fn)
}

// GetStates returns a copy of all present states.
func (a *Awareness) GetStates() map[uint64]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint64]json.RawMessage, len(a.states))
	for id, s := range a.states {
		out[id] = s
	}
	return out
}

// Len returns the number of present states.
func (a *Awareness) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// Meta returns the bookkeeping for id.
func (a *Awareness) Meta(id uint64) (Meta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.meta[id]
	return m, ok
}

// LocalState returns the local participant's state, or nil.
func (a *Awareness) LocalState() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID]
}

// SetLocalState replaces the local participant's state. A nil state
// removes it.
func (a *Awareness) SetLocalState(state json.RawMessage) error {
	if state != nil && !json.Valid(state) {
		return fmt.Errorf("awareness: local state is not valid JSON")
	}
	if bytes.Equal(state, nullState) {
		state = nil
	}

	a.mu.Lock()
	id := a.clientID
	prev, had := a.states[id]
	var clock uint64
	if m, ok := a.meta[id]; ok {
		clock = m.Clock + 1
	}
	if state == nil {
		delete(a.states, id)
	} else {
		a.states[id] = cloneRaw(state)
	}
	a.meta[id] = Meta{Clock: clock, LastUpdated: a.now()}

	var change, filtered Change
	switch {
	case state == nil && had:
		change.Removed = []uint64{id}
		filtered.Removed = change.Removed
	case state != nil && !had:
		change.Added = []uint64{id}
		filtered.Added = change.Added
	case state != nil:
		change.Updated = []uint64{id}
		if !equalStates(prev, state) {
			filtered.Updated = change.Updated
		}
	}
	a.mu.Unlock()

	a.emit(change, filtered, "local")
	return nil
}

// RemoveStates deletes the states of ids and notifies listeners with origin.
// Removing the local participant bumps its clock so peers accept the removal.
func (a *Awareness) RemoveStates(ids []uint64, origin any) Change {
	a.mu.Lock()
	var change Change
	for _, id := range ids {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			m := a.meta[id]
			a.meta[id] = Meta{Clock: m.Clock + 1, LastUpdated: a.now()}
		}
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()

	a.emit(change, change, origin)
	return change
}

// RemoveOutdated drops remote states not renewed within the outdated
// timeout as of now, and renews the local state when it is half expired.
func (a *Awareness) RemoveOutdated(now time.Time) Change {
	a.mu.Lock()
	var (
		stale []uint64
		renew json.RawMessage
	)
	if local, ok := a.states[a.clientID]; ok {
		if m := a.meta[a.clientID]; now.Sub(m.LastUpdated) >= a.timeout/2 {
			renew = local
		}
	}
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.LastUpdated) >= a.timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()

	if renew != nil {
		_ = a.SetLocalState(renew)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return a.RemoveStates(stale, OriginTimeout)
}

// EncodeUpdate encodes the current state and clock of ids. Ids without a
// state are encoded as null so the receiver removes them.
func (a *Awareness) EncodeUpdate(ids []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := protocol.NewEncoder()
	e.WriteUvarint(uint64(len(ids)))
	for _, id := range ids {
		state, ok := a.states[id]
		if !ok {
			state = nullState
		}
		e.WriteUvarint(id)
		e.WriteUvarint(a.meta[id].Clock)
		e.WriteVarBytes(state)
	}
	return e.Bytes()
}

// EncodeAll encodes every present state, sorted by participant id.
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return a.EncodeUpdate(ids)
}

type entry struct {
	id    uint64
	clock uint64
	state json.RawMessage // nil for removal
}

func decodeUpdate(b []byte) ([]entry, error) {
	// b is already in memory, so its length bounds every read.
	d := protocol.NewDecoder(b, protocol.WithMaxAllocation(0), protocol.WithMaxCollectionCount(0))
	n, err := d.ReadCollectionCount()
	if err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrMalformedUpdate, err)
	}
	entries := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		var en entry
		if en.id, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		if en.clock, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		raw, err := d.ReadVarBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: entry %d: state is not valid JSON", ErrMalformedUpdate, i)
		}
		if !bytes.Equal(bytes.TrimSpace(raw), nullState) {
			en.state = raw
		}
		entries = append(entries, en)
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, d.Remaining())
	}
	return entries, nil
}

// ApplyUpdate merges a remote awareness update. The whole update is decoded
// before any entry is applied. Listeners receive the resulting change with
// origin.
func (a *Awareness) ApplyUpdate(b []byte, origin any) (Change, error) {
	entries, err := decodeUpdate(b)
	if err != nil {
		return Change{}, err
	}

	a.mu.Lock()
	now := a.now()
	var change, filtered Change
	for _, en := range entries {
		cur, known := a.meta[en.id]
		prev, present := a.states[en.id]
		if !(cur.Clock < en.clock || (known && cur.Clock == en.clock && en.state == nil && present)) && known {
			continue
		}

		clock := en.clock
		if en.state == nil {
			if en.id == a.clientID && present {
				// A peer may not remove our own state; outbid its clock.
				clock++
			} else {
				delete(a.states, en.id)
			}
		} else {
			a.states[en.id] = en.state
		}
		a.meta[en.id] = Meta{Clock: clock, LastUpdated: now}

		switch {
		case !known && en.state != nil:
			change.Added = append(change.Added, en.id)
			filtered.Added = append(filtered.Added, en.id)
		case known && en.state == nil:
			change.Removed = append(change.Removed, en.id)
			filtered.Removed = append(filtered.Removed, en.id)
		case en.state != nil:
			change.Updated = append(change.Updated, en.id)
			if !equalStates(prev, en.state) {
				filtered.Updated = append(filtered.Updated, en.id)
			}
		}
	}
	a.mu.Unlock()

	a.emit(change, filtered, origin)
	return change, nil
}

func (a *Awareness) emit(change, filtered Change, origin any) {
	if !filtered.Empty() {
		a.onChange.Emit(Event{Change: filtered, Origin: origin})
	}
	if !change.Empty() {
		a.onUpdate.Emit(Event{Change: change, Origin: origin})
	}
}

// Destroy drops every listener.
func (a *Awareness) Destroy() {
	a.onChange.Clear()
	a.onUpdate.Clear()
}

func equalStates(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
