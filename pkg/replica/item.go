package replica

// ID identifies one item: the client that created it and that client's
// per-item counter.
type ID struct {
	Client uint64
	Clock  uint64
}

func (a ID) less(b ID) bool {
	if a.Client != b.Client {
		return a.Client < b.Client
	}
	return a.Clock < b.Clock
}

type item struct {
	id        ID
	lamport   uint64
	origin    ID
	hasOrigin bool
	content   rune
	deleted   bool
	// gc marks a deleted item whose content has been discarded.
	gc bool

	// next is the following item in document order.
	next *item
}

// precedes reports whether a sorts before b among items sharing an anchor.
func (a *item) precedes(b *item) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	return a.id.Client > b.id.Client
}

func (a *item) clone() *item {
	c := *a
	c.next = nil
	return &c
}
