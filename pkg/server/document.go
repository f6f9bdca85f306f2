package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyedit/docsync/internal/observe"
	"github.com/tinyedit/docsync/pkg/awareness"
	"github.com/tinyedit/docsync/pkg/persistence"
	"github.com/tinyedit/docsync/pkg/protocol"
	"github.com/tinyedit/docsync/pkg/replica"
)

// Document is the live session of one shared document: its replica, the
// presence of its participants, and the connections attached to it.
//
// Every mutation of the replica or the awareness table happens with mu
// held, and the update hooks broadcast before mu is released, so peers see
// changes in the order they were applied. Sends never block; connections
// whose send fails are detached after mu is released.
type Document struct {
	id          string
	registry    *Registry
	config      *DocumentConfig
	persistence persistence.Persistence
	logger      *slog.Logger
	metrics     *Metrics

	mu        sync.Mutex
	doc       *replica.Doc
	awareness *awareness.Awareness
	conns     map[*Connection]map[uint64]struct{}
	loaded    bool
	degraded  bool
	destroyed bool
	attachGen uint64
	failed    []*Connection
	subs      []*observe.Subscription

	// flushMu serializes flushes so overlapping detach cycles compact one
	// after another.
	flushMu     sync.Mutex
	janitorStop chan struct{}
}

func newDocument(id string, r *Registry) *Document {
	cfg := r.config
	doc := replica.New(replica.WithGC(cfg.GC))
	d := &Document{
		id:          id,
		registry:    r,
		config:      cfg,
		persistence: r.persistence,
		logger:      r.logger.With("doc", id),
		metrics:     r.metrics,
		doc:         doc,
		awareness:   awareness.New(doc.ClientID(), awareness.WithOutdatedTimeout(cfg.AwarenessTimeout)),
		conns:       make(map[*Connection]map[uint64]struct{}),
		janitorStop: make(chan struct{}),
	}
	d.subs = append(d.subs,
		doc.OnUpdate(d.onReplicaUpdate),
		d.awareness.OnUpdate(d.onAwarenessUpdate),
	)
	return d
}

// ID returns the document id.
func (d *Document) ID() string {
	return d.id
}

// Replica returns the document's replica. Mutate it through Edit.
func (d *Document) Replica() *replica.Doc {
	return d.doc
}

// Awareness returns the document's presence table.
func (d *Document) Awareness() *awareness.Awareness {
	return d.awareness
}

// ConnectionCount returns the number of attached connections.
func (d *Document) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// IsDestroyed reports whether the session has been torn down.
func (d *Document) IsDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Edit runs fn against the replica as a server-side edit. Changes are
// broadcast to every attached connection.
func (d *Document) Edit(fn func(doc *replica.Doc) error) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDocumentDestroyed
	}
	err := fn(d.doc)
	d.unlockAndDrain()
	return err
}

// onReplicaUpdate broadcasts a replica change. Caller holds d.mu.
// The connection that sent the update already has it.
func (d *Document) onReplicaUpdate(update []byte, origin any) {
	if len(d.conns) == 0 {
		return
	}
	msg := protocol.EncodeSyncUpdate(update)
	src, _ := origin.(*Connection)
	for conn := range d.conns {
		if conn == src {
			continue
		}
		d.send(conn, msg)
	}
}

// onAwarenessUpdate records which participants a connection controls and
// broadcasts the change. Caller holds d.mu.
func (d *Document) onAwarenessUpdate(ev awareness.Event) {
	if conn, ok := ev.Origin.(*Connection); ok {
		if owned, ok := d.conns[conn]; ok {
			for _, id := range ev.Added {
				owned[id] = struct{}{}
			}
			for _, id := range ev.Updated {
				owned[id] = struct{}{}
			}
			for _, id := range ev.Removed {
				delete(owned, id)
			}
		}
	}
	if len(d.conns) == 0 {
		return
	}
	msg := protocol.EncodeAwareness(d.awareness.EncodeUpdate(ev.IDs()))
	for conn := range d.conns {
		d.send(conn, msg)
	}
}

// send queues msg on conn. Caller holds d.mu.
func (d *Document) send(conn *Connection, msg []byte) {
	if err := conn.Send(msg); err != nil {
		d.logger.Debug("send failed", "conn", conn.ID(), "error", err)
		d.failed = append(d.failed, conn)
	}
}

// unlockAndDrain releases d.mu and detaches connections whose sends failed
// while it was held.
func (d *Document) unlockAndDrain() {
	failed := d.failed
	d.failed = nil
	d.mu.Unlock()

	for _, conn := range failed {
		d.Detach(conn)
	}
}

// Attach registers conn and sends it the document state. The first attach
// loads the document from persistence.
func (d *Document) Attach(ctx context.Context, conn *Connection) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDocumentDestroyed
	}
	if !d.loaded {
		if err := d.load(ctx); err != nil {
			d.mu.Unlock()
			return err
		}
	}

	d.conns[conn] = make(map[uint64]struct{})
	d.attachGen++
	d.metrics.connectionAttached()
	d.logger.Debug("connection attached", "conn", conn.ID(), "connections", len(d.conns))

	if state, err := d.doc.EncodeStateAsUpdate(nil); err != nil {
		d.logger.Error("encode state failed", "error", err)
	} else {
		d.send(conn, protocol.EncodeSyncStep2(state))
	}
	d.send(conn, protocol.EncodeSyncStep1(d.doc.EncodeStateVector()))
	if d.awareness.Len() > 0 {
		d.send(conn, protocol.EncodeAwareness(d.awareness.EncodeAll()))
	}
	d.unlockAndDrain()
	return nil
}

// load binds the replica to persistence and runs the content initializer.
// Caller holds d.mu.
func (d *Document) load(ctx context.Context) error {
	if d.persistence != nil {
		start := time.Now()
		if err := d.persistence.BindState(ctx, d.id, d.doc); err != nil {
			d.metrics.loadFailed()
			if d.config.PersistenceRequired {
				d.logger.Error("load failed", "error", err)
				d.destroyLocked()
				return NewDocumentError(d.id, "load", err)
			}
			d.logger.Warn("load failed, serving from memory", "error", err)
			d.degraded = true
		} else {
			d.logger.Debug("document loaded", "duration", time.Since(start))
		}
	}

	if init := d.config.ContentInitializer; init != nil {
		if err := init(ctx, d.id, d.doc); err != nil {
			d.logger.Warn("content initializer failed", "error", err)
		}
	}

	d.loaded = true
	if d.config.JanitorInterval > 0 {
		go d.janitor(d.config.JanitorInterval)
	}
	return nil
}

// Detach removes conn, withdraws the presence it controlled, and closes it.
// When the last connection leaves, the document is flushed and destroyed.
func (d *Document) Detach(conn *Connection) {
	d.mu.Lock()
	owned, ok := d.conns[conn]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.conns, conn)
	d.metrics.connectionDetached()

	if len(owned) > 0 {
		ids := make([]uint64, 0, len(owned))
		for id := range owned {
			ids = append(ids, id)
		}
		d.awareness.RemoveStates(ids, nil)
	}
	empty := len(d.conns) == 0
	gen := d.attachGen
	d.logger.Debug("connection detached", "conn", conn.ID(), "connections", len(d.conns))
	d.unlockAndDrain()

	conn.Close()

	if empty {
		d.flushAndMaybeDestroy(gen)
	}
}

// flushAndMaybeDestroy writes the document and destroys the session if no
// connection attached since generation gen. A failed flush keeps the
// session alive; the janitor retries it.
func (d *Document) flushAndMaybeDestroy(gen uint64) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	if d.destroyed || len(d.conns) > 0 || d.attachGen != gen {
		d.mu.Unlock()
		return
	}
	degraded := d.degraded
	d.mu.Unlock()

	if d.persistence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.FlushTimeout)
		err := d.flush(ctx)
		cancel()
		if err != nil && !degraded {
			d.logger.Error("flush failed, keeping document", "error", err)
			return
		}
		if err != nil {
			d.logger.Warn("flush failed", "error", err)
		}
	}

	d.mu.Lock()
	if !d.destroyed && len(d.conns) == 0 && d.attachGen == gen {
		d.destroyLocked()
	}
	d.mu.Unlock()
}

func (d *Document) flush(ctx context.Context) error {
	start := time.Now()
	err := d.persistence.WriteState(ctx, d.id, d.doc)
	d.metrics.flushed(time.Since(start), err)
	if err != nil {
		return NewDocumentError(d.id, "flush", err)
	}
	d.logger.Debug("document flushed", "duration", time.Since(start))
	return nil
}

// destroyLocked tears the session down. Caller holds d.mu.
func (d *Document) destroyLocked() {
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.registry.remove(d.id, d)

	for _, sub := range d.subs {
		sub.Unsubscribe()
	}
	d.subs = nil
	d.doc.Destroy()
	d.awareness.Destroy()
	close(d.janitorStop)
	d.metrics.documentClosed()
	d.logger.Debug("document destroyed")
}

// janitor expires stale presence and retries failed flushes.
func (d *Document) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.janitorStop:
			return
		case now := <-ticker.C:
			d.mu.Lock()
			if d.destroyed {
				d.mu.Unlock()
				return
			}
			if removed := d.awareness.RemoveOutdated(now); len(removed.Removed) > 0 {
				d.logger.Debug("expired presence", "participants", len(removed.Removed))
			}
			retry := len(d.conns) == 0
			gen := d.attachGen
			d.unlockAndDrain()

			if retry {
				d.flushAndMaybeDestroy(gen)
			}
		}
	}
}

// HandleMessage processes one frame from conn. Frames that cannot be
// decoded or applied are logged and dropped; the connection stays open.
func (d *Document) HandleMessage(conn *Connection, data []byte) {
	d.mu.Lock()
	if _, ok := d.conns[conn]; !ok || d.destroyed {
		d.mu.Unlock()
		return
	}
	kind, err := d.dispatch(conn, data)
	d.metrics.messageReceived(kind, len(data))
	if err != nil {
		d.metrics.malformedFrame()
		d.logger.Warn("dropped malformed frame", "conn", conn.ID(), "kind", kind, "error", err)
	}
	d.unlockAndDrain()
}

// dispatch decodes and applies one frame. Caller holds d.mu.
func (d *Document) dispatch(conn *Connection, data []byte) (kind string, err error) {
	kind = "unknown"
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("frame handler panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", ErrMalformedFrame, r)
		}
	}()

	// The transport already bounded the frame; nothing inside it is rejected
	// for size.
	dec := protocol.NewDecoder(data, protocol.WithMaxAllocation(len(data)))
	t, err := protocol.ReadMessageType(dec)
	if err != nil {
		return kind, err
	}

	switch t {
	case protocol.MessageSync:
		kind = t.String()
		reply := protocol.NewEncoder()
		reply.WriteUvarint(uint64(protocol.MessageSync))
		if _, err := protocol.ReadSyncMessage(dec, reply, d.doc, conn); err != nil {
			return kind, err
		}
		if reply.Len() > 1 {
			d.send(conn, reply.Bytes())
		}
	case protocol.MessageAwareness:
		kind = t.String()
		update, err := protocol.ReadAwareness(dec)
		if err != nil {
			return kind, err
		}
		if _, err := d.awareness.ApplyUpdate(update, conn); err != nil {
			return kind, err
		}
	default:
		return kind, fmt.Errorf("%w: %s", protocol.ErrUnknownMessageType, t)
	}
	return kind, nil
}

// Close closes every connection and makes a final flush. The document is
// destroyed even if the flush fails.
func (d *Document) Close(ctx context.Context) error {
	d.mu.Lock()
	conns := make([]*Connection, 0, len(d.conns))
	for conn := range d.conns {
		conns = append(conns, conn)
	}
	d.mu.Unlock()

	for _, conn := range conns {
		conn.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}

	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	loaded := d.loaded
	d.mu.Unlock()

	var err error
	if d.persistence != nil && loaded {
		err = d.flush(ctx)
	}

	// Connections that attached while shutdown was closing the others.
	d.mu.Lock()
	late := make([]*Connection, 0, len(d.conns))
	for conn := range d.conns {
		late = append(late, conn)
		delete(d.conns, conn)
		d.metrics.connectionDetached()
	}
	d.destroyLocked()
	d.mu.Unlock()

	for _, conn := range late {
		conn.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}
	return err
}
