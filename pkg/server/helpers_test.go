package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyedit/docsync/pkg/awareness"
	"github.com/tinyedit/docsync/pkg/persistence"
	"github.com/tinyedit/docsync/pkg/protocol"
	"github.com/tinyedit/docsync/pkg/replica"
)

// fakeTransport records what a connection writes.
type fakeTransport struct {
	mu        sync.Mutex
	written   [][]byte
	pings     int
	closed    bool
	closeCode int
	writeErr  error
	pingErr   error
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// newTestConn returns an unstarted connection over a fake transport.
// Its queue is inspected with takeQueued.
func newTestConn(docID string) (*Connection, *fakeTransport) {
	cfg := DefaultConnectionConfig()
	cfg.HeartbeatInterval = 0
	ft := &fakeTransport{}
	return NewConnection(docID, ft, cfg), ft
}

// takeQueued empties conn's outbound queue.
func takeQueued(c *Connection) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for c.queue.Length() > 0 {
		out = append(out, c.queue.Remove().([]byte))
	}
	return out
}

func testDocumentConfig() *DocumentConfig {
	cfg := DefaultDocumentConfig()
	cfg.JanitorInterval = -1
	return cfg
}

func newTestRegistry(p persistence.Persistence) *Registry {
	return NewRegistry(testDocumentConfig(), p)
}

func attach(t *testing.T, r *Registry, id string) (*Document, *Connection, *fakeTransport) {
	t.Helper()
	conn, ft := newTestConn(id)
	d, err := r.Attach(context.Background(), id, conn)
	if err != nil {
		t.Fatalf("Attach(%q) error: %v", id, err)
	}
	conn.OnClose(d.Detach)
	return d, conn, ft
}

type frame struct {
	kind    protocol.MessageType
	sync    protocol.SyncMessageType
	payload []byte
}

func decodeFrame(t *testing.T, msg []byte) frame {
	t.Helper()
	dec := protocol.NewDecoder(msg, protocol.WithMaxAllocation(len(msg)))
	kind, err := protocol.ReadMessageType(dec)
	if err != nil {
		t.Fatalf("ReadMessageType error: %v", err)
	}
	f := frame{kind: kind}
	if kind == protocol.MessageSync {
		st, err := dec.ReadUvarint()
		if err != nil {
			t.Fatalf("read sync type: %v", err)
		}
		f.sync = protocol.SyncMessageType(st)
	}
	f.payload, err = dec.ReadVarBytes()
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return f
}

// client is a minimal peer that applies what the server sends.
type client struct {
	doc       *replica.Doc
	awareness *awareness.Awareness
}

func newClient() *client {
	doc := replica.New()
	return &client{doc: doc, awareness: awareness.New(doc.ClientID())}
}

func (c *client) receive(t *testing.T, msgs [][]byte) {
	t.Helper()
	for _, msg := range msgs {
		f := decodeFrame(t, msg)
		switch {
		case f.kind == protocol.MessageAwareness:
			if _, err := c.awareness.ApplyUpdate(f.payload, "server"); err != nil {
				t.Fatalf("apply awareness: %v", err)
			}
		case f.sync == protocol.SyncStep2 || f.sync == protocol.SyncUpdate:
			if err := c.doc.ApplyUpdate(f.payload, "server"); err != nil {
				t.Fatalf("apply %s: %v", f.sync, err)
			}
		}
	}
}

// insert edits the client replica and returns the sync frame carrying it.
func (c *client) insert(t *testing.T, index int, text string) []byte {
	t.Helper()
	var update []byte
	sub := c.doc.OnUpdate(func(u []byte, _ any) { update = u })
	defer sub.Unsubscribe()
	if err := c.doc.Insert(index, text); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	return protocol.EncodeSyncUpdate(update)
}

func awarenessFrame(t *testing.T, entries map[uint64]string, clock uint64) []byte {
	t.Helper()
	e := protocol.NewEncoder()
	e.WriteUvarint(uint64(len(entries)))
	for id, state := range entries {
		e.WriteUvarint(id)
		e.WriteUvarint(clock)
		e.WriteVarString(state)
	}
	return protocol.EncodeAwareness(e.Bytes())
}

// fakePersistence counts calls and lets tests block or fail them.
type fakePersistence struct {
	store *persistence.MemoryStore
	gw    *persistence.Gateway

	binds   atomic.Int32
	writes  atomic.Int32
	bindErr atomic.Pointer[error]
	// writeStarted, when set, is signaled as each WriteState begins.
	writeStarted chan struct{}
	// writeGate, when set, is received from before each WriteState.
	writeGate chan struct{}
	writeErr  atomic.Pointer[error]
}

func newFakePersistence(t *testing.T) *fakePersistence {
	t.Helper()
	store := persistence.NewMemoryStore()
	gw := persistence.NewGateway(store)
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	return &fakePersistence{store: store, gw: gw}
}

func (f *fakePersistence) Connect(ctx context.Context) error {
	return f.gw.Connect(ctx)
}

func (f *fakePersistence) BindState(ctx context.Context, id string, doc *replica.Doc) error {
	f.binds.Add(1)
	if err := f.bindErr.Load(); err != nil {
		return *err
	}
	return f.gw.BindState(ctx, id, doc)
}

func (f *fakePersistence) WriteState(ctx context.Context, id string, doc *replica.Doc) error {
	if f.writeStarted != nil {
		select {
		case f.writeStarted <- struct{}{}:
		default:
		}
	}
	if f.writeGate != nil {
		select {
		case <-f.writeGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.writes.Add(1)
	if err := f.writeErr.Load(); err != nil {
		return *err
	}
	return f.gw.WriteState(ctx, id, doc)
}

func (f *fakePersistence) Close(ctx context.Context) error {
	return f.gw.Close(ctx)
}

func (f *fakePersistence) failBind(err error) {
	if err == nil {
		f.bindErr.Store(nil)
		return
	}
	f.bindErr.Store(&err)
}

func (f *fakePersistence) failWrite(err error) {
	if err == nil {
		f.writeErr.Store(nil)
		return
	}
	f.writeErr.Store(&err)
}

func (f *fakePersistence) stored(t *testing.T, id string) string {
	t.Helper()
	doc, _, err := persistence.LoadDocument(context.Background(), f.store, id)
	if err != nil {
		t.Fatalf("LoadDocument error: %v", err)
	}
	return doc.String()
}

var errInjected = errors.New("injected failure")

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}
