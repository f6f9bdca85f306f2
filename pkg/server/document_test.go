package server

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinyedit/docsync/pkg/protocol"
	"github.com/tinyedit/docsync/pkg/replica"
)

func TestDoc1Scenario(t *testing.T) {
	p := newFakePersistence(t)
	r := newTestRegistry(p)

	d, a, _ := attach(t, r, "doc1")
	initial := takeQueued(a)
	if len(initial) != 2 {
		t.Fatalf("A received %d messages on attach, want 2", len(initial))
	}
	first := decodeFrame(t, initial[0])
	if first.kind != protocol.MessageSync || first.sync != protocol.SyncStep2 {
		t.Fatalf("first message = %s/%s, want sync/step2", first.kind, first.sync)
	}
	if !replica.IsEmptyUpdate(first.payload) {
		t.Fatalf("initial diff of an empty document is not empty: %v", first.payload)
	}

	ca := newClient()
	ca.receive(t, initial)
	d.HandleMessage(a, ca.insert(t, 0, "hello"))
	if got := d.Replica().String(); got != "hello" {
		t.Fatalf("server text = %q, want hello", got)
	}
	if echoed := takeQueued(a); len(echoed) != 0 {
		t.Fatalf("sender received %d messages for its own update", len(echoed))
	}

	d2, b, _ := attach(t, r, "doc1")
	if d2 != d {
		t.Fatal("second attach created a new session")
	}
	cb := newClient()
	cb.receive(t, takeQueued(b))
	if got := cb.doc.String(); got != "hello" {
		t.Fatalf("B text = %q, want hello", got)
	}

	a.Close()
	if got := d.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", got)
	}
	if _, ok := r.Get("doc1"); !ok || d.IsDestroyed() {
		t.Fatal("session should survive while B is attached")
	}

	b.Close()
	if got := d.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount() = %d, want 0", got)
	}
	if _, ok := r.Get("doc1"); ok {
		t.Fatal("session should be removed after the last detach")
	}
	if !d.IsDestroyed() {
		t.Fatal("session should be destroyed")
	}
	if got := p.stored(t, "doc1"); got != "hello" {
		t.Fatalf("stored text = %q, want hello", got)
	}
}

func TestStep1WithEmptyHistoryGetsFullState(t *testing.T) {
	r := newTestRegistry(nil)
	d, a, _ := attach(t, r, "doc")
	takeQueued(a)

	if err := d.Edit(func(doc *replica.Doc) error { return doc.Insert(0, "abc") }); err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	takeQueued(a)

	c := newClient()
	d.HandleMessage(a, protocol.EncodeSyncStep1(c.doc.EncodeStateVector()))

	reply := takeQueued(a)
	if len(reply) != 1 {
		t.Fatalf("got %d replies, want 1", len(reply))
	}
	f := decodeFrame(t, reply[0])
	if f.kind != protocol.MessageSync || f.sync != protocol.SyncStep2 {
		t.Fatalf("reply = %s/%s, want sync/step2", f.kind, f.sync)
	}
	c.receive(t, reply)
	if got := c.doc.String(); got != "abc" {
		t.Fatalf("client text = %q, want abc", got)
	}
}

func TestUpdateBroadcastSkipsSender(t *testing.T) {
	r := newTestRegistry(nil)
	d, a, _ := attach(t, r, "doc")
	_, b, _ := attach(t, r, "doc")

	ca, cb := newClient(), newClient()
	ca.receive(t, takeQueued(a))
	cb.receive(t, takeQueued(b))

	d.HandleMessage(a, ca.insert(t, 0, "x"))

	if got := takeQueued(a); len(got) != 0 {
		t.Fatalf("sender received %d messages", len(got))
	}
	got := takeQueued(b)
	if len(got) != 1 {
		t.Fatalf("peer received %d messages, want 1", len(got))
	}
	if f := decodeFrame(t, got[0]); f.sync != protocol.SyncUpdate {
		t.Fatalf("peer received %s, want update", f.sync)
	}
	cb.receive(t, got)
	if cb.doc.String() != "x" {
		t.Fatalf("peer text = %q, want x", cb.doc.String())
	}
}

func TestUpdateLargerThanDefaultAllocation(t *testing.T) {
	r := newTestRegistry(nil)
	d, a, _ := attach(t, r, "doc")
	_, b, _ := attach(t, r, "doc")

	ca, cb := newClient(), newClient()
	ca.receive(t, takeQueued(a))
	cb.receive(t, takeQueued(b))

	const n = 400_000
	frame := ca.insert(t, 0, strings.Repeat("x", n))
	if len(frame) <= protocol.DefaultMaxAllocation {
		t.Fatalf("frame is %d bytes, want more than %d", len(frame), protocol.DefaultMaxAllocation)
	}
	if int64(len(frame)) > DefaultConnectionConfig().MaxMessageSize {
		t.Fatalf("frame is %d bytes, above the transport limit", len(frame))
	}

	d.HandleMessage(a, frame)
	if got := d.Replica().Len(); got != n {
		t.Fatalf("server Len() = %d, want %d", got, n)
	}
	cb.receive(t, takeQueued(b))
	if got := cb.doc.Len(); got != n {
		t.Fatalf("peer Len() = %d, want %d", got, n)
	}
}

func TestServerEditBroadcastsToAll(t *testing.T) {
	r := newTestRegistry(nil)
	d, a, _ := attach(t, r, "doc")
	_, b, _ := attach(t, r, "doc")
	takeQueued(a)
	takeQueued(b)

	if err := d.Edit(func(doc *replica.Doc) error { return doc.Insert(0, "srv") }); err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	for name, c := range map[string]*Connection{"a": a, "b": b} {
		if got := len(takeQueued(c)); got != 1 {
			t.Fatalf("%s received %d messages, want 1", name, got)
		}
	}
}

func TestAwarenessRemovalOnDetach(t *testing.T) {
	r := newTestRegistry(nil)
	d, a, _ := attach(t, r, "doc")
	_, b, _ := attach(t, r, "doc")
	takeQueued(a)
	takeQueued(b)

	d.HandleMessage(a, awarenessFrame(t, map[uint64]string{
		10: `{"user":"ann"}`,
		11: `{"user":"ann","tab":2}`,
	}, 1))

	cb := newClient()
	cb.receive(t, takeQueued(b))
	if got := len(cb.awareness.GetStates()); got != 2 {
		t.Fatalf("peer sees %d participants, want 2", got)
	}
	if got := len(takeQueued(a)); got != 1 {
		t.Fatalf("sender received %d awareness messages, want 1", got)
	}

	// A newcomer receives all known presence on attach.
	_, c, _ := attach(t, r, "doc")
	cc := newClient()
	cc.receive(t, takeQueued(c))
	if got := len(cc.awareness.GetStates()); got != 2 {
		t.Fatalf("newcomer sees %d participants, want 2", got)
	}

	a.Close()

	for name, conn := range map[string]*Connection{"b": b, "c": c} {
		msgs := takeQueued(conn)
		if len(msgs) != 1 {
			t.Fatalf("%s received %d messages after detach, want 1", name, len(msgs))
		}
		if f := decodeFrame(t, msgs[0]); f.kind != protocol.MessageAwareness {
			t.Fatalf("%s received %s, want awareness", name, f.kind)
		}
		if name == "b" {
			cb.receive(t, msgs)
		}
	}
	if got := len(cb.awareness.GetStates()); got != 0 {
		t.Fatalf("peer still sees %d participants", got)
	}
	if got := d.Awareness().Len(); got != 0 {
		t.Fatalf("server still holds %d participants", got)
	}
}

func TestDetachWithoutPresenceBroadcastsNothing(t *testing.T) {
	r := newTestRegistry(nil)
	_, a, _ := attach(t, r, "doc")
	_, b, _ := attach(t, r, "doc")
	takeQueued(b)

	a.Close()
	if got := len(takeQueued(b)); got != 0 {
		t.Fatalf("peer received %d messages, want 0", got)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRegistry(testDocumentConfig(), nil, WithRegistryMetrics(m))
	d, a, _ := attach(t, r, "doc")
	_, b, _ := attach(t, r, "doc")
	ca := newClient()
	ca.receive(t, takeQueued(a))
	takeQueued(b)

	malformed := [][]byte{
		{},
		{0},
		{7},
		{0, 9, 0},
		{0, 2, 5, 1, 2},
		{0, 2, 3, 9, 9, 9},
		{1, 3, 1, 2, 3},
		{1, 6, 1, 5, 1, 2, '{', 'x'},
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	for _, frame := range malformed {
		d.HandleMessage(a, frame)
	}
	if got := testutil.ToFloat64(m.malformedFrames); got != float64(len(malformed)) {
		t.Fatalf("malformed frames = %v, want %d", got, len(malformed))
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		payload := make([]byte, 1+rng.Intn(32))
		rng.Read(payload)
		d.HandleMessage(a, append([]byte{byte(i % 2)}, payload...))
	}

	if a.IsClosed() || b.IsClosed() {
		t.Fatal("malformed frames closed a connection")
	}
	if got := d.ConnectionCount(); got != 2 {
		t.Fatalf("ConnectionCount() = %d, want 2", got)
	}

	d.HandleMessage(a, ca.insert(t, 0, "ok"))
	if got := d.Replica().String(); !strings.Contains(got, "ok") {
		t.Fatalf("valid frame after malformed ones was not applied: %q", got)
	}
}

func TestSendFailureDetachesOnlyThatConnection(t *testing.T) {
	r := newTestRegistry(nil)
	d, a, aft := attach(t, r, "doc")
	ca := newClient()
	ca.receive(t, takeQueued(a))

	cfg := DefaultConnectionConfig()
	cfg.HeartbeatInterval = 0
	cfg.SendQueueSize = 2
	bft := &fakeTransport{}
	b := NewConnection("doc", bft, cfg)
	if _, err := r.Attach(context.Background(), "doc", b); err != nil {
		t.Fatalf("Attach error: %v", err)
	}
	b.OnClose(d.Detach)

	// B's queue holds its two initial messages, so the broadcast overflows it.
	d.HandleMessage(a, ca.insert(t, 0, "x"))

	if !b.IsClosed() || !bft.isClosed() {
		t.Fatal("overflowing connection was not closed")
	}
	if a.IsClosed() || aft.isClosed() {
		t.Fatal("healthy connection was closed")
	}
	if got := d.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", got)
	}
	if d.IsDestroyed() {
		t.Fatal("document destroyed while A is attached")
	}
}

func TestWriteFailureDetaches(t *testing.T) {
	r := newTestRegistry(nil)
	d, a, _ := attach(t, r, "doc")
	b, bft := newTestConn("doc")
	bft.writeErr = errInjected
	if _, err := r.Attach(context.Background(), "doc", b); err != nil {
		t.Fatalf("Attach error: %v", err)
	}
	b.OnClose(d.Detach)
	b.Start()

	eventually(t, time.Second, func() bool { return d.ConnectionCount() == 1 }, "failing connection detached")
	if a.IsClosed() {
		t.Fatal("healthy connection was closed")
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	r := newTestRegistry(nil)

	const n = 64
	docs := make([]*Document, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := r.GetOrCreate("fresh")
			if err != nil {
				t.Errorf("GetOrCreate error: %v", err)
				return
			}
			docs[i] = d
		}()
	}
	wg.Wait()

	for i, d := range docs {
		if d != docs[0] {
			t.Fatalf("call %d returned a different session", i)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestConcurrentFirstAttachLoadsOnce(t *testing.T) {
	p := newFakePersistence(t)
	r := newTestRegistry(p)

	const n = 32
	docs := make([]*Document, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _ := newTestConn("doc")
			d, err := r.Attach(context.Background(), "doc", conn)
			if err != nil {
				t.Errorf("Attach error: %v", err)
				return
			}
			docs[i] = d
		}()
	}
	wg.Wait()

	for i, d := range docs {
		if d != docs[0] {
			t.Fatalf("attach %d got a different session", i)
		}
	}
	if got := p.binds.Load(); got != 1 {
		t.Fatalf("BindState called %d times, want 1", got)
	}
	if got := docs[0].ConnectionCount(); got != n {
		t.Fatalf("ConnectionCount() = %d, want %d", got, n)
	}
}

func TestReattachAfterFlushLoadsPersistedState(t *testing.T) {
	p := newFakePersistence(t)
	r := newTestRegistry(p)

	d, a, _ := attach(t, r, "doc")
	if err := d.Edit(func(doc *replica.Doc) error { return doc.Insert(0, "persisted") }); err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	a.Close()
	if r.Len() != 0 {
		t.Fatal("document not removed after flush")
	}

	d2, b, _ := attach(t, r, "doc")
	if d2 == d {
		t.Fatal("reattach reused a destroyed session")
	}
	if got := d2.Replica().String(); got != "persisted" {
		t.Fatalf("reloaded text = %q, want persisted", got)
	}
	c := newClient()
	c.receive(t, takeQueued(b))
	if got := c.doc.String(); got != "persisted" {
		t.Fatalf("client text = %q, want persisted", got)
	}
}

func TestAttachDuringFlushKeepsSession(t *testing.T) {
	p := newFakePersistence(t)
	p.writeStarted = make(chan struct{}, 1)
	p.writeGate = make(chan struct{})
	r := newTestRegistry(p)

	d, a, _ := attach(t, r, "doc")

	detached := make(chan struct{})
	go func() {
		a.Close()
		close(detached)
	}()

	select {
	case <-p.writeStarted:
	case <-time.After(time.Second):
		t.Fatal("flush did not start")
	}

	d2, b, _ := attach(t, r, "doc")
	if d2 != d {
		t.Fatal("attach during flush created a second session")
	}

	close(p.writeGate)
	<-detached

	if d.IsDestroyed() {
		t.Fatal("session destroyed with a connection attached")
	}
	if got, ok := r.Get("doc"); !ok || got != d {
		t.Fatal("session removed from registry with a connection attached")
	}
	if got := d.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", got)
	}

	b.Close()
	if !d.IsDestroyed() || r.Len() != 0 {
		t.Fatal("session should be destroyed after the second flush")
	}
	if got := p.writes.Load(); got != 2 {
		t.Fatalf("WriteState called %d times, want 2", got)
	}
}

func TestFlushFailureKeepsSession(t *testing.T) {
	p := newFakePersistence(t)
	p.failWrite(errInjected)
	cfg := testDocumentConfig()
	cfg.JanitorInterval = 10 * time.Millisecond
	r := NewRegistry(cfg, p)

	d, a, _ := attach(t, r, "doc")
	if err := d.Edit(func(doc *replica.Doc) error { return doc.Insert(0, "keep") }); err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	a.Close()

	if d.IsDestroyed() || r.Len() != 1 {
		t.Fatal("session destroyed although its flush failed")
	}

	p.failWrite(nil)
	eventually(t, 2*time.Second, func() bool { return r.Len() == 0 }, "janitor retried the flush")
	if got := p.stored(t, "doc"); got != "keep" {
		t.Fatalf("stored text = %q, want keep", got)
	}
}

func TestLoadFailureRefusesDocument(t *testing.T) {
	p := newFakePersistence(t)
	p.failBind(errInjected)
	r := newTestRegistry(p)

	conn, _ := newTestConn("doc")
	_, err := r.Attach(context.Background(), "doc", conn)
	var de *DocumentError
	if !errors.As(err, &de) || de.Op != "load" {
		t.Fatalf("Attach error = %v, want load DocumentError", err)
	}
	if !errors.Is(err, errInjected) {
		t.Fatalf("Attach error = %v, want wrapped injected failure", err)
	}
	if r.Len() != 0 {
		t.Fatal("failed document left in registry")
	}

	p.failBind(nil)
	attach(t, r, "doc")
	if got := p.binds.Load(); got != 2 {
		t.Fatalf("BindState called %d times, want 2", got)
	}
}

func TestLoadFailureDegradesWhenOptional(t *testing.T) {
	p := newFakePersistence(t)
	p.failBind(errInjected)
	cfg := testDocumentConfig()
	cfg.PersistenceRequired = false
	r := NewRegistry(cfg, p)

	d, a, _ := attach(t, r, "doc")
	if err := d.Edit(func(doc *replica.Doc) error { return doc.Insert(0, "mem") }); err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	a.Close()
	if !d.IsDestroyed() {
		t.Fatal("degraded document should still be torn down")
	}
}

func TestContentInitializer(t *testing.T) {
	var calls atomic.Int32
	cfg := testDocumentConfig()
	cfg.ContentInitializer = func(ctx context.Context, id string, doc *replica.Doc) error {
		calls.Add(1)
		if doc.Len() > 0 {
			return nil
		}
		return doc.Insert(0, "seed:"+id)
	}
	p := newFakePersistence(t)
	r := NewRegistry(cfg, p)

	_, a, _ := attach(t, r, "notes")
	_, b, _ := attach(t, r, "notes")
	if got := calls.Load(); got != 1 {
		t.Fatalf("initializer ran %d times, want 1", got)
	}
	c := newClient()
	c.receive(t, takeQueued(b))
	if got := c.doc.String(); got != "seed:notes" {
		t.Fatalf("client text = %q, want seed:notes", got)
	}

	a.Close()
	b.Close()
	if got := p.stored(t, "notes"); got != "seed:notes" {
		t.Fatalf("stored text = %q, want seed:notes", got)
	}

	d, _, _ := attach(t, r, "notes")
	if got := d.Replica().String(); got != "seed:notes" {
		t.Fatalf("reloaded text = %q, want seed:notes", got)
	}
}

func TestPresenceExpires(t *testing.T) {
	cfg := testDocumentConfig()
	cfg.JanitorInterval = 10 * time.Millisecond
	cfg.AwarenessTimeout = 30 * time.Millisecond
	r := NewRegistry(cfg, nil)

	d, a, _ := attach(t, r, "doc")
	_, b, _ := attach(t, r, "doc")
	takeQueued(b)

	d.HandleMessage(a, awarenessFrame(t, map[uint64]string{42: `{"cursor":3}`}, 1))
	// One broadcast for the new state, one for its expiry.
	eventually(t, 2*time.Second, func() bool { return b.Pending() >= 2 }, "stale presence expired")
	if got := d.Awareness().Len(); got != 0 {
		t.Fatalf("server still holds %d participants", got)
	}

	cb := newClient()
	cb.receive(t, takeQueued(b))
	if got := len(cb.awareness.GetStates()); got != 0 {
		t.Fatalf("peer still sees %d participants", got)
	}
}

func TestHandleMessageIgnoresStrangers(t *testing.T) {
	r := newTestRegistry(nil)
	d, _, _ := attach(t, r, "doc")
	stranger, _ := newTestConn("doc")

	c := newClient()
	d.HandleMessage(stranger, c.insert(t, 0, "nope"))
	if got := d.Replica().String(); got != "" {
		t.Fatalf("text = %q, want empty", got)
	}
}

func TestEditDestroyedDocument(t *testing.T) {
	r := newTestRegistry(nil)
	d, a, _ := attach(t, r, "doc")
	a.Close()

	err := d.Edit(func(doc *replica.Doc) error { return doc.Insert(0, "x") })
	if !errors.Is(err, ErrDocumentDestroyed) {
		t.Fatalf("Edit error = %v, want ErrDocumentDestroyed", err)
	}
}

func TestRegistryClose(t *testing.T) {
	p := newFakePersistence(t)
	r := newTestRegistry(p)

	d1, _, ft1 := attach(t, r, "one")
	d2, _, ft2 := attach(t, r, "two")
	_ = d1.Edit(func(doc *replica.Doc) error { return doc.Insert(0, "1") })
	_ = d2.Edit(func(doc *replica.Doc) error { return doc.Insert(0, "2") })

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if !ft1.isClosed() || !ft2.isClosed() {
		t.Fatal("connections not closed on shutdown")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Close, want 0", r.Len())
	}
	if p.stored(t, "one") != "1" || p.stored(t, "two") != "2" {
		t.Fatal("documents not flushed on shutdown")
	}

	conn, _ := newTestConn("three")
	if _, err := r.Attach(context.Background(), "three", conn); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Attach after Close error = %v, want ErrServerClosed", err)
	}
}

func TestRegistryCloseReportsFlushFailure(t *testing.T) {
	p := newFakePersistence(t)
	r := newTestRegistry(p)
	attach(t, r, "doc")

	p.failWrite(errInjected)
	err := r.Close(context.Background())
	if !errors.Is(err, errInjected) {
		t.Fatalf("Close error = %v, want injected failure", err)
	}
	if r.Len() != 0 {
		t.Fatal("document left in registry after Close")
	}
}

func TestEmptyDocumentID(t *testing.T) {
	r := newTestRegistry(nil)
	if _, err := r.GetOrCreate(""); !errors.Is(err, ErrEmptyDocumentID) {
		t.Fatalf("GetOrCreate error = %v, want ErrEmptyDocumentID", err)
	}
}
