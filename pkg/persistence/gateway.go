package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinyedit/docsync/internal/observe"
	"github.com/tinyedit/docsync/pkg/replica"
)

// DefaultFlushSize is the log length above which BindState compacts a
// document's stored updates.
const DefaultFlushSize = 50

// DefaultWriteTimeout bounds each background append.
const DefaultWriteTimeout = 10 * time.Second

// Gateway implements Persistence over an UpdateStore.
//
// Every update a bound replica makes is appended to the store in order by a
// per-document worker. WriteState waits for that worker and then compacts
// the log into a single update holding the replica's full state.
type Gateway struct {
	store        UpdateStore
	flushSize    int
	writeTimeout time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer

	mu        sync.Mutex
	connected bool
	bindings  map[string]*binding
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithFlushSize sets the log length that triggers compaction on load.
// Default: DefaultFlushSize.
func WithFlushSize(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.flushSize = n
		}
	}
}

// WithWriteTimeout bounds each background append.
// Default: DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTracer sets the tracer used for BindState and WriteState spans.
// Default: otel.Tracer of this package.
func WithTracer(t trace.Tracer) GatewayOption {
	return func(g *Gateway) {
		if t != nil {
			g.tracer = t
		}
	}
}

// NewGateway creates a gateway over store.
func NewGateway(store UpdateStore, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		store:        store,
		flushSize:    DefaultFlushSize,
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
		tracer:       otel.Tracer("github.com/tinyedit/docsync/pkg/persistence"),
		bindings:     make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "persistence")
	return g
}

// Store returns the underlying update store.
func (g *Gateway) Store() UpdateStore {
	return g.store
}

// Connect implements Persistence.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.store.Connect(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return nil
}

func (g *Gateway) isConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *Gateway) startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("docsync.doc", id)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// BindState implements Persistence. It loads id's log, stores any content
// doc already holds, applies the stored state to doc and compacts the log
// if it has grown past the flush size. Updates made to doc afterwards are
// appended in the background until doc is destroyed.
func (g *Gateway) BindState(ctx context.Context, id string, doc *replica.Doc) (err error) {
	ctx, span := g.startSpan(ctx, "persistence.BindState", id)
	defer func() { endSpan(span, err) }()

	if !g.isConnected() {
		return ErrNotConnected
	}

	records, err := g.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("persistence: load %q: %w", id, err)
	}

	updates := make([][]byte, 0, len(records)+1)
	var lastSeq int64
	for _, r := range records {
		updates = append(updates, r.Update)
		lastSeq = r.Seq
	}

	local, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return fmt.Errorf("persistence: encode %q: %w", id, err)
	}
	if !replica.IsEmptyUpdate(local) {
		seq, err := g.store.Append(ctx, id, local)
		if err != nil {
			return fmt.Errorf("persistence: store local state of %q: %w", id, err)
		}
		updates = append(updates, local)
		lastSeq = seq
	}

	merged, err := replica.MergeUpdates(updates)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrCorruptLog, id, err)
	}
	if len(records) > 0 {
		if err := doc.ApplyUpdate(merged, g); err != nil {
			return fmt.Errorf("persistence: apply stored state of %q: %w", id, err)
		}
	}
	span.SetAttributes(attribute.Int("docsync.records", len(records)))

	if len(updates) > g.flushSize {
		if err := g.store.Compact(ctx, id, merged, lastSeq); err != nil {
			g.logger.Warn("compact on load failed", "doc", id, "records", len(updates), "error", err)
		} else {
			g.logger.Debug("compacted on load", "doc", id, "records", len(updates))
		}
	}

	b := &binding{
		g:       g,
		id:      id,
		doc:     doc,
		q:       queue.New(),
		lastSeq: lastSeq,
	}
	b.updateSub = doc.OnUpdate(func(update []byte, origin any) {
		b.enqueue(update)
	})
	b.destroySub = doc.OnDestroy(b.stop)

	g.mu.Lock()
	g.bindings[id] = b
	g.mu.Unlock()
	return nil
}

func (g *Gateway) binding(id string, doc *replica.Doc) *binding {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.bindings[id]
	if b == nil || b.doc != doc {
		return nil
	}
	return b
}

// WriteState implements Persistence. It waits for pending appends of doc
// and replaces the stored log with doc's full state. Concurrent calls for
// the same document run one after another.
func (g *Gateway) WriteState(ctx context.Context, id string, doc *replica.Doc) (err error) {
	ctx, span := g.startSpan(ctx, "persistence.WriteState", id)
	defer func() { endSpan(span, err) }()

	if !g.isConnected() {
		return ErrNotConnected
	}

	b := g.binding(id, doc)
	if b == nil {
		// Not bound: append the full state so nothing is lost.
		state, err := doc.EncodeStateAsUpdate(nil)
		if err != nil {
			return fmt.Errorf("persistence: encode %q: %w", id, err)
		}
		if replica.IsEmptyUpdate(state) {
			return nil
		}
		if _, err := g.store.Append(ctx, id, state); err != nil {
			return fmt.Errorf("persistence: write %q: %w", id, err)
		}
		return nil
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if err := b.drain(ctx); err != nil {
		return fmt.Errorf("persistence: drain %q: %w", id, err)
	}
	through := b.seq()

	state, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return fmt.Errorf("persistence: encode %q: %w", id, err)
	}
	if through == 0 {
		if replica.IsEmptyUpdate(state) {
			return nil
		}
		seq, err := g.store.Append(ctx, id, state)
		if err != nil {
			return fmt.Errorf("persistence: write %q: %w", id, err)
		}
		b.noteSeq(seq)
		return nil
	}
	if err := g.store.Compact(ctx, id, state, through); err != nil {
		return fmt.Errorf("persistence: compact %q: %w", id, err)
	}
	return nil
}

// Close waits for background appends and closes the store.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	bindings := make([]*binding, 0, len(g.bindings))
	for _, b := range g.bindings {
		bindings = append(bindings, b)
	}
	g.connected = false
	g.mu.Unlock()

	var errs []error
	for _, b := range bindings {
		if err := b.drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %q: %w", b.id, err))
		}
		b.stop()
	}
	if err := g.store.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoadDocument builds a replica from id's stored log without binding it.
func LoadDocument(ctx context.Context, store UpdateStore, id string, opts ...replica.Option) (*replica.Doc, []Record, error) {
	records, err := store.Load(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("persistence: load %q: %w", id, err)
	}
	updates := make([][]byte, len(records))
	for i, r := range records {
		updates[i] = r.Update
	}
	merged, err := replica.MergeUpdates(updates)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q: %v", ErrCorruptLog, id, err)
	}
	doc := replica.New(opts...)
	if err := doc.ApplyUpdate(merged, nil); err != nil {
		return nil, nil, fmt.Errorf("persistence: apply %q: %w", id, err)
	}
	return doc, records, nil
}

// binding tracks one bound replica and appends its updates in order.
type binding struct {
	g   *Gateway
	id  string
	doc *replica.Doc

	flushMu sync.Mutex

	mu      sync.Mutex
	q       *queue.Queue
	running bool
	idle    chan struct{}
	lastSeq int64
	stopped bool

	updateSub  *observe.Subscription
	destroySub *observe.Subscription
}

func (b *binding) enqueue(update []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.q.Add(update)
	if !b.running {
		b.running = true
		b.idle = make(chan struct{})
		go b.run(b.idle)
	}
}

func (b *binding) run(idle chan struct{}) {
	for {
		b.mu.Lock()
		if b.q.Length() == 0 {
			b.running = false
			close(idle)
			b.mu.Unlock()
			return
		}
		update := b.q.Remove().([]byte)
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), b.g.writeTimeout)
		seq, err := b.g.store.Append(ctx, b.id, update)
		cancel()
		if err != nil {
			// The next WriteState stores the full state, which covers this update.
			b.g.logger.Warn("append update failed", "doc", b.id, "error", err)
			continue
		}
		b.noteSeq(seq)
	}
}

// drain waits until every queued update has been appended.
func (b *binding) drain(ctx context.Context) error {
	for {
		b.mu.Lock()
		running, idle := b.running, b.idle
		b.mu.Unlock()
		if !running {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *binding) seq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

func (b *binding) noteSeq(seq int64) {
	b.mu.Lock()
	if seq > b.lastSeq {
		b.lastSeq = seq
	}
	b.mu.Unlock()
}

// stop ends tracking. Updates already queued are still appended.
func (b *binding) stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.updateSub.Unsubscribe()
	b.destroySub.Unsubscribe()

	b.g.mu.Lock()
	if b.g.bindings[b.id] == b {
		delete(b.g.bindings, b.id)
	}
	b.g.mu.Unlock()
}
