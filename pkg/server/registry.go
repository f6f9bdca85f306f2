package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyedit/docsync/pkg/persistence"
)

// Registry maps document ids to live document sessions. At most one live
// session exists per id.
type Registry struct {
	mu     sync.Mutex
	docs   map[string]*Document
	closed bool

	config      *DocumentConfig
	persistence persistence.Persistence
	logger      *slog.Logger
	metrics     *Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryMetrics sets the metrics documents record into.
func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry. p may be nil, in which case
// documents live only in memory.
func NewRegistry(config *DocumentConfig, p persistence.Persistence, opts ...RegistryOption) *Registry {
	if config == nil {
		config = DefaultDocumentConfig()
	} else {
		config = config.Clone()
	}
	config.fillDefaults()

	r := &Registry{
		docs:        make(map[string]*Document),
		config:      config,
		persistence: p,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// GetOrCreate returns the live session for id, creating it if needed.
func (r *Registry) GetOrCreate(id string) (*Document, error) {
	if id == "" {
		return nil, ErrEmptyDocumentID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrServerClosed
	}
	if d, ok := r.docs[id]; ok {
		return d, nil
	}
	d := newDocument(id, r)
	r.docs[id] = d
	r.metrics.documentOpened()
	return d, nil
}

// Attach attaches conn to the session for id. A session torn down between
// lookup and attach is replaced by a fresh one.
func (r *Registry) Attach(ctx context.Context, id string, conn *Connection) (*Document, error) {
	for {
		d, err := r.GetOrCreate(id)
		if err != nil {
			return nil, err
		}
		err = d.Attach(ctx, conn)
		if errors.Is(err, ErrDocumentDestroyed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// remove drops id only if it still maps to d.
func (r *Registry) remove(id string, d *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.docs[id]; ok && cur == d {
		delete(r.docs, id)
	}
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	return d, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// IDs returns the ids of the live sessions in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close refuses further attaches, disconnects every connection and flushes
// every document.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	docs := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.Unlock()

	r.logger.Info("closing documents", "count", len(docs))

	var g errgroup.Group
	g.SetLimit(16)
	var (
		mu   sync.Mutex
		errs []error
	)
	for _, d := range docs {
		g.Go(func() error {
			if err := d.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
