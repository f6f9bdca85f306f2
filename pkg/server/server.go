package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP/WebSocket front of the document registry. Each
// WebSocket connection names its document in the first path segment.
type Server struct {
	config   *ServerConfig
	registry *Registry
	metrics  *Metrics
	upgrader websocket.Upgrader
	router   chi.Router
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	closing    atomic.Bool
}

// New creates a new Server with the given configuration. The config is
// copied; later changes to it have no effect.
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		config = config.Clone()
	}
	config.fillDefaults()

	logger := config.Logger.With("component", "server")

	var metrics *Metrics
	if config.Registry != nil {
		metrics = NewMetrics(config.Registry)
	}

	s := &Server{
		config:  config,
		metrics: metrics,
		logger:  logger,
		registry: NewRegistry(config.Document, config.Persistence,
			WithRegistryLogger(config.Logger),
			WithRegistryMetrics(metrics),
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin:       config.CheckOrigin,
		},
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.Get("/healthz", s.plainOnly(http.HandlerFunc(s.handleHealth)))
	if s.config.Registry != nil {
		r.Handle("/metrics", s.plainOnly(promhttp.HandlerFor(s.config.Registry, promhttp.HandlerOpts{})))
	}
	r.HandleFunc("/{doc}", s.HandleWebSocket)
	r.HandleFunc("/{doc}/*", s.HandleWebSocket)
	return r
}

// plainOnly serves h to plain HTTP requests. A WebSocket upgrade on the
// same path opens the document of that name.
func (s *Server) plainOnly(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.HandleWebSocket(w, r)
			return
		}
		h.ServeHTTP(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("okay"))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Registry returns the document registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// DocumentIDFromPath returns the first segment of an URL path, the name of
// the document a connection addresses.
func DocumentIDFromPath(path string) string {
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexAny(path, "/?"); i >= 0 {
		path = path[:i]
	}
	return path
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. Plain HTTP requests receive the health text.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.handleHealth(w, r)
		return
	}

	docID := DocumentIDFromPath(r.URL.Path)
	if docID == "" {
		http.Error(w, ErrEmptyDocumentID.Error(), http.StatusBadRequest)
		return
	}
	if s.closing.Load() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(s.config.Connection.MaxMessageSize)

	conn := NewConnection(docID, newWSTransport(ws, s.config.Connection.WriteTimeout), s.config.Connection,
		WithConnectionLogger(s.config.Logger),
		WithConnectionMetrics(s.metrics),
	)
	ws.SetPongHandler(func(string) error {
		conn.Pong()
		return nil
	})

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Document.LoadTimeout)
	doc, err := s.registry.Attach(ctx, docID, conn)
	cancel()
	if err != nil {
		s.logger.Error("attach failed", "doc", docID, "error", err)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrServerClosed) {
			code = websocket.CloseGoingAway
		}
		conn.CloseWithCode(code, "document unavailable")
		return
	}
	conn.OnClose(doc.Detach)
	conn.Start()

	s.readLoop(ws, conn, doc)
}

func (s *Server) readLoop(ws *websocket.Conn, conn *Connection, doc *Document) {
	defer conn.Close()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) && !conn.IsClosed() {
				s.logger.Debug("read error", "conn", conn.ID(), "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		doc.HandleMessage(conn, data)
	}
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	hs := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	s.mu.Lock()
	s.httpServer = hs
	s.mu.Unlock()
	if s.closing.Load() {
		return l.Close()
	}

	s.logger.Info("server starting", "address", l.Addr().String())
	if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops accepting connections, closes every connection and
// flushes every open document. The persistence backend stays open; its
// owner closes it.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()

	var errs []error
	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.registry.Close(ctx); err != nil {
		s.logger.Error("flush on shutdown failed", "error", err)
		errs = append(errs, err)
	}

	s.logger.Info("server shutdown complete")
	return errors.Join(errs...)
}
