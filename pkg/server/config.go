package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyedit/docsync/pkg/persistence"
	"github.com/tinyedit/docsync/pkg/replica"
)

// ContentInitializer populates a freshly loaded document. It runs once per
// document session, after stored state has been applied and before the
// first connection receives its initial sync. Edits it makes are broadcast
// like any other update. It must not retain doc.
type ContentInitializer func(ctx context.Context, id string, doc *replica.Doc) error

// DocumentConfig holds configuration for document sessions.
type DocumentConfig struct {
	// GC discards the content of deleted text in new replicas.
	// Default: true.
	GC bool

	// PersistenceRequired refuses to serve a document whose stored state
	// could not be loaded. When false the document is served from memory
	// only and a warning is logged.
	// Default: true.
	PersistenceRequired bool

	// LoadTimeout bounds loading a document on first attach.
	// Default: 30 seconds.
	LoadTimeout time.Duration

	// FlushTimeout bounds writing a document after its last detach.
	// Default: 30 seconds.
	FlushTimeout time.Duration

	// AwarenessTimeout is how long a presence state lives without renewal.
	// Default: 30 seconds.
	AwarenessTimeout time.Duration

	// JanitorInterval is how often stale presence is swept and failed
	// flushes are retried. Negative disables the janitor.
	// Default: 15 seconds.
	JanitorInterval time.Duration

	// ContentInitializer, if set, runs once per document session.
	ContentInitializer ContentInitializer
}

// DefaultDocumentConfig returns a DocumentConfig with sensible defaults.
func DefaultDocumentConfig() *DocumentConfig {
	return &DocumentConfig{
		GC:                  true,
		PersistenceRequired: true,
		LoadTimeout:         30 * time.Second,
		FlushTimeout:        30 * time.Second,
		AwarenessTimeout:    30 * time.Second,
		JanitorInterval:     15 * time.Second,
	}
}

// Clone returns a copy of the DocumentConfig.
func (c *DocumentConfig) Clone() *DocumentConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ConnectionConfig holds configuration for individual connections.
type ConnectionConfig struct {
	// HeartbeatInterval is the time between liveness probes. A connection
	// that leaves a probe unanswered for a full interval is closed.
	// Zero or negative disables the heartbeat.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// WriteTimeout is the maximum time to wait when writing one message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 16MB.
	MaxMessageSize int64

	// SendQueueSize is the number of outbound messages a connection may
	// buffer. A connection that falls further behind is disconnected.
	// Default: 1024.
	SendQueueSize int
}

// DefaultConnectionConfig returns a ConnectionConfig with sensible defaults.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    16 << 20,
		SendQueueSize:     1024,
	}
}

// Clone returns a copy of the ConnectionConfig.
func (c *ConnectionConfig) Clone() *ConnectionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":1234" or "localhost:3000").
	// Default: ":1234".
	Address string

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// EnableCompression negotiates per-message compression.
	// Default: false.
	EnableCompression bool

	// CheckOrigin is called to validate the request origin.
	// Default: nil, which allows all origins.
	CheckOrigin func(r *http.Request) bool

	// ReadHeaderTimeout bounds reading request headers.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown,
	// including the final flush of every open document.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// Document is the configuration for document sessions.
	// Default: DefaultDocumentConfig().
	Document *DocumentConfig

	// Connection is the configuration for connections.
	// Default: DefaultConnectionConfig().
	Connection *ConnectionConfig

	// Persistence stores documents. Nil serves every document from memory.
	Persistence persistence.Persistence

	// Registry receives the server's Prometheus collectors and is served on
	// /metrics. Nil disables metrics.
	Registry *prometheus.Registry

	// Logger is the base logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:           ":1234",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		Document:          DefaultDocumentConfig(),
		Connection:        DefaultConnectionConfig(),
	}
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Document = c.Document.Clone()
	clone.Connection = c.Connection.Clone()
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithPersistence sets the persistence backend and returns the config for chaining.
func (c *ServerConfig) WithPersistence(p persistence.Persistence) *ServerConfig {
	c.Persistence = p
	return c
}

// WithRegistry sets the metrics registry and returns the config for chaining.
func (c *ServerConfig) WithRegistry(reg *prometheus.Registry) *ServerConfig {
	c.Registry = reg
	return c
}

// fillDefaults replaces zero values with defaults.
func (c *ServerConfig) fillDefaults() {
	defaults := DefaultServerConfig()
	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.Document == nil {
		c.Document = defaults.Document
	}
	c.Document.fillDefaults()
	if c.Connection == nil {
		c.Connection = defaults.Connection
	}
	c.Connection.fillDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *DocumentConfig) fillDefaults() {
	defaults := DefaultDocumentConfig()
	if c.LoadTimeout == 0 {
		c.LoadTimeout = defaults.LoadTimeout
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = defaults.FlushTimeout
	}
	if c.AwarenessTimeout == 0 {
		c.AwarenessTimeout = defaults.AwarenessTimeout
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = defaults.JanitorInterval
	}
}

func (c *ConnectionConfig) fillDefaults() {
	defaults := DefaultConnectionConfig()
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = defaults.SendQueueSize
	}
}

// OriginChecker returns a CheckOrigin function accepting requests without
// an Origin header and requests whose origin host is in allowed. An entry
// of "*" accepts every origin.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	hosts := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		if a == "*" {
			return func(*http.Request) bool { return true }
		}
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			hosts[u.Host] = true
		} else {
			hosts[a] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return hosts[u.Host]
	}
}
