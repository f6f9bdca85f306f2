package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection is one client socket attached to a document.
//
// Sends never block: messages are queued and written by a pump goroutine.
// A connection whose queue overflows, whose write fails, or that leaves a
// heartbeat unanswered is closed, and closing runs the OnClose callback,
// which detaches it from its document.
type Connection struct {
	id        string
	docID     string
	transport Transport
	config    *ConnectionConfig
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	queue   *queue.Queue
	onClose func(*Connection)

	wake    chan struct{}
	done    chan struct{}
	closing atomic.Bool
	alive   atomic.Bool
	started atomic.Bool
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionLogger sets the connection's logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectionMetrics sets the metrics the connection records into.
func WithConnectionMetrics(m *Metrics) ConnectionOption {
	return func(c *Connection) {
		c.metrics = m
	}
}

// NewConnection creates a connection for document docID over t. Nothing is
// written until Start.
func NewConnection(docID string, t Transport, config *ConnectionConfig, opts ...ConnectionOption) *Connection {
	if config == nil {
		config = DefaultConnectionConfig()
	}
	c := &Connection{
		id:        uuid.NewString(),
		docID:     docID,
		transport: t,
		config:    config,
		logger:    slog.Default(),
		queue:     queue.New(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("conn", c.id, "doc", docID)
	c.alive.Store(true)
	return c
}

// ID returns the connection's unique id.
func (c *Connection) ID() string {
	return c.id
}

// DocumentID returns the id of the document the connection addressed.
func (c *Connection) DocumentID() string {
	return c.docID
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	return c.closing.Load()
}

// OnClose sets the callback run once when the connection closes.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Start launches the write pump and the heartbeat.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.writePump()
	go c.heartbeat()
}

// Send queues data for delivery. It fails if the connection is closed or
// its queue is full; the caller treats either as a disconnect.
func (c *Connection) Send(data []byte) error {
	if c.closing.Load() {
		c.metrics.sendFailed("closed")
		return ErrConnectionClosed
	}

	c.mu.Lock()
	if c.queue.Length() >= c.config.SendQueueSize {
		c.mu.Unlock()
		c.metrics.sendFailed("queue_full")
		return ErrSendQueueFull
	}
	c.queue.Add(data)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued messages.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Length()
}

func (c *Connection) next() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue.Length() == 0 || c.closing.Load() {
		return nil, false
	}
	return c.queue.Remove().([]byte), true
}

func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			data, ok := c.next()
			if !ok {
				break
			}
			if err := c.transport.WriteMessage(data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.metrics.sendFailed("write")
				c.Close()
				return
			}
			c.metrics.sent(len(data))
		}
	}
}

// Pong records the peer's answer to the last probe.
func (c *Connection) Pong() {
	c.alive.Store(true)
}

func (c *Connection) heartbeat() {
	if c.config.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.alive.Swap(false) {
				c.logger.Info("heartbeat timeout")
				c.metrics.heartbeatTimeout()
				c.Close()
				return
			}
			if err := c.transport.Ping(); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// Close closes the connection with a normal closure.
func (c *Connection) Close() {
	c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection, dropping queued messages, and runs
// the OnClose callback. Only the first call has any effect.
func (c *Connection) CloseWithCode(code int, reason string) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	c.queue = queue.New()
	onClose := c.onClose
	c.mu.Unlock()

	close(c.done)
	if err := c.transport.Close(code, reason); err != nil {
		c.logger.Debug("transport close failed", "error", err)
	}
	if onClose != nil {
		onClose(c)
	}
}
