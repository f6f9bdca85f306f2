package server

import (
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the outbound side of one client socket.
type Transport interface {
	// WriteMessage writes one binary message. It is called from a single
	// goroutine at a time.
	WriteMessage(data []byte) error

	// Ping sends a liveness probe. The reply is reported to
	// Connection.Pong by whoever reads the socket.
	Ping() error

	// Close sends a close frame with code and reason and releases the
	// socket. It may be called concurrently with WriteMessage.
	Close(code int, reason string) error
}

// wsTransport adapts a gorilla WebSocket connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
	return t.conn.Close()
}
