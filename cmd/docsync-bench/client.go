package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyedit/docsync/pkg/protocol"
	"github.com/tinyedit/docsync/pkg/replica"
)

type benchCounters struct {
	editsSent      atomic.Uint64
	editsComplete  atomic.Uint64
	editBytes      atomic.Uint64
	fanoutFrames   atomic.Uint64
	fanoutBytes    atomic.Uint64
	awarenessFrame atomic.Uint64
}

type benchErrors struct {
	handshakeFailures   atomic.Uint64
	editWriteFailures   atomic.Uint64
	frameDecodeFailures atomic.Uint64
	replyMissing        atomic.Uint64
	settleFailures      atomic.Uint64
	totalErrors         atomic.Uint64
}

// remote marks updates that arrived from the server.
type remote struct{}

// benchClient is one editing participant with its own replica.
type benchClient struct {
	id     int
	docID  string
	conn   *websocket.Conn
	doc    *replica.Doc
	local  [][]byte
	failed bool

	counters  *benchCounters
	errCounts *benchErrors
}

func dialClient(ctx context.Context, baseURL, docID string, id int, counters *benchCounters, errCounts *benchErrors) (*benchClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, baseURL+docID, nil)
	if err != nil {
		errCounts.handshakeFailures.Add(1)
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &benchClient{
		id:        id,
		docID:     docID,
		conn:      conn,
		doc:       replica.New(),
		counters:  counters,
		errCounts: errCounts,
	}
	c.doc.OnUpdate(func(update []byte, origin any) {
		if origin == nil {
			c.local = append(c.local, update)
		}
	})

	// The server opens with step 2 then step 1; the session is live once
	// step 1 has been answered.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			errCounts.handshakeFailures.Add(1)
			conn.Close()
			return nil, fmt.Errorf("initial sync: %w", err)
		}
		_, st, err := c.handle(msg)
		if err != nil {
			errCounts.handshakeFailures.Add(1)
			conn.Close()
			return nil, fmt.Errorf("initial sync: %w", err)
		}
		if st == protocol.SyncStep1 {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})
	return c, nil
}

// handle applies one server frame to the local replica and answers a
// step 1. The sync sub-type is only meaningful for sync frames.
func (c *benchClient) handle(msg []byte) (protocol.MessageType, protocol.SyncMessageType, error) {
	d := protocol.NewDecoder(msg, protocol.WithMaxAllocation(len(msg)))
	t, err := protocol.ReadMessageType(d)
	if err != nil {
		c.errCounts.frameDecodeFailures.Add(1)
		return 0, 0, err
	}

	switch t {
	case protocol.MessageSync:
		reply := protocol.NewEncoder()
		reply.WriteUvarint(uint64(protocol.MessageSync))
		st, err := protocol.ReadSyncMessage(d, reply, c.doc, remote{})
		if err != nil {
			c.errCounts.frameDecodeFailures.Add(1)
			return t, st, err
		}
		if st == protocol.SyncUpdate {
			c.counters.fanoutFrames.Add(1)
			c.counters.fanoutBytes.Add(uint64(len(msg)))
		}
		if reply.Len() > 1 {
			if err := c.conn.WriteMessage(websocket.BinaryMessage, reply.Bytes()); err != nil {
				return t, st, err
			}
		}
		return t, st, nil
	case protocol.MessageAwareness:
		c.counters.awarenessFrame.Add(1)
		_, err := protocol.ReadAwareness(d)
		return t, 0, err
	default:
		c.errCounts.frameDecodeFailures.Add(1)
		return t, 0, fmt.Errorf("%w: %d", protocol.ErrUnknownMessageType, uint64(t))
	}
}

// run edits at cfg.RPS until ctx ends. Each edit is an insert sent as an
// update followed by a step 1; the matching step 2 closes the round trip.
func (c *benchClient) run(ctx context.Context, cfg benchConfig, samples chan<- time.Duration) error {
	period := time.Duration(float64(time.Second) / cfg.RPS)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		seq++
		token := makeToken(c.id, seq, cfg.PayloadBytes)

		start := time.Now()

		c.local = c.local[:0]
		pos := int(fnv1a32(token) % uint32(c.doc.Len()+1))
		if err := c.doc.Insert(pos, token); err != nil {
			c.failed = true
			return fmt.Errorf("insert: %w", err)
		}
		for _, update := range c.local {
			frame := protocol.EncodeSyncUpdate(update)
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.errCounts.editWriteFailures.Add(1)
				c.failed = true
				return fmt.Errorf("edit write: %w", err)
			}
			c.counters.editBytes.Add(uint64(len(frame)))
		}
		c.counters.editsSent.Add(1)

		if err := c.roundTrip(cfg.EditTimeout); err != nil {
			c.failed = true
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				c.errCounts.replyMissing.Add(1)
				return fmt.Errorf("step 2 not observed")
			}
			return fmt.Errorf("round trip: %w", err)
		}

		rtt := time.Since(start)
		c.counters.editsComplete.Add(1)
		samples <- rtt

		if sleep := period - time.Since(start); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

// roundTrip sends the local state vector and reads until the server's
// step 2 arrives, applying peer updates on the way.
func (c *benchClient) roundTrip(timeout time.Duration) error {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSyncStep1(c.doc.EncodeStateVector())); err != nil {
		c.errCounts.editWriteFailures.Add(1)
		return err
	}
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		t, st, err := c.handle(msg)
		if err != nil {
			return err
		}
		if t == protocol.MessageSync && st == protocol.SyncStep2 {
			return nil
		}
	}
}

// catchUp pulls whatever the client missed once editing has stopped.
func (c *benchClient) catchUp(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return c.roundTrip(timeout)
}

func (c *benchClient) close() {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
	c.doc.Destroy()
}

func makeToken(clientID int, seq uint64, payloadBytes int) string {
	if payloadBytes <= 0 {
		return ""
	}
	seed := (uint64(clientID) << 32) ^ seq
	base := strings.ToLower(strconv.FormatUint(seed, 36))
	if len(base) >= payloadBytes {
		return base[len(base)-payloadBytes:]
	}
	return base + strings.Repeat("x", payloadBytes-len(base))
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func fnv1a32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
