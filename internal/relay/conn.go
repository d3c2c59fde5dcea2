// Package relay owns live WebSocket connections: their registry, the
// liveness monitor that reaps unresponsive peers, and the per-connection
// read/dispatch loop.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by writes on a connection that is closing or
// closed.
var ErrClosed = errors.New("connection closed")

// writeWait bounds every data and control frame write.
const writeWait = 10 * time.Second

// Status is the lifecycle state of a connection.
type Status int32

// Connection states. A connection only moves forward through them.
const (
	StatusOpen Status = iota
	StatusClosing
	StatusClosed
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Reply is the outbound message shape for every dispatched request.
type Reply struct {
	Status string `json:"status"` // "success" or "error"
	Reply  string `json:"reply"`
}

// wsConn is the subset of *websocket.Conn a Conn writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live client connection. Data writes are serialized; pings
// go through WriteControl, which gorilla allows concurrently with them.
type Conn struct {
	id       string
	remote   string
	openedAt time.Time
	ws       wsConn

	alive  atomic.Bool
	status atomic.Int32

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws wsConn, remote string) *Conn {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	c := &Conn{
		id:       id.String(),
		remote:   remote,
		openedAt: time.Now(),
		ws:       ws,
		done:     make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// ID returns the connection's unique identity.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address reported at upgrade.
func (c *Conn) RemoteAddr() string { return c.remote }

// OpenedAt returns when the connection was accepted.
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// Status returns the current lifecycle state.
func (c *Conn) Status() Status { return Status(c.status.Load()) }

// Alive reports whether the peer answered since the last probe.
func (c *Conn) Alive() bool { return c.alive.Load() }

// MarkAlive records a probe response.
func (c *Conn) MarkAlive() { c.alive.Store(true) }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes one text frame. It returns [ErrClosed] once the connection
// has started closing.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Status() != StatusOpen {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.Status() != StatusOpen {
			return ErrClosed
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// WriteJSON marshals v and sends it as one text frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.Send(data)
}

// probe clears the liveness flag and sends a ping. A pong arriving
// before the next probe sets the flag again.
func (c *Conn) probe() error {
	if c.Status() != StatusOpen {
		return ErrClosed
	}
	c.alive.Store(false)
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a normal close frame and closes the socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.status.Store(int32(StatusClosing))
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
		c.status.Store(int32(StatusClosed))
		close(c.done)
	})
	return err
}

// Terminate closes the socket without a close handshake. Used for peers
// that stopped answering probes.
func (c *Conn) Terminate() {
	c.closeOnce.Do(func() {
		c.status.Store(int32(StatusClosing))
		_ = c.ws.Close()
		c.status.Store(int32(StatusClosed))
		close(c.done)
	})
}
