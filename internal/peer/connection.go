// Package peer wraps the carrier connections between the host and its clients.
package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1143910315/RainWorldConnect/internal/protocol"
)

// ErrConnectionClosed is returned when sending on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// ConnectionState represents the state of a peer connection.
type ConnectionState int32

const (
	StateHandshaking ConnectionState = iota
	StateAuthenticated
	StateClosed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection is one framed package stream. Reads happen on a single loop;
// sends may come from any goroutine and are serialized.
type Connection struct {
	// ID is the connection handle used to index the session.
	ID string

	conn  net.Conn
	state atomic.Int32

	writer  *protocol.FrameWriter
	writeMu sync.Mutex

	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConnection wraps conn. id is the handle the relay indexes it under.
func NewConnection(id string, conn net.Conn) *Connection {
	c := &Connection{
		ID:     id,
		conn:   conn,
		writer: protocol.NewFrameWriter(conn),
		closed: make(chan struct{}),
	}
	c.state.Store(int32(StateHandshaking))
	c.updateActivity()

	return c
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// SetState updates the connection state. A closed connection stays closed.
func (c *Connection) SetState(state ConnectionState) {
	for {
		cur := c.state.Load()
		if ConnectionState(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(state)) {
			return
		}
	}
}

// Send frames and writes p. It returns the package's wire length.
func (c *Connection) Send(p protocol.Package) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return 0, ErrConnectionClosed
	default:
	}

	n, err := c.writer.Write(p)
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", p.Tag(), err)
	}
	c.updateActivity()
	return n, nil
}

// ReadLoop reads from the carrier until it fails or the connection is closed,
// handing every decoded frame to handle in stream order. A framing error or an
// error returned by handle ends the loop. It returns nil when the connection
// was closed locally or the remote side closed cleanly.
func (c *Connection) ReadLoop(handle func(protocol.Frame) error) error {
	dec := protocol.NewDecoder()
	buf := make([]byte, protocol.ReadBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.updateActivity()
			if ferr := dec.Feed(buf[:n], handle); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if c.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// LastActivity returns the time a package was last sent or bytes were read.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.closed)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done returns a channel that's closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// RemoteAddr returns the remote address.
func (c *Connection) RemoteAddr() string {
	return addrToString(c.conn.RemoteAddr())
}

func addrToString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// String returns a string representation.
func (c *Connection) String() string {
	return fmt.Sprintf("Conn{id=%s, state=%s, addr=%s}", c.ID, c.State(), c.RemoteAddr())
}
