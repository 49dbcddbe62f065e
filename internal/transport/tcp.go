package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const tcpKeepAlive = 30 * time.Second

// TCPTransport carries the package stream directly over TCP.
type TCPTransport struct {
	dialTimeout time.Duration
}

// NewTCPTransport creates a TCP transport.
func NewTCPTransport(dialTimeout time.Duration) *TCPTransport {
	return &TCPTransport{dialTimeout: dialTimeout}
}

// Kind returns KindTCP.
func (t *TCPTransport) Kind() Kind { return KindTCP }

// Dial connects to addr.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   t.dialTimeout,
		KeepAlive: tcpKeepAlive,
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return conn, nil
}

// Listen opens a TCP listener on addr.
func (t *TCPTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	ln, err := listenTCP(addr, opts)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

// TCPListener implements Listener for TCP.
type TCPListener struct {
	ln net.Listener
}

// Accept returns the next connection. Closing the listener unblocks it.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(tcpKeepAlive)
	}
	return conn, nil
}

// Addr returns the listener's address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the listener.
func (l *TCPListener) Close() error { return l.ln.Close() }
