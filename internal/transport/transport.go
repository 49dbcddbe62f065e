// Package transport carries the relay's package stream. The host listens and
// clients dial; either way the result is a plain net.Conn the framing layer
// reads and writes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/netutil"
)

// Kind identifies the carrier.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "ws"
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Transport creates and accepts carrier connections.
type Transport interface {
	// Dial connects to a remote host.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Kind returns the carrier identifier.
	Kind() Kind
}

// Listener accepts incoming carrier connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// ListenOptions contains listener settings.
type ListenOptions struct {
	// MaxConns caps concurrently open connections; 0 means unlimited.
	// Connections beyond the cap wait in the accept queue.
	MaxConns int
}

// Options configure New.
type Options struct {
	Path        string        // HTTP path for WebSocket
	DialTimeout time.Duration // 0 = no timeout beyond ctx
}

// New returns the transport for kind.
func New(kind Kind, opts Options) (Transport, error) {
	switch kind {
	case KindTCP, "":
		return NewTCPTransport(opts.DialTimeout), nil
	case KindWebSocket:
		return NewWebSocketTransport(opts.Path, opts.DialTimeout), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// listenTCP opens a TCP listener with the connection cap applied.
func listenTCP(addr string, opts ListenOptions) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConns)
	}
	return ln, nil
}
