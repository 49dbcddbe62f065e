package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	wsDefaultPath      = "/relay"
	wsDefaultReadLimit = 16 * 1024 * 1024
	wsSubprotocol      = "rwconnect.v1"
)

// WebSocketTransport carries the package stream as binary WebSocket messages,
// for hosts reachable only through an HTTP reverse proxy.
type WebSocketTransport struct {
	path        string
	dialTimeout time.Duration
}

// NewWebSocketTransport creates a WebSocket transport serving on path.
func NewWebSocketTransport(path string, dialTimeout time.Duration) *WebSocketTransport {
	if path == "" {
		path = wsDefaultPath
	}
	return &WebSocketTransport{path: path, dialTimeout: dialTimeout}
}

// Kind returns KindWebSocket.
func (t *WebSocketTransport) Kind() Kind { return KindWebSocket }

// Dial connects to addr, which is either host:port or a ws:// / wss:// URL.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	wsURL, err := t.url(addr)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if t.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	// The carrier outlives the dial context.
	return websocket.NetConn(context.Background(), conn, websocket.MessageBinary), nil
}

// url builds the WebSocket URL for addr.
func (t *WebSocketTransport) url(addr string) (string, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", fmt.Errorf("invalid websocket URL: %w", err)
		}
		if u.Path == "" {
			u.Path = t.path
		}
		return u.String(), nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return (&url.URL{Scheme: "ws", Host: addr, Path: t.path}).String(), nil
}

// Listen serves WebSocket upgrades on addr.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	ln, err := listenTCP(addr, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", addr, err)
	}

	l := &WebSocketListener{
		netLn:   ln,
		connCh:  make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.path, l.handleWebSocket)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go l.server.Serve(ln)

	return l, nil
}

// WebSocketListener implements Listener for WebSocket.
type WebSocketListener struct {
	server  *http.Server
	netLn   net.Listener
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	select {
	case l.connCh <- nc:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket connection.
func (l *WebSocketListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrListenerClosed
	}
}

// Addr returns the listener's address.
func (l *WebSocketListener) Addr() net.Addr {
	return l.netLn.Addr()
}

// Close stops the listener.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}
