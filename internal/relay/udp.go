package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/1143910315/RainWorldConnect/internal/logging"
	"github.com/1143910315/RainWorldConnect/internal/peer"
	"github.com/1143910315/RainWorldConnect/internal/protocol"
	"github.com/1143910315/RainWorldConnect/internal/recovery"
)

// datagramHandler receives one datagram read from the relay socket bound at
// port. payload is only valid for the duration of the call.
type datagramHandler func(port int32, from *net.UDPAddr, payload []byte)

// datagramConn is the part of *net.UDPConn a receive loop uses.
type datagramConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	Close() error
}

// readRetry paces a receive loop through consecutive read failures. Once
// MaxAttempts is spent the socket is dropped.
var readRetry = peer.ReconnectConfig{
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
	MaxAttempts:  10,
}

// udpBridge owns the relay's UDP sockets, one per bound port, each with its
// own receive loop.
type udpBridge struct {
	bindIP  net.IP
	gameIP  net.IP
	bufSize int
	handle  datagramHandler
	logger  *slog.Logger
	retry   peer.ReconnectConfig

	ctx context.Context
	wg  *sync.WaitGroup

	mu      sync.Mutex
	sockets map[int32]*net.UDPConn
	closed  bool
}

func newUDPBridge(ctx context.Context, wg *sync.WaitGroup, bindIP, gameIP net.IP, bufSize int, handle datagramHandler, logger *slog.Logger) *udpBridge {
	if bufSize <= 0 || bufSize > protocol.MaxDatagramSize {
		bufSize = protocol.MaxDatagramSize
	}
	return &udpBridge{
		bindIP:  bindIP,
		gameIP:  gameIP,
		bufSize: bufSize,
		handle:  handle,
		logger:  logger,
		retry:   readRetry,
		ctx:     ctx,
		wg:      wg,
		sockets: make(map[int32]*net.UDPConn),
	}
}

// Ensure binds a relay socket at port unless one exists. It reports whether
// a socket was created.
func (b *udpBridge) Ensure(port int32) (bool, error) {
	if port <= 0 || port > 65535 {
		return false, fmt.Errorf("invalid UDP port %d", port)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, net.ErrClosed
	}
	if _, ok := b.sockets[port]; ok {
		return false, nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: b.bindIP, Port: int(port)})
	if err != nil {
		return false, fmt.Errorf("bind UDP %s:%d: %w", b.bindIP, port, err)
	}
	b.sockets[port] = conn

	b.logger.Debug("relay socket bound",
		logging.KeyPort, port,
		logging.KeyLocalAddr, conn.LocalAddr().String())

	recovery.Go(b.wg, b.logger, "udp-receive", func() {
		b.receiveLoop(port, conn)
	})
	return true, nil
}

// Bound reports whether a relay socket exists at port.
func (b *udpBridge) Bound(port int32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sockets[port]
	return ok
}

// Len returns the number of bound sockets.
func (b *udpBridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sockets)
}

// Deliver writes payload from the relay socket at port to the local game
// listening on gamePort.
func (b *udpBridge) Deliver(port, gamePort int32, payload []byte) error {
	b.mu.Lock()
	conn := b.sockets[port]
	b.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("no relay socket at port %d", port)
	}
	if gamePort <= 0 {
		return fmt.Errorf("game port not bound")
	}

	_, err := conn.WriteToUDP(payload, &net.UDPAddr{IP: b.gameIP, Port: int(gamePort)})
	if err != nil && !isTransient(err) {
		return fmt.Errorf("deliver to %s:%d: %w", b.gameIP, gamePort, err)
	}
	return nil
}

// Close closes every socket. Receive loops exit on their own.
func (b *udpBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	var err error
	for port, conn := range b.sockets {
		err = multierr.Append(err, conn.Close())
		delete(b.sockets, port)
	}
	return err
}

func (b *udpBridge) receiveLoop(port int32, conn datagramConn) {
	buf := make([]byte, b.bufSize)
	pace := peer.NewReconnector(b.retry)
	failing := false

	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if isTransient(err) {
				continue
			}
			b.logger.Warn("UDP receive failed",
				logging.KeyPort, port,
				logging.KeyError, err)
			failing = true
			if werr := pace.Wait(b.ctx); werr != nil {
				if errors.Is(werr, peer.ErrMaxAttempts) {
					b.logger.Error("relay socket dropped after repeated receive failures",
						logging.KeyPort, port,
						logging.KeyError, err)
					b.drop(port, conn)
				}
				return
			}
			continue
		}
		if failing {
			pace.Reset()
			failing = false
		}

		b.handle(port, from, buf[:n])
	}
}

// drop closes conn and forgets it if it is still the socket at port, so a
// later Ensure can bind the port again.
func (b *udpBridge) drop(port int32, conn datagramConn) {
	b.mu.Lock()
	if cur, ok := b.sockets[port]; ok && datagramConn(cur) == conn {
		delete(b.sockets, port)
	}
	b.mu.Unlock()
	conn.Close()
}
