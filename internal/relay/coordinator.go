package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/1143910315/RainWorldConnect/internal/config"
	"github.com/1143910315/RainWorldConnect/internal/identity"
	"github.com/1143910315/RainWorldConnect/internal/logging"
	"github.com/1143910315/RainWorldConnect/internal/metrics"
	"github.com/1143910315/RainWorldConnect/internal/peer"
	"github.com/1143910315/RainWorldConnect/internal/protocol"
	"github.com/1143910315/RainWorldConnect/internal/recovery"
	"github.com/1143910315/RainWorldConnect/internal/store"
	"github.com/1143910315/RainWorldConnect/internal/transport"
)

var (
	// ErrAlreadyRunning is returned when starting a running coordinator.
	ErrAlreadyRunning = errors.New("relay already running")

	// ErrNotRunning is returned by operations that need a running relay.
	ErrNotRunning = errors.New("relay not running")

	// ErrNotHost is returned by host-only operations in the client role.
	ErrNotHost = errors.New("operation requires the host role")

	// ErrNotClient is returned by client-only operations in the host role.
	ErrNotClient = errors.New("operation requires the client role")

	// ErrNotConnected is returned while the client has no host connection.
	ErrNotConnected = errors.New("not connected to host")

	// ErrPeerNotFound is returned when no session has the device id.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrSelfSession is returned when an operation targets the local session.
	ErrSelfSession = errors.New("operation not allowed on the local session")

	// ErrInvalidDeviceID is returned for ids outside the device id alphabet.
	ErrInvalidDeviceID = errors.New("invalid device id")

	errHandlerPanic = errors.New("package handler panicked")
)

// SetupError reports a failed role start. No state is retained.
type SetupError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *SetupError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Role is the part a coordinator plays in the room.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Config contains coordinator settings.
type Config struct {
	Role Role

	// Host
	ListenAddr string
	UDPPort    int32 // local game port announced as the host's own
	MaxPeers   int

	// Client
	RemoteAddr string
	Reconnect  peer.ReconnectConfig

	Transport transport.Transport

	BindAddress     string // IP relay sockets bind to
	GameAddress     string // IP the local game listens on
	RateLimit       uint64 // forward bytes per second per session, 0 = unlimited
	MaxDatagramSize int

	MaxRoomIdentities int
	SampleInterval    time.Duration

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// DefaultConfig returns a client configuration with default settings.
func DefaultConfig() Config {
	return Config{
		Role:              RoleClient,
		ListenAddr:        "0.0.0.0:25565",
		UDPPort:           8720,
		RemoteAddr:        "127.0.0.1:25565",
		Reconnect:         peer.DefaultReconnectConfig(),
		BindAddress:       "127.0.0.1",
		GameAddress:       "127.0.0.1",
		MaxDatagramSize:   protocol.MaxDatagramSize,
		MaxRoomIdentities: config.MaxRoomIdentities,
		SampleInterval:    time.Second,
	}
}

// ConfigFrom builds the coordinator configuration from a node configuration.
func ConfigFrom(cfg *config.Config) (Config, error) {
	tr, err := transport.New(transport.Kind(cfg.Transport.Kind), transport.Options{Path: cfg.Transport.Path})
	if err != nil {
		return Config{}, err
	}
	limit, err := cfg.UDP.RateLimitBytes()
	if err != nil {
		return Config{}, err
	}

	rc := cfg.Client.Reconnect
	return Config{
		Role:       Role(cfg.Node.Role),
		ListenAddr: cfg.Host.Listen,
		UDPPort:    int32(cfg.Host.UDPPort),
		MaxPeers:   cfg.Host.MaxPeers,
		RemoteAddr: cfg.Client.Remote,
		Reconnect: peer.ReconnectConfig{
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.Multiplier,
			MaxAttempts:  rc.MaxRetries,
			Jitter:       rc.Jitter,
		},
		Transport:         tr,
		BindAddress:       cfg.UDP.BindAddress,
		GameAddress:       cfg.UDP.GameAddress,
		RateLimit:         limit,
		MaxDatagramSize:   cfg.UDP.MaxDatagramSize,
		MaxRoomIdentities: cfg.Auth.MaxRoomIdentities,
		SampleInterval:    cfg.Roster.SampleInterval,
	}, nil
}

// Coordinator runs one relay in either role. It can be stopped and started
// again.
type Coordinator struct {
	cfg     Config
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	bindIP  net.IP
	gameIP  net.IP
	obs     *observers

	mu  sync.Mutex
	tun *tunnel
}

// New creates a coordinator. It does not start it.
func New(cfg Config, st store.Store, logger *slog.Logger) (*Coordinator, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewTCPTransport(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	if cfg.MaxRoomIdentities <= 0 || cfg.MaxRoomIdentities > config.MaxRoomIdentities {
		cfg.MaxRoomIdentities = config.MaxRoomIdentities
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = protocol.MaxDatagramSize
	}
	if cfg.UDPPort < 0 || cfg.UDPPort > 65535 {
		return nil, fmt.Errorf("invalid UDP port %d", cfg.UDPPort)
	}

	bindIP := net.ParseIP(cfg.BindAddress)
	if bindIP == nil {
		return nil, fmt.Errorf("invalid bind address %q", cfg.BindAddress)
	}
	gameIP := net.ParseIP(cfg.GameAddress)
	if gameIP == nil {
		return nil, fmt.Errorf("invalid game address %q", cfg.GameAddress)
	}

	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Coordinator{
		cfg:     cfg,
		store:   st,
		logger:  logging.Component(logger, "relay"),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		bindIP:  bindIP,
		gameIP:  gameIP,
		obs:     newObservers(),
	}, nil
}

// Start starts the configured role.
func (c *Coordinator) Start(ctx context.Context) error {
	switch c.cfg.Role {
	case RoleHost:
		return c.StartHost(ctx)
	case RoleClient:
		return c.StartClient(ctx)
	default:
		return fmt.Errorf("unknown role %q", c.cfg.Role)
	}
}

// StartHost listens for clients. Loops run until Stop or until ctx is done.
func (c *Coordinator) StartHost(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tun != nil {
		return ErrAlreadyRunning
	}

	auth, err := newRoomAuthority(c.store, c.cfg.MaxRoomIdentities, c.logger)
	if err != nil {
		return &SetupError{Op: "load room identities", Err: err}
	}
	if _, err := auth.Identity(0); err != nil {
		return &SetupError{Op: "create room identity", Err: err}
	}

	ln, err := c.cfg.Transport.Listen(c.cfg.ListenAddr, transport.ListenOptions{MaxConns: c.cfg.MaxPeers})
	if err != nil {
		return &SetupError{Op: "listen", Endpoint: c.cfg.ListenAddr, Err: err}
	}

	t := c.newTunnel(ctx, RoleHost)
	t.listener = ln
	t.auth = auth

	t.table.BindDevice(t.self, identity.HostDeviceID)
	t.table.BindPort(t.self, c.cfg.UDPPort)
	t.self.setRemark(c.storedRemark(identity.HostDeviceID))
	c.metrics.SetRoomIdentities(auth.Count())

	t.goLoop("accept", t.acceptLoop)
	t.startCommon()
	c.tun = t

	c.logger.Info("hosting room",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, string(c.cfg.Transport.Kind()),
		logging.KeyPort, c.cfg.UDPPort)
	t.notify()
	return nil
}

// StartClient connects to the host. A failed first connection is returned as
// a SetupError; later losses are retried with backoff.
func (c *Coordinator) StartClient(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tun != nil {
		return ErrAlreadyRunning
	}

	nc, err := c.cfg.Transport.Dial(ctx, c.cfg.RemoteAddr)
	if err != nil {
		return &SetupError{Op: "connect", Endpoint: c.cfg.RemoteAddr, Err: err}
	}

	t := c.newTunnel(ctx, RoleClient)
	t.reconnector = peer.NewReconnector(c.cfg.Reconnect)
	t.self.setRemark("")

	t.goLoop("client", func() { t.clientLoop(nc) })
	t.startCommon()
	c.tun = t

	c.logger.Info("joined room",
		logging.KeyAddress, c.cfg.RemoteAddr,
		logging.KeyTransport, string(c.cfg.Transport.Kind()))
	t.notify()
	return nil
}

// Stop tears the relay down: loops stop, every socket and connection closes
// and the indexes are cleared.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	t := c.tun
	c.tun = nil
	c.mu.Unlock()

	if t == nil {
		return ErrNotRunning
	}

	t.cancel()
	err := t.shutdown()
	t.wg.Wait()
	t.table.Clear(nil)

	c.metrics.SetUDPSockets(0)
	c.obs.deliver(c.Roster())
	c.logger.Info("relay stopped", logging.KeyRole, string(t.role))
	return err
}

// IsRunning reports whether a role is started.
func (c *Coordinator) IsRunning() bool {
	return c.current() != nil
}

// Role returns the running role, or the configured one when stopped.
func (c *Coordinator) Role() Role {
	if t := c.current(); t != nil {
		return t.role
	}
	return c.cfg.Role
}

// ListenAddr returns the host listener's address, nil otherwise.
func (c *Coordinator) ListenAddr() net.Addr {
	t := c.current()
	if t == nil || t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Metrics returns the coordinator's metrics.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.metrics
}

// Roster returns a snapshot of every session.
func (c *Coordinator) Roster() Roster {
	t := c.current()
	if t == nil {
		return snapshot(c.Role(), false, nil, c.clock.Now())
	}
	return snapshot(t.role, true, t.table, c.clock.Now())
}

// Subscribe registers fn for roster changes and rate samples. fn runs on a
// single notifier goroutine; a slow fn delays later snapshots, not the relay.
func (c *Coordinator) Subscribe(fn func(Roster)) (cancel func()) {
	return c.obs.subscribe(fn)
}

// Kick closes the connection of a peer. Host role only.
func (c *Coordinator) Kick(deviceID string) error {
	t := c.current()
	if t == nil {
		return ErrNotRunning
	}
	if t.role != RoleHost {
		return ErrNotHost
	}

	s := t.table.ByDevice(deviceID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, deviceID)
	}
	if s.self || s.conn == nil {
		return ErrSelfSession
	}

	c.logger.Info("kicking peer",
		logging.KeyDeviceID, deviceID,
		logging.KeyConnID, s.connID)
	return ignoreClosed(s.conn.Close())
}

// SetRemark stores a remark for a device id. The remark is trimmed and
// NFC-normalized; an empty remark removes it.
func (c *Coordinator) SetRemark(deviceID, remark string) error {
	if !identity.Valid(deviceID) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	remark = norm.NFC.String(strings.TrimSpace(remark))

	var err error
	if remark == "" {
		err = c.store.Remove(prefixRemark + deviceID)
	} else {
		err = c.store.Set(prefixRemark+deviceID, remark)
	}
	if err != nil {
		return fmt.Errorf("store remark: %w", err)
	}

	if t := c.current(); t != nil {
		if s := t.table.ByDevice(deviceID); s != nil {
			s.setRemark(remark)
		}
		t.notify()
	}
	return nil
}

// SwitchRoomIdentity asks the host to announce the room identity at index.
// Client role only.
func (c *Coordinator) SwitchRoomIdentity(index int32) error {
	t := c.current()
	if t == nil {
		return ErrNotRunning
	}
	if t.role != RoleClient {
		return ErrNotClient
	}
	conn := t.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	n, err := t.send(conn, &protocol.SwitchServiceIdentity{Index: index})
	if err != nil {
		return err
	}
	t.self.addSent(n)
	return nil
}

func (c *Coordinator) current() *tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tun
}

func (c *Coordinator) storedRemark(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	r, _ := c.store.Get(prefixRemark + deviceID)
	return r
}

// tunnel is the state of one started role. Stop discards it.
type tunnel struct {
	c      *Coordinator
	role   Role
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	table *Table
	self  *Session
	udp   *udpBridge

	// Host
	listener transport.Listener
	auth     *roomAuthority

	// Client
	connMu        sync.Mutex
	conn          *peer.Connection
	reconnector   *peer.Reconnector
	activeRoom    atomic.Value // string
	announcedPort atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

func (c *Coordinator) newTunnel(ctx context.Context, role Role) *tunnel {
	ctx, cancel := context.WithCancel(ctx)

	t := &tunnel{
		c:      c,
		role:   role,
		logger: c.logger.With(logging.KeyRole, string(role)),
		ctx:    ctx,
		cancel: cancel,
		table:  NewTable(),
		self:   newSelfSession(),
	}
	t.activeRoom.Store("")
	t.self.limiter = t.newLimiter()
	t.table.Add(t.self)

	handle := t.hostDatagram
	if role == RoleClient {
		handle = t.clientDatagram
	}
	t.udp = newUDPBridge(ctx, &t.wg, c.bindIP, c.gameIP, c.cfg.MaxDatagramSize, handle,
		logging.Component(c.logger, "udp"))
	return t
}

// startCommon starts the loops both roles run.
func (t *tunnel) startCommon() {
	t.goLoop("roster-notify", func() {
		t.c.obs.run(t.ctx, t.c.Roster)
	})
	t.goLoop("rate-sampler", func() {
		runSampler(t.ctx, t.c.clock, t.c.cfg.SampleInterval, t.table, t.c.obs)
	})
	t.goLoop("shutdown-watch", func() {
		<-t.ctx.Done()
		t.shutdown()
	})
}

func (t *tunnel) goLoop(name string, fn func()) {
	recovery.Go(&t.wg, t.logger, name, fn)
}

func (t *tunnel) newLimiter() *rate.Limiter {
	limit := t.c.cfg.RateLimit
	if limit == 0 {
		return nil
	}
	burst := int(limit)
	if burst < t.c.cfg.MaxDatagramSize {
		burst = t.c.cfg.MaxDatagramSize
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// notify schedules a roster delivery to observers.
func (t *tunnel) notify() {
	t.c.obs.notify()
}

// send writes p and records it. It returns the wire length.
func (t *tunnel) send(conn *peer.Connection, p protocol.Package) (int, error) {
	n, err := conn.Send(p)
	if err != nil {
		return 0, err
	}
	t.c.metrics.RecordPackageSent(p.Tag().String(), n)
	return n, nil
}

// received records an inbound frame against self and, on the host, the
// sending session.
func (t *tunnel) received(from *Session, f protocol.Frame) {
	t.self.addReceived(f.Len)
	if from != nil && from != t.self {
		from.addReceived(f.Len)
	}
	t.c.metrics.RecordPackageReceived(f.Package.Tag().String(), f.Len)
}

// bindDevice binds s to id and loads its remark. A stale session holding the
// id is disconnected.
func (t *tunnel) bindDevice(s *Session, id string) {
	displaced := t.table.BindDevice(s, id)
	s.setRemark(t.c.storedRemark(id))

	if displaced != nil && displaced.conn != nil {
		t.logger.Info("replacing stale session",
			logging.KeyDeviceID, id,
			logging.KeyConnID, displaced.connID)
		displaced.conn.Close()
	}
}

func (t *tunnel) currentConn() *peer.Connection {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

func (t *tunnel) setConn(conn *peer.Connection) {
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
}

// shutdown closes the listener, every connection and every relay socket.
func (t *tunnel) shutdown() error {
	t.closeOnce.Do(func() {
		var err error
		if t.listener != nil {
			err = multierr.Append(err, ignoreClosed(t.listener.Close()))
		}
		if conn := t.currentConn(); conn != nil {
			err = multierr.Append(err, ignoreClosed(conn.Close()))
		}
		for _, s := range t.table.Sessions() {
			if s.conn != nil {
				err = multierr.Append(err, ignoreClosed(s.conn.Close()))
			}
		}
		err = multierr.Append(err, t.udp.Close())
		t.closeErr = err
	})
	return t.closeErr
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, transport.ErrListenerClosed) {
		return nil
	}
	return err
}
