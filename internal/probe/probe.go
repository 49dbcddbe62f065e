// Package probe checks that an address is a reachable rwconnect host.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/1143910315/RainWorldConnect/internal/protocol"
	"github.com/1143910315/RainWorldConnect/internal/transport"
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Transport is "tcp" or "ws".
	Transport string

	// Address is the host:port to probe.
	Address string

	// Path is the HTTP path for the ws transport (default: "/relay").
	Path string

	// Timeout bounds the whole probe.
	Timeout time.Duration
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	Success   bool
	Transport string
	Address   string

	// RoomIndex and RoomID are taken from the host's room announcement.
	RoomIndex int32
	RoomID    string

	// Players is the roster if the host sent one before its announcement.
	Players []protocol.UserRecord

	// RTT is the time from dialing to the room announcement.
	RTT time.Duration

	Error       error
	ErrorDetail string
}

// Probe dials a host and waits for the room announcement every host sends
// to a new connection. Nothing is written, so the host never registers the
// probe as a player.
func Probe(ctx context.Context, opts Options) *Result {
	if opts.Transport == "" {
		opts.Transport = string(transport.KindTCP)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Path == "" {
		opts.Path = "/relay"
	}

	result := &Result{
		Transport: opts.Transport,
		Address:   opts.Address,
	}
	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	tr, err := transport.New(transport.Kind(opts.Transport), transport.Options{
		Path:        opts.Path,
		DialTimeout: opts.Timeout,
	})
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	conn, err := tr.Dial(ctx, opts.Address)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	ann, err := awaitAnnouncement(conn, result)
	if err != nil {
		return fail(err)
	}

	result.Success = true
	result.RoomIndex = ann.Index
	result.RoomID = ann.ServiceID
	result.RTT = time.Since(start)
	return result
}

// awaitAnnouncement reads frames until the room announcement arrives. A
// roster may precede it; anything else means the peer is not a host.
func awaitAnnouncement(conn net.Conn, result *Result) (*protocol.ServiceIdentity, error) {
	fr := protocol.NewFrameReader(conn)
	for {
		f, err := fr.Read()
		if err != nil {
			return nil, fmt.Errorf("failed to read announcement: %w", err)
		}
		switch p := f.Package.(type) {
		case *protocol.ServiceIdentity:
			return p, nil
		case *protocol.AllUserInfo:
			result.Players = p.Users
		default:
			return nil, fmt.Errorf("unexpected package %s", protocol.Describe(p))
		}
	}
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		switch {
		case strings.Contains(errStr, "connection refused"):
			return "Connection refused - host not running or port blocked"
		case strings.Contains(errStr, "no route to host"):
			return "No route to host - network unreachable"
		case strings.Contains(errStr, "network is unreachable"):
			return "Network unreachable"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) || strings.Contains(errStr, "timed out") {
		return "Connection timed out - host silent or firewall blocking"
	}

	if errors.Is(err, protocol.ErrUnknownPackage) || errors.Is(err, protocol.ErrCorruptPackage) || strings.Contains(errStr, "unexpected package") {
		return "Connected but received invalid response - not an rwconnect host?"
	}

	if strings.Contains(errStr, "failed to read announcement") {
		return "Connected but the host closed the connection before announcing a room"
	}

	if strings.Contains(errStr, "unknown transport") {
		return "Unknown transport - use tcp or ws"
	}

	return errStr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
