package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/1143910315/RainWorldConnect/internal/logging"
	"github.com/1143910315/RainWorldConnect/internal/metrics"
	"github.com/1143910315/RainWorldConnect/internal/peer"
	"github.com/1143910315/RainWorldConnect/internal/protocol"
	"github.com/1143910315/RainWorldConnect/internal/recovery"
	"github.com/1143910315/RainWorldConnect/internal/transport"
)

// acceptRetryDelay paces Accept after an unexpected error.
const acceptRetryDelay = 50 * time.Millisecond

func (t *tunnel) acceptLoop() {
	for {
		nc, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			t.logger.Warn("accept failed", logging.KeyError, err)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		t.goLoop("host-session", func() { t.serveHost(nc) })
	}
}

// serveHost runs one client connection from accept to close.
func (t *tunnel) serveHost(nc net.Conn) {
	conn := peer.NewConnection(uuid.NewString(), nc)
	s := newSession(conn.ID, conn)
	s.limiter = t.newLimiter()

	if err := t.table.Add(s); err != nil {
		conn.Close()
		return
	}
	if t.ctx.Err() != nil {
		t.table.Remove(s)
		conn.Close()
		return
	}

	logger := t.logger.With(logging.KeyConnID, conn.ID)
	t.c.metrics.RecordSessionOpen()
	logger.Info("peer connected", logging.KeyRemoteAddr, conn.RemoteAddr())

	var err error
	defer func() {
		conn.Close()
		t.table.Remove(s)
		reason := closeReason(err)
		t.c.metrics.RecordSessionClose(reason)
		if reason == "framing" {
			t.c.metrics.RecordFramingError()
		}
		logger.Info("peer disconnected",
			logging.KeyDeviceID, s.DeviceID(),
			"reason", reason,
			logging.KeyError, err)
		t.broadcast()
	}()

	t.goLoop("roster-writer", func() { t.rosterWriter(s) })
	t.notify()

	if err = t.sendRoomIdentity(s, 0); err != nil {
		return
	}
	err = readFrames(logger, "relay.serveHost", conn, func(f protocol.Frame) error {
		return t.handleHost(s, f)
	})
}

// readFrames runs conn's read loop. A panic in handle ends only this
// connection, reported as errHandlerPanic.
func readFrames(logger *slog.Logger, name string, conn *peer.Connection, handle func(protocol.Frame) error) (err error) {
	defer recovery.RecoverWithCallback(logger, name, func(r interface{}) {
		err = fmt.Errorf("%w: %v", errHandlerPanic, r)
	})
	return conn.ReadLoop(handle)
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, protocol.ErrUnknownPackage), errors.Is(err, protocol.ErrCorruptPackage):
		return "framing"
	case errors.Is(err, ErrRoomIdentityLimit):
		return "auth_limit"
	case errors.Is(err, errHandlerPanic):
		return "panic"
	default:
		return "error"
	}
}

// rosterWriter sends the current roster to s whenever it is marked dirty. A
// slow or failing peer only delays its own copy.
func (t *tunnel) rosterWriter(s *Session) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-s.conn.Done():
			return
		case <-s.rosterDirty:
			n, err := t.send(s.conn, &protocol.AllUserInfo{Users: t.table.Records()})
			if err != nil {
				t.logger.Debug("roster send failed",
					logging.KeyConnID, s.connID,
					logging.KeyError, err)
				continue
			}
			s.addSent(n)
			t.self.addSent(n)
			t.c.metrics.RecordRosterBroadcast()
		}
	}
}

// broadcast schedules a roster send to every connected session and notifies
// observers.
func (t *tunnel) broadcast() {
	for _, s := range t.table.Sessions() {
		s.markRosterDirty()
	}
	t.notify()
}

func (t *tunnel) handleHost(s *Session, f protocol.Frame) error {
	t.received(s, f)

	switch p := f.Package.(type) {
	case *protocol.AuthenticationChallenge:
		return t.handleChallenge(s, p)
	case *protocol.SwitchServiceIdentity:
		return t.sendRoomIdentity(s, p.Index)
	case *protocol.BindPort:
		t.handleBindPort(s, p.Port)
	case *protocol.Forward:
		t.relayForward(s, p)
	default:
		t.logger.Debug("ignoring package",
			logging.KeyConnID, s.connID,
			logging.KeyPackage, f.Package.Tag().String())
	}
	return nil
}

// sendRoomIdentity announces the room identity at index to s.
func (t *tunnel) sendRoomIdentity(s *Session, index int32) error {
	ri, err := t.auth.Identity(index)
	if err != nil {
		t.logger.Warn("cannot announce room identity",
			logging.KeyConnID, s.connID,
			logging.KeyIndex, index,
			logging.KeyError, err)
		return err
	}
	t.c.metrics.SetRoomIdentities(t.auth.Count())

	n, err := t.send(s.conn, &protocol.ServiceIdentity{
		Index:     ri.Index,
		ServiceID: ri.ID,
		PublicKey: ri.PublicKey,
	})
	if err != nil {
		return err
	}
	s.addSent(n)
	t.self.addSent(n)
	return nil
}

func (t *tunnel) handleChallenge(s *Session, p *protocol.AuthenticationChallenge) error {
	if p.IsRegistration() {
		id, secret, err := t.auth.Register()
		if err != nil {
			return err
		}
		n, err := t.send(s.conn, &protocol.ConfirmRegistration{DeviceID: id, AuthenticationID: secret})
		if err != nil {
			return err
		}
		s.addSent(n)
		t.self.addSent(n)

		t.bindDevice(s, id)
		s.conn.SetState(peer.StateAuthenticated)
		t.c.metrics.RecordAuth(metrics.AuthRegistered)
		t.logger.Info("peer registered",
			logging.KeyConnID, s.connID,
			logging.KeyDeviceID, id)
		t.broadcast()
		return nil
	}

	count := int32(t.auth.Count())
	if p.Index < 0 || p.Index >= count {
		return t.sendRoomIdentity(s, count)
	}

	if !t.auth.Verify(p.Index, p.DeviceID, p.AuthenticationID) {
		t.c.metrics.RecordAuth(metrics.AuthRejected)
		t.logger.Warn("challenge rejected, rotating room identity",
			logging.KeyConnID, s.connID,
			logging.KeyDeviceID, p.DeviceID,
			logging.KeyIndex, p.Index+1)
		return t.sendRoomIdentity(s, p.Index+1)
	}

	t.bindDevice(s, p.DeviceID)
	n, err := t.send(s.conn, &protocol.DeviceIdentity{DeviceID: p.DeviceID})
	if err != nil {
		return err
	}
	s.addSent(n)
	t.self.addSent(n)

	s.conn.SetState(peer.StateAuthenticated)
	t.c.metrics.RecordAuth(metrics.AuthReconnected)
	t.logger.Info("peer reconnected",
		logging.KeyConnID, s.connID,
		logging.KeyDeviceID, p.DeviceID)
	t.broadcast()
	return nil
}

func (t *tunnel) handleBindPort(s *Session, port int32) {
	if port < 0 || port > 65535 {
		t.logger.Warn("invalid port announced",
			logging.KeyConnID, s.connID,
			logging.KeyPort, port)
		return
	}
	if port != 0 && port == t.self.UDPPort() {
		t.logger.Warn("peer announced the host's game port",
			logging.KeyConnID, s.connID,
			logging.KeyPort, port)
		return
	}

	if port != 0 {
		created, err := t.udp.Ensure(port)
		if err != nil {
			t.logger.Warn("cannot bind relay socket",
				logging.KeyPort, port,
				logging.KeyError, err)
		} else if created {
			t.c.metrics.SetUDPSockets(t.udp.Len())
		}
	}

	if displaced := t.table.BindPort(s, port); displaced != nil {
		t.logger.Debug("port taken over",
			logging.KeyPort, port,
			logging.KeyDeviceID, displaced.DeviceID())
	}
	t.logger.Debug("port bound",
		logging.KeyConnID, s.connID,
		logging.KeyDeviceID, s.DeviceID(),
		logging.KeyPort, port)
	t.broadcast()
}

// relayForward routes a datagram sent by s to the session bound at p.Port.
// The host's own game gets it from the socket at the sender's port; another
// peer gets it re-tagged with the sender's port.
func (t *tunnel) relayForward(s *Session, p *protocol.Forward) {
	target := t.table.ByPort(p.Port)
	if target == nil || target == s {
		t.c.metrics.RecordForwardDropped(metrics.DropNoRoute)
		return
	}
	if !s.allow(len(p.Payload)) {
		t.c.metrics.RecordForwardDropped(metrics.DropRateLimited)
		return
	}

	src := s.UDPPort()
	if target.self {
		if err := t.udp.Deliver(src, p.Port, p.Payload); err != nil {
			t.c.metrics.RecordForwardDropped(metrics.DropSendFailed)
			t.logger.Debug("delivery failed", logging.KeyPort, src, logging.KeyError, err)
			return
		}
		t.c.metrics.RecordForward(metrics.PathStreamToUDP)
		return
	}
	if target.conn == nil {
		t.c.metrics.RecordForwardDropped(metrics.DropNoRoute)
		return
	}

	n, err := t.send(target.conn, &protocol.Forward{Port: src, Payload: p.Payload})
	if err != nil {
		t.c.metrics.RecordForwardDropped(metrics.DropSendFailed)
		return
	}
	target.addSent(n)
	t.self.addSent(n)
	t.c.metrics.RecordForward(metrics.PathStreamToStream)
}

// hostDatagram forwards a datagram the host's game sent to the relay socket
// of the peer bound at port.
func (t *tunnel) hostDatagram(port int32, from *net.UDPAddr, payload []byte) {
	target := t.table.ByPort(port)
	if target == nil || target.conn == nil {
		t.c.metrics.RecordForwardDropped(metrics.DropNoRoute)
		return
	}
	if !t.self.allow(len(payload)) {
		t.c.metrics.RecordForwardDropped(metrics.DropRateLimited)
		return
	}

	n, err := t.send(target.conn, &protocol.Forward{Port: int32(from.Port), Payload: payload})
	if err != nil {
		t.c.metrics.RecordForwardDropped(metrics.DropSendFailed)
		return
	}
	t.self.addSent(n)
	target.addSent(n)
	t.c.metrics.RecordForward(metrics.PathUDPToStream)
}
