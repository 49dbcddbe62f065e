package relay

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/1143910315/RainWorldConnect/internal/logging"
	"github.com/1143910315/RainWorldConnect/internal/metrics"
	"github.com/1143910315/RainWorldConnect/internal/peer"
	"github.com/1143910315/RainWorldConnect/internal/protocol"
)

// clientLoop serves the host connection and redials after every loss until
// the tunnel stops or the reconnection budget runs out.
func (t *tunnel) clientLoop(nc net.Conn) {
	for {
		t.serveClient(nc)
		t.resetClient()
		if t.ctx.Err() != nil {
			return
		}

		if nc = t.redial(); nc == nil {
			return
		}
	}
}

func (t *tunnel) serveClient(nc net.Conn) {
	conn := peer.NewConnection(uuid.NewString(), nc)
	t.setConn(conn)
	if t.ctx.Err() != nil {
		conn.Close()
	}
	t.c.metrics.RecordSessionOpen()

	err := readFrames(t.logger, "relay.serveClient", conn, func(f protocol.Frame) error {
		return t.handleClient(conn, f)
	})
	conn.Close()
	t.setConn(nil)

	reason := closeReason(err)
	t.c.metrics.RecordSessionClose(reason)
	if reason == "framing" {
		t.c.metrics.RecordFramingError()
	}
	if t.ctx.Err() == nil {
		t.logger.Warn("connection to host lost",
			logging.KeyAddress, t.c.cfg.RemoteAddr,
			logging.KeyError, err)
	}
}

// resetClient forgets everything learned from the host except self.
func (t *tunnel) resetClient() {
	t.table.Clear(t.self)
	t.activeRoom.Store("")
	t.announcedPort.Store(0)
	t.notify()
}

func (t *tunnel) redial() net.Conn {
	for {
		if err := t.reconnector.Wait(t.ctx); err != nil {
			if errors.Is(err, peer.ErrMaxAttempts) {
				t.logger.Error("giving up reconnecting",
					logging.KeyAddress, t.c.cfg.RemoteAddr,
					logging.KeyAttempt, t.reconnector.Attempts())
			}
			return nil
		}

		nc, err := t.c.cfg.Transport.Dial(t.ctx, t.c.cfg.RemoteAddr)
		if err != nil {
			if t.ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("reconnect failed",
				logging.KeyAddress, t.c.cfg.RemoteAddr,
				logging.KeyAttempt, t.reconnector.Attempts(),
				logging.KeyError, err)
			continue
		}

		t.reconnector.Reset()
		t.c.metrics.RecordReconnect()
		t.logger.Info("reconnected to host", logging.KeyAddress, t.c.cfg.RemoteAddr)
		return nc
	}
}

func (t *tunnel) handleClient(conn *peer.Connection, f protocol.Frame) error {
	t.received(nil, f)

	switch p := f.Package.(type) {
	case *protocol.ServiceIdentity:
		return t.answerRoomIdentity(conn, p)
	case *protocol.ConfirmRegistration:
		t.confirmRegistration(conn, p)
	case *protocol.DeviceIdentity:
		t.bindDevice(t.self, p.DeviceID)
		conn.SetState(peer.StateAuthenticated)
		t.logger.Info("authenticated", logging.KeyDeviceID, p.DeviceID)
		t.notify()
	case *protocol.AllUserInfo:
		t.applyRoster(p.Users)
	case *protocol.Forward:
		t.deliverForward(p, f.Len)
	default:
		t.logger.Debug("ignoring package", logging.KeyPackage, f.Package.Tag().String())
	}
	return nil
}

// answerRoomIdentity proves a stored registration for the announced room, or
// asks for a new one when there is none.
func (t *tunnel) answerRoomIdentity(conn *peer.Connection, p *protocol.ServiceIdentity) error {
	t.activeRoom.Store(p.ServiceID)

	ch := &protocol.AuthenticationChallenge{Index: p.Index}
	secret, _ := t.c.store.Get(prefixRoomSecret + p.ServiceID)
	deviceID, _ := t.c.store.Get(prefixRoomDevice + p.ServiceID)
	if secret != "" && deviceID != "" {
		sealed, err := sealSecret(p.PublicKey, secret)
		if err != nil {
			return fmt.Errorf("seal challenge: %w", err)
		}
		ch.DeviceID = deviceID
		ch.AuthenticationID = sealed
		t.bindDevice(t.self, deviceID)
	}

	n, err := t.send(conn, ch)
	if err != nil {
		return err
	}
	t.self.addSent(n)

	t.logger.Debug("answered room identity",
		logging.KeyRoomID, p.ServiceID,
		logging.KeyIndex, p.Index,
		logging.KeyDeviceID, ch.DeviceID)
	return nil
}

func (t *tunnel) confirmRegistration(conn *peer.Connection, p *protocol.ConfirmRegistration) {
	room := t.activeRoom.Load().(string)
	if room == "" {
		t.logger.Warn("registration before any room identity", logging.KeyDeviceID, p.DeviceID)
	} else {
		if err := t.c.store.Set(prefixRoomSecret+room, p.AuthenticationID); err != nil {
			t.logger.Error("cannot store room secret", logging.KeyRoomID, room, logging.KeyError, err)
		}
		if err := t.c.store.Set(prefixRoomDevice+room, p.DeviceID); err != nil {
			t.logger.Error("cannot store device id", logging.KeyRoomID, room, logging.KeyError, err)
		}
	}

	t.bindDevice(t.self, p.DeviceID)
	conn.SetState(peer.StateAuthenticated)
	t.logger.Info("registered",
		logging.KeyRoomID, room,
		logging.KeyDeviceID, p.DeviceID)
	t.notify()
}

// applyRoster replaces the roster and binds a relay socket for every peer
// port.
func (t *tunnel) applyRoster(users []protocol.UserRecord) {
	bound := t.table.ReplaceRoster(t.self, users, func(deviceID string) *Session {
		s := newSession("", nil)
		s.setRemark(t.c.storedRemark(deviceID))
		return s
	})

	for _, s := range bound {
		if _, err := t.udp.Ensure(s.UDPPort()); err != nil {
			t.logger.Warn("cannot bind relay socket",
				logging.KeyDeviceID, s.DeviceID(),
				logging.KeyPort, s.UDPPort(),
				logging.KeyError, err)
		}
	}
	t.c.metrics.SetUDPSockets(t.udp.Len())
	t.notify()
}

// gamePort returns the port the local game sends from.
func (t *tunnel) gamePort() int32 {
	if p := t.self.UDPPort(); p != 0 {
		return p
	}
	return t.announcedPort.Load()
}

// deliverForward hands a relayed datagram to the local game from the socket
// standing in for the sending peer.
func (t *tunnel) deliverForward(p *protocol.Forward, wireLen int) {
	if sender := t.table.ByPort(p.Port); sender != nil && !sender.self {
		sender.addReceived(wireLen)
	}

	game := t.gamePort()
	if p.Port == game {
		t.c.metrics.RecordForwardDropped(metrics.DropNoRoute)
		return
	}
	if _, err := t.udp.Ensure(p.Port); err != nil {
		t.c.metrics.RecordForwardDropped(metrics.DropSendFailed)
		t.logger.Debug("cannot bind relay socket", logging.KeyPort, p.Port, logging.KeyError, err)
		return
	}
	if err := t.udp.Deliver(p.Port, game, p.Payload); err != nil {
		t.c.metrics.RecordForwardDropped(metrics.DropSendFailed)
		t.logger.Debug("delivery failed", logging.KeyPort, p.Port, logging.KeyError, err)
		return
	}
	t.c.metrics.RecordForward(metrics.PathStreamToUDP)
}

// clientDatagram forwards a datagram the local game sent to the relay socket
// standing in for the peer at port.
func (t *tunnel) clientDatagram(port int32, from *net.UDPAddr, payload []byte) {
	conn := t.currentConn()
	if conn == nil {
		t.c.metrics.RecordForwardDropped(metrics.DropNoRoute)
		return
	}

	src := int32(from.Port)
	if old := t.announcedPort.Load(); old != src && t.announcedPort.CompareAndSwap(old, src) {
		n, err := t.send(conn, &protocol.BindPort{Port: src})
		if err != nil {
			t.announcedPort.CompareAndSwap(src, old)
			t.c.metrics.RecordForwardDropped(metrics.DropSendFailed)
			return
		}
		t.self.addSent(n)
		t.logger.Debug("announced game port", logging.KeyPort, src)
	}

	if !t.self.allow(len(payload)) {
		t.c.metrics.RecordForwardDropped(metrics.DropRateLimited)
		return
	}

	n, err := t.send(conn, &protocol.Forward{Port: port, Payload: payload})
	if err != nil {
		t.c.metrics.RecordForwardDropped(metrics.DropSendFailed)
		return
	}
	t.self.addSent(n)
	if target := t.table.ByPort(port); target != nil && !target.self {
		target.addSent(n)
	}
	t.c.metrics.RecordForward(metrics.PathUDPToStream)
}
