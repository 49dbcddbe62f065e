// Package relay implements the relay coordinator: sessions and their indexes,
// the host and client roles, and the bridge between local UDP sockets and the
// framed package stream.
package relay

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/1143910315/RainWorldConnect/internal/peer"
	"github.com/1143910315/RainWorldConnect/internal/protocol"
)

// Session is one relay participant. Its device id and UDP port are only
// written by the Table that indexes it.
type Session struct {
	connID string
	conn   *peer.Connection
	self   bool

	deviceID atomic.Value // string
	udpPort  atomic.Int32
	remark   atomic.Value // string

	totalSent     atomic.Int64
	totalReceived atomic.Int64

	// Per-second rates from the last sample.
	sentRate     atomic.Int64
	receivedRate atomic.Int64
	lastSent     int64
	lastReceived int64

	limiter *rate.Limiter

	// rosterDirty wakes the host's roster writer for this session.
	rosterDirty chan struct{}

	createdAt time.Time
}

func newSession(connID string, conn *peer.Connection) *Session {
	s := &Session{
		connID:    connID,
		conn:      conn,
		createdAt: time.Now(),
	}
	s.deviceID.Store("")
	s.remark.Store("")
	if conn != nil {
		s.rosterDirty = make(chan struct{}, 1)
	}
	return s
}

func newSelfSession() *Session {
	s := newSession("", nil)
	s.self = true
	return s
}

// ConnID returns the connection handle, empty for self and for peers known
// only from a roster.
func (s *Session) ConnID() string { return s.connID }

// Conn returns the carrier connection, nil when there is none.
func (s *Session) Conn() *peer.Connection { return s.conn }

// IsSelf reports whether this is the local participant.
func (s *Session) IsSelf() bool { return s.self }

// DeviceID returns the bound device id, empty before authentication.
func (s *Session) DeviceID() string { return s.deviceID.Load().(string) }

// UDPPort returns the bound UDP port, 0 when unbound.
func (s *Session) UDPPort() int32 { return s.udpPort.Load() }

// Remark returns the user-assigned remark.
func (s *Session) Remark() string { return s.remark.Load().(string) }

func (s *Session) setRemark(r string) { s.remark.Store(r) }

// TotalSent returns the wire bytes sent on behalf of this session.
func (s *Session) TotalSent() int64 { return s.totalSent.Load() }

// TotalReceived returns the wire bytes received on behalf of this session.
func (s *Session) TotalReceived() int64 { return s.totalReceived.Load() }

func (s *Session) addSent(n int)     { s.totalSent.Add(int64(n)) }
func (s *Session) addReceived(n int) { s.totalReceived.Add(int64(n)) }

// allow reports whether a forward of n payload bytes fits the session's rate.
func (s *Session) allow(n int) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.AllowN(time.Now(), n)
}

// sample stores the rates since the previous sample. Only the sampler calls it.
func (s *Session) sample(elapsed time.Duration) {
	sent, received := s.TotalSent(), s.TotalReceived()
	if elapsed > 0 {
		secs := elapsed.Seconds()
		s.sentRate.Store(int64(float64(sent-s.lastSent) / secs))
		s.receivedRate.Store(int64(float64(received-s.lastReceived) / secs))
	}
	s.lastSent, s.lastReceived = sent, received
}

// markRosterDirty schedules a roster send to this session's connection.
func (s *Session) markRosterDirty() {
	if s.rosterDirty == nil {
		return
	}
	select {
	case s.rosterDirty <- struct{}{}:
	default:
	}
}

// String returns a string representation.
func (s *Session) String() string {
	return fmt.Sprintf("Session{conn=%s, device=%s, port=%d}", s.connID, s.DeviceID(), s.UDPPort())
}

// Table indexes sessions by connection handle, device id and UDP port. A
// rebinding updates the session field and every index under one lock, so a
// lookup never sees a session under a stale key.
type Table struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	byConn   map[string]*Session
	byDevice map[string]*Session
	byPort   map[int32]*Session
}

// NewTable creates an empty table.
func NewTable() *Table {
	t := &Table{}
	t.reset()
	return t
}

func (t *Table) reset() {
	t.sessions = make(map[*Session]struct{})
	t.byConn = make(map[string]*Session)
	t.byDevice = make(map[string]*Session)
	t.byPort = make(map[int32]*Session)
}

// Add inserts s and indexes its current device id and port. Sessions without
// a connection other than self are not indexed by connection handle.
func (t *Table) Add(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[s]; ok {
		return nil
	}
	if s.conn != nil || s.self {
		if _, ok := t.byConn[s.connID]; ok {
			return fmt.Errorf("duplicate connection handle %q", s.connID)
		}
		t.byConn[s.connID] = s
	}
	t.sessions[s] = struct{}{}
	if id := s.DeviceID(); id != "" {
		t.bindDeviceLocked(s, id)
	}
	if port := s.UDPPort(); port != 0 {
		t.bindPortLocked(s, port)
	}
	return nil
}

// Remove drops s from every index. It reports whether s was present.
func (t *Table) Remove(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(s)
}

func (t *Table) removeLocked(s *Session) bool {
	if _, ok := t.sessions[s]; !ok {
		return false
	}
	delete(t.sessions, s)
	if t.byConn[s.connID] == s {
		delete(t.byConn, s.connID)
	}
	if id := s.DeviceID(); id != "" && t.byDevice[id] == s {
		delete(t.byDevice, id)
	}
	if port := s.UDPPort(); port != 0 && t.byPort[port] == s {
		delete(t.byPort, port)
	}
	return true
}

// BindDevice sets the device id of s. A different session already holding id
// loses it and is returned.
func (t *Table) BindDevice(s *Session, id string) (displaced *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bindDeviceLocked(s, id)
}

func (t *Table) bindDeviceLocked(s *Session, id string) *Session {
	if _, ok := t.sessions[s]; !ok {
		s.deviceID.Store(id)
		return nil
	}
	if old := s.DeviceID(); old != "" && t.byDevice[old] == s {
		delete(t.byDevice, old)
	}
	var displaced *Session
	if id != "" {
		if prev := t.byDevice[id]; prev != nil && prev != s {
			prev.deviceID.Store("")
			displaced = prev
		}
		t.byDevice[id] = s
	}
	s.deviceID.Store(id)
	return displaced
}

// BindPort sets the UDP port of s. Port 0 unbinds. A different session already
// holding port loses it and is returned.
func (t *Table) BindPort(s *Session, port int32) (displaced *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bindPortLocked(s, port)
}

func (t *Table) bindPortLocked(s *Session, port int32) *Session {
	if _, ok := t.sessions[s]; !ok {
		s.udpPort.Store(port)
		return nil
	}
	if old := s.UDPPort(); old != 0 && t.byPort[old] == s {
		delete(t.byPort, old)
	}
	var displaced *Session
	if port != 0 {
		if prev := t.byPort[port]; prev != nil && prev != s {
			prev.udpPort.Store(0)
			displaced = prev
		}
		t.byPort[port] = s
	}
	s.udpPort.Store(port)
	return displaced
}

// ByConn returns the session for a connection handle.
func (t *Table) ByConn(id string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byConn[id]
}

// ByDevice returns the session bound to a device id.
func (t *Table) ByDevice(id string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byDevice[id]
}

// ByPort returns the session bound to a UDP port.
func (t *Table) ByPort(port int32) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byPort[port]
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Sessions returns all sessions, self first, then by device id and
// connection handle.
func (t *Table) Sessions() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, compareSessions)
	return out
}

func compareSessions(a, b *Session) int {
	if a.self != b.self {
		if a.self {
			return -1
		}
		return 1
	}
	return cmp.Or(
		compareDeviceIDs(a.DeviceID(), b.DeviceID()),
		cmp.Compare(a.connID, b.connID),
	)
}

// compareDeviceIDs orders ids in allocation order. Unbound sessions sort last.
func compareDeviceIDs(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return reverseCompare(a, b)
}

// reverseCompare compares ids least significant symbol last, matching the
// allocator's little-endian digit order.
func reverseCompare(a, b string) int {
	for i := len(a) - 1; i >= 0; i-- {
		ca, cb := symbolValue(a[i]), symbolValue(b[i])
		if ca != cb {
			return cmp.Compare(ca, cb)
		}
	}
	return 0
}

func symbolValue(c byte) int {
	switch {
	case c >= 'A' && c <= 'Z':
		return int(c - 'A')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 26
	case c >= '0' && c <= '9':
		return int(c-'0') + 52
	}
	return 62
}

// Records returns the roster broadcast: every session with a device id.
func (t *Table) Records() []protocol.UserRecord {
	sessions := t.Sessions()
	records := make([]protocol.UserRecord, 0, len(sessions))
	for _, s := range sessions {
		if id := s.DeviceID(); id != "" {
			records = append(records, protocol.UserRecord{DeviceID: id, Port: s.UDPPort()})
		}
	}
	return records
}

// ReplaceRoster rebuilds the table from a roster broadcast, keeping self and
// reusing known sessions by device id so their counters survive. The record
// matching self's device id updates self's port. newPeer builds sessions for
// unseen device ids. It returns the non-self sessions with a bound port.
func (t *Table) ReplaceRoster(self *Session, records []protocol.UserRecord, newPeer func(deviceID string) *Session) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	known := t.byDevice
	t.reset()

	t.sessions[self] = struct{}{}
	t.byConn[self.connID] = self
	selfID := self.DeviceID()
	if selfID != "" {
		t.byDevice[selfID] = self
	}

	selfPort := self.UDPPort()
	selfListed := false

	var bound []*Session
	for _, rec := range records {
		var s *Session
		switch {
		case rec.DeviceID == "":
			continue
		case rec.DeviceID == selfID:
			s = self
			selfListed = true
		default:
			if _, dup := t.byDevice[rec.DeviceID]; dup {
				continue
			}
			s = known[rec.DeviceID]
			if s == nil || s.self {
				s = newPeer(rec.DeviceID)
				s.deviceID.Store(rec.DeviceID)
			}
			t.sessions[s] = struct{}{}
			t.byDevice[rec.DeviceID] = s
		}

		// The port is reassigned below; drop the stale value first so a
		// duplicate port does not leave a session reachable twice.
		s.udpPort.Store(0)
		t.bindPortLocked(s, rec.Port)
		if s != self && rec.Port != 0 {
			bound = append(bound, s)
		}
	}

	if !selfListed && selfPort != 0 {
		if _, taken := t.byPort[selfPort]; !taken {
			t.byPort[selfPort] = self
		} else {
			self.udpPort.Store(0)
		}
	}

	// A port claimed twice leaves the earlier claimant unbound.
	bound = slices.DeleteFunc(bound, func(s *Session) bool { return s.UDPPort() == 0 })
	return bound
}

// Clear removes every session except keep, which may be nil.
func (t *Table) Clear(keep *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reset()
	if keep != nil {
		t.sessions[keep] = struct{}{}
		t.byConn[keep.connID] = keep
		if id := keep.DeviceID(); id != "" {
			t.byDevice[id] = keep
		}
		if port := keep.UDPPort(); port != 0 {
			t.byPort[port] = keep
		}
	}
}
