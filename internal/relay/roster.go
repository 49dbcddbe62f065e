package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
)

// RosterEntry is the view record of one session.
type RosterEntry struct {
	DeviceID    string `json:"device_id"`
	ConnID      string `json:"conn_id,omitempty"`
	DisplayName string `json:"display_name"`
	Remark      string `json:"remark,omitempty"`
	UDPPort     int32  `json:"udp_port"`
	Self        bool   `json:"self"`
	RemoteAddr  string `json:"remote_addr,omitempty"`

	// State and LastActivity describe the carrier connection; both are empty
	// for the local session and for peers known only from a host roster.
	State        string    `json:"state,omitempty"`
	LastActivity time.Time `json:"last_activity,omitzero"`

	TotalSent           int64  `json:"total_sent"`
	TotalReceived       int64  `json:"total_received"`
	SentBytesPerSec     int64  `json:"sent_bytes_per_sec"`
	ReceivedBytesPerSec int64  `json:"received_bytes_per_sec"`
	SentRate            string `json:"sent_rate"`
	ReceivedRate        string `json:"received_rate"`
}

// Roster is an immutable snapshot of every session.
type Roster struct {
	Role      Role          `json:"role"`
	Running   bool          `json:"running"`
	Entries   []RosterEntry `json:"entries"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Find returns the entry for a device id.
func (r Roster) Find(deviceID string) (RosterEntry, bool) {
	for _, e := range r.Entries {
		if e.DeviceID == deviceID {
			return e, true
		}
	}
	return RosterEntry{}, false
}

// Self returns the local entry.
func (r Roster) Self() (RosterEntry, bool) {
	for _, e := range r.Entries {
		if e.Self {
			return e, true
		}
	}
	return RosterEntry{}, false
}

// FormatRate renders a byte rate, e.g. "1.2 KiB/s".
func FormatRate(bytesPerSec int64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

// DisplayName is the remark when set, otherwise the device id.
func DisplayName(deviceID, remark string) string {
	if r := strings.TrimSpace(remark); r != "" {
		return r
	}
	if deviceID == "" {
		return "(pending)"
	}
	return deviceID
}

func entryFor(s *Session) RosterEntry {
	sent, received := s.sentRate.Load(), s.receivedRate.Load()
	e := RosterEntry{
		DeviceID:            s.DeviceID(),
		ConnID:              s.connID,
		Remark:              s.Remark(),
		UDPPort:             s.UDPPort(),
		Self:                s.self,
		TotalSent:           s.TotalSent(),
		TotalReceived:       s.TotalReceived(),
		SentBytesPerSec:     sent,
		ReceivedBytesPerSec: received,
		SentRate:            "↑" + FormatRate(sent),
		ReceivedRate:        "↓" + FormatRate(received),
	}
	e.DisplayName = DisplayName(e.DeviceID, e.Remark)
	if s.conn != nil {
		e.RemoteAddr = s.conn.RemoteAddr()
		e.State = s.conn.State().String()
		e.LastActivity = s.conn.LastActivity()
	}
	return e
}

func snapshot(role Role, running bool, table *Table, now time.Time) Roster {
	r := Roster{Role: role, Running: running, UpdatedAt: now}
	if table == nil {
		return r
	}
	sessions := table.Sessions()
	r.Entries = make([]RosterEntry, 0, len(sessions))
	for _, s := range sessions {
		r.Entries = append(r.Entries, entryFor(s))
	}
	return r
}

// observers fans roster snapshots out to subscribers. Changes are coalesced:
// a subscriber sees the latest roster, not every intermediate one.
type observers struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Roster)

	dirty chan struct{}
}

func newObservers() *observers {
	return &observers{
		subs:  make(map[int]func(Roster)),
		dirty: make(chan struct{}, 1),
	}
}

func (o *observers) subscribe(fn func(Roster)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// notify schedules a delivery.
func (o *observers) notify() {
	select {
	case o.dirty <- struct{}{}:
	default:
	}
}

// deliver calls every subscriber with r.
func (o *observers) deliver(r Roster) {
	o.mu.Lock()
	fns := make([]func(Roster), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(r)
	}
}

// run delivers a fresh snapshot after every notify until ctx is done.
func (o *observers) run(ctx context.Context, snap func() Roster) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.dirty:
			o.deliver(snap())
		}
	}
}

// runSampler refreshes every session's rates each interval and notifies
// observers.
func runSampler(ctx context.Context, clk clock.Clock, interval time.Duration, table *Table, o *observers) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	last := clk.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clk.Now()
			elapsed := now.Sub(last)
			last = now
			for _, s := range table.Sessions() {
				s.sample(elapsed)
			}
			o.notify()
		}
	}
}
