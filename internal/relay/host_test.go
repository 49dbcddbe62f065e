package relay

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/1143910315/RainWorldConnect/internal/logging"
	"github.com/1143910315/RainWorldConnect/internal/peer"
	"github.com/1143910315/RainWorldConnect/internal/protocol"
)

func TestReadFrames_HandlerPanic(t *testing.T) {
	a, b := net.Pipe()
	conn := peer.NewConnection("h", b)
	defer conn.Close()
	defer a.Close()

	go protocol.NewFrameWriter(a).Write(&protocol.BindPort{Port: 1})

	done := make(chan error, 1)
	go func() {
		done <- readFrames(logging.NopLogger(), "test", conn, func(protocol.Frame) error {
			panic("boom")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, errHandlerPanic) {
			t.Errorf("readFrames() error = %v, want errHandlerPanic", err)
		}
		if got := closeReason(err); got != "panic" {
			t.Errorf("closeReason() = %q, want panic", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("readFrames did not return after a handler panic")
	}
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "closed"},
		{&protocol.UnknownTagError{Tag: 99}, "framing"},
		{fmt.Errorf("FORWARD: %w", protocol.ErrCorruptPackage), "framing"},
		{fmt.Errorf("announce: %w", ErrRoomIdentityLimit), "auth_limit"},
		{fmt.Errorf("%w: boom", errHandlerPanic), "panic"},
		{errors.New("reset"), "error"},
	}
	for _, tt := range tests {
		if got := closeReason(tt.err); got != tt.want {
			t.Errorf("closeReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestEntryFor_ConnectionDetails(t *testing.T) {
	s := pipeSession(t, "c1")
	s.conn.SetState(peer.StateAuthenticated)

	e := entryFor(s)
	if e.State != "AUTHENTICATED" {
		t.Errorf("State = %q, want AUTHENTICATED", e.State)
	}
	if e.LastActivity.IsZero() {
		t.Error("LastActivity is zero for a connected session")
	}

	self := entryFor(newSelfSession())
	if self.State != "" || !self.LastActivity.IsZero() {
		t.Errorf("self entry = %+v, want no connection details", self)
	}
}
