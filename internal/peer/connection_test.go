package peer

import (
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/1143910315/RainWorldConnect/internal/protocol"
)

func pipePair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	ca := NewConnection("dialer", a)
	cb := NewConnection("acceptor", b)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateHandshaking, "HANDSHAKING"},
		{StateAuthenticated, "AUTHENTICATED"},
		{StateClosed, "CLOSED"},
		{ConnectionState(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}

func TestConnection_SendAndReadLoop(t *testing.T) {
	client, host := pipePair(t)

	want := []protocol.Package{
		&protocol.BindPort{Port: 9001},
		&protocol.Forward{Port: 9001, Payload: []byte("datagram")},
		&protocol.AuthenticationChallenge{},
	}

	got := make(chan protocol.Frame, len(want))
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- host.ReadLoop(func(f protocol.Frame) error {
			got <- f
			return nil
		})
	}()

	before := client.LastActivity()
	time.Sleep(time.Millisecond)
	for _, p := range want {
		n, err := client.Send(p)
		if err != nil {
			t.Fatalf("Send(%s) error = %v", p.Tag(), err)
		}
		if n != protocol.Size(p) {
			t.Errorf("Send(%s) = %d, want %d", p.Tag(), n, protocol.Size(p))
		}
	}

	for i, p := range want {
		select {
		case f := <-got:
			if !reflect.DeepEqual(f.Package, p) {
				t.Errorf("frame %d = %v, want %s", i, f, protocol.Describe(p))
			}
			if f.Len != protocol.Size(p) {
				t.Errorf("frame %d Len = %d, want %d", i, f.Len, protocol.Size(p))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}

	if !client.LastActivity().After(before) {
		t.Errorf("LastActivity() = %v, not after %v", client.LastActivity(), before)
	}
	if !host.LastActivity().After(before) {
		t.Errorf("host LastActivity() = %v, not after %v", host.LastActivity(), before)
	}

	host.Close()
	select {
	case err := <-loopErr:
		if err != nil {
			t.Errorf("ReadLoop() after local close error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not exit after Close")
	}
}

func TestConnection_ReadLoopFramingError(t *testing.T) {
	a, b := net.Pipe()
	host := NewConnection("h", b)
	defer host.Close()
	defer a.Close()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- host.ReadLoop(func(protocol.Frame) error { return nil })
	}()

	// Tag 0x7f000000 is not a registered package.
	if _, err := a.Write([]byte{0, 0, 0, 0x7f}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-loopErr:
		if !errors.Is(err, protocol.ErrUnknownPackage) {
			t.Errorf("ReadLoop() error = %v, want ErrUnknownPackage", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not stop on framing error")
	}
}

func TestConnection_HandlerErrorStopsLoop(t *testing.T) {
	client, host := pipePair(t)
	stop := errors.New("stop")

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- host.ReadLoop(func(protocol.Frame) error { return stop })
	}()

	if _, err := client.Send(&protocol.BindPort{Port: 1}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-loopErr:
		if !errors.Is(err, stop) {
			t.Errorf("ReadLoop() error = %v, want %v", err, stop)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not stop")
	}
}

func TestConnection_RemoteCloseEndsLoop(t *testing.T) {
	client, host := pipePair(t)

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- host.ReadLoop(func(protocol.Frame) error { return nil })
	}()

	client.Close()
	select {
	case err := <-loopErr:
		if err != nil {
			t.Errorf("ReadLoop() error = %v, want nil on remote close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not exit")
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	client, _ := pipePair(t)

	client.SetState(StateAuthenticated)
	if client.State() != StateAuthenticated {
		t.Errorf("State() = %s, want AUTHENTICATED", client.State())
	}

	client.Close()
	client.Close()

	select {
	case <-client.Done():
	default:
		t.Error("Done() not closed")
	}

	client.SetState(StateAuthenticated)
	if client.State() != StateClosed {
		t.Errorf("State() = %s after Close, want CLOSED", client.State())
	}
	if _, err := client.Send(&protocol.BindPort{}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send() after Close error = %v, want ErrConnectionClosed", err)
	}
}

func TestConnection_ConcurrentSends(t *testing.T) {
	client, host := pipePair(t)

	const senders, perSender = 4, 50
	received := make(chan protocol.Frame, senders*perSender)
	go host.ReadLoop(func(f protocol.Frame) error {
		received <- f
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(port int32) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				client.Send(&protocol.Forward{Port: port, Payload: make([]byte, 100)})
			}
		}(int32(9000 + i))
	}
	wg.Wait()

	for i := 0; i < senders*perSender; i++ {
		select {
		case f := <-received:
			fw, ok := f.Package.(*protocol.Forward)
			if !ok || len(fw.Payload) != 100 {
				t.Fatalf("interleaved frame %v", f)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d frames, want %d", i, senders*perSender)
		}
	}
}

func TestConnection_String(t *testing.T) {
	client, _ := pipePair(t)
	if s := client.String(); s == "" {
		t.Error("String() is empty")
	}
}
