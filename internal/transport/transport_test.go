package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		kind    Kind
		want    Kind
		wantErr bool
	}{
		{KindTCP, KindTCP, false},
		{"", KindTCP, false},
		{KindWebSocket, KindWebSocket, false},
		{"quic", "", true},
	}
	for _, tt := range tests {
		tr, err := New(tt.kind, Options{})
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
			continue
		}
		if err == nil && tr.Kind() != tt.want {
			t.Errorf("New(%q).Kind() = %s, want %s", tt.kind, tr.Kind(), tt.want)
		}
	}
}

// exchange dials ln, echoes one message each way and closes both ends.
func exchange(t *testing.T, tr Transport, ln Listener, dialAddr string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	client, err := tr.Dial(ctx, dialAddr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept() error = %v", err)
	case <-ctx.Done():
		t.Fatal("Accept() timed out")
	}
	defer server.Close()

	ping := bytes.Repeat([]byte("ping"), 1000)
	go client.Write(ping)
	got := make([]byte, len(ping))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("server read error = %v", err)
	}
	if !bytes.Equal(got, ping) {
		t.Error("server received corrupted data")
	}

	go server.Write([]byte("pong"))
	got = make([]byte, 4)
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("client read error = %v", err)
	}
	if string(got) != "pong" {
		t.Errorf("client received %q, want pong", got)
	}
}

func TestTCPTransport_ListenDial(t *testing.T) {
	tr := NewTCPTransport(time.Second)
	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	exchange(t, tr, ln, ln.Addr().String())
}

func TestTCPTransport_AcceptAfterClose(t *testing.T) {
	tr := NewTCPTransport(0)
	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{MaxConns: 2})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ln.Close()

	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Accept() error = %v, want ErrListenerClosed", err)
	}
}

func TestTCPTransport_ListenInUse(t *testing.T) {
	tr := NewTCPTransport(0)
	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, err := tr.Listen(ln.Addr().String(), ListenOptions{}); err == nil {
		t.Error("Listen() on a bound port error = nil")
	}
}

func TestTCPTransport_DialRefused(t *testing.T) {
	tr := NewTCPTransport(time.Second)
	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := tr.Dial(context.Background(), addr); err == nil {
		t.Error("Dial() to a closed port error = nil")
	}
}

func TestWebSocketTransport_ListenDial(t *testing.T) {
	tr := NewWebSocketTransport("/relay", time.Second)
	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	exchange(t, tr, ln, ln.Addr().String())
}

func TestWebSocketTransport_AcceptClosed(t *testing.T) {
	tr := NewWebSocketTransport("", 0)
	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ln.Close()
	ln.Close()

	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Accept() error = %v, want ErrListenerClosed", err)
	}
}

func TestWebSocketTransport_URL(t *testing.T) {
	tr := NewWebSocketTransport("/relay", 0)
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{"10.0.0.1:7000", "ws://10.0.0.1:7000/relay", false},
		{"ws://example.com:80", "ws://example.com:80/relay", false},
		{"wss://example.com/custom", "wss://example.com/custom", false},
		{"no-port", "", true},
	}
	for _, tt := range tests {
		got, err := tr.url(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("url(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("url(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
