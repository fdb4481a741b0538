package backend

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestDialerDialBackendRoundTrips(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	d := NewDialer(Config{Address: ln.Addr().String(), ConnectTimeout: time.Second})

	conn, err := d.DialBackend(1)
	if err != nil {
		t.Fatalf("DialBackend: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}
}

func TestDialerDialBackendFailsOnUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // free the port but keep a (very likely) unreachable address

	d := NewDialer(Config{Address: addr, ConnectTimeout: 200 * time.Millisecond})
	if _, err := d.DialBackend(1); err == nil {
		t.Fatal("expected error dialing closed listener, got nil")
	}
}
