package tunnel

import (
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/diglett/internal/crypto"
	"github.com/postalsys/diglett/internal/wire"
)

type dialerFunc func(id uint32) (net.Conn, error)

func (f dialerFunc) DialBackend(id uint32) (net.Conn, error) { return f(id) }

// newChannelPair returns two *crypto.Channel built from the same random
// session key, simulating the two ends of one completed handshake.
func newChannelPair(t *testing.T) (*crypto.Channel, *crypto.Channel) {
	t.Helper()
	var key [crypto.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	a, err := crypto.NewChannel(key)
	if err != nil {
		t.Fatalf("NewChannel(a): %v", err)
	}
	b, err := crypto.NewChannel(key)
	if err != nil {
		t.Fatalf("NewChannel(b): %v", err)
	}
	return a, b
}

func readFrameFrom(t *testing.T, raw net.Conn, ch *crypto.Channel) *wire.Frame {
	t.Helper()
	r := crypto.NewEncryptedReader(raw, ch)
	f, err := wire.ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return f
}

func writeFrameTo(t *testing.T, raw net.Conn, ch *crypto.Channel, f *wire.Frame) {
	t.Helper()
	w := crypto.NewEncryptedWriter(raw, ch)
	if err := wire.WriteFrame(w, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func TestConnDeliversKnownStreamPayload(t *testing.T) {
	rawA, rawB := net.Pipe()
	chA, chB := newChannelPair(t)

	localA, localB := net.Pipe()
	defer localB.Close()

	conn := New(rawA, chA, Config{Role: RoleServer})
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run() }()
	defer conn.Close()

	id := wire.StreamID(1, 100)
	if _, err := conn.OpenLocalStream(id, localA); err != nil {
		t.Fatalf("OpenLocalStream: %v", err)
	}

	writeFrameTo(t, rawB, chB, &wire.Frame{Kind: wire.KindPayload, ID: id, Payload: []byte("hello")})

	buf := make([]byte, 5)
	localB.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(localB, buf); err != nil {
		t.Fatalf("read local socket: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want %q", buf, "hello")
	}
}

func TestConnDropsUnknownStreamOnServerRole(t *testing.T) {
	rawA, rawB := net.Pipe()
	chA, chB := newChannelPair(t)

	conn := New(rawA, chA, Config{Role: RoleServer})
	go conn.Run()
	defer conn.Close()

	id := wire.StreamID(1, 200)
	writeFrameTo(t, rawB, chB, &wire.Frame{Kind: wire.KindPayload, ID: id, Payload: []byte("stray")})

	rawB.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := readFrameFrom(t, rawB, chB)
	if got.Kind != wire.KindClose || got.ID != id {
		t.Fatalf("got %v/%d, want Close/%d", got.Kind, got.ID, id)
	}
}

func TestConnDialsBackendOnUnknownStreamAgentRole(t *testing.T) {
	rawA, rawB := net.Pipe()
	chA, chB := newChannelPair(t)

	backendConn, backendPeer := net.Pipe()
	defer backendPeer.Close()

	dialer := dialerFunc(func(id uint32) (net.Conn, error) { return backendConn, nil })
	conn := New(rawA, chA, Config{Role: RoleAgent, Dialer: dialer})
	go conn.Run()
	defer conn.Close()

	id := wire.StreamID(7, 0)
	writeFrameTo(t, rawB, chB, &wire.Frame{Kind: wire.KindPayload, ID: id, Payload: []byte("req")})

	buf := make([]byte, 3)
	backendPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(backendPeer, buf); err != nil {
		t.Fatalf("read backend socket: %v", err)
	}
	if string(buf) != "req" {
		t.Fatalf("got %q, want %q", buf, "req")
	}

	if _, err := backendPeer.Write([]byte("resp")); err != nil {
		t.Fatalf("write backend reply: %v", err)
	}

	rawB.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := readFrameFrom(t, rawB, chB)
	if got.Kind != wire.KindPayload || got.ID != id || string(got.Payload) != "resp" {
		t.Fatalf("got %v/%d/%q, want Payload/%d/%q", got.Kind, got.ID, got.Payload, id, "resp")
	}
}

func TestConnPumpEmitsCloseOnLocalEOF(t *testing.T) {
	rawA, rawB := net.Pipe()
	chA, chB := newChannelPair(t)

	localA, localB := net.Pipe()

	conn := New(rawA, chA, Config{Role: RoleServer})
	go conn.Run()
	defer conn.Close()

	id := wire.StreamID(2, 50)
	if _, err := conn.OpenLocalStream(id, localA); err != nil {
		t.Fatalf("OpenLocalStream: %v", err)
	}

	localB.Close() // local peer hangs up -> pump observes EOF

	rawB.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := readFrameFrom(t, rawB, chB)
	if got.Kind != wire.KindClose || got.ID != id {
		t.Fatalf("got %v/%d, want Close/%d", got.Kind, got.ID, id)
	}
}

// tcpLoopbackPair returns two connected *net.TCPConn, the only net.Conn
// implementation that supports CloseWrite, for tests that need to observe
// a genuine half-close rather than net.Pipe's full-duplex-only teardown.
func tcpLoopbackPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case accepted := <-acceptedCh:
		return accepted.(*net.TCPConn), dialed.(*net.TCPConn)
	case err := <-acceptErrCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not complete")
	}
	panic("unreachable")
}

// TestConnHandleCloseRemovesStream confirms the registry entry is gone
// immediately once the peer's Close(id) is observed. On a TCP socket the
// local socket itself is then only half-closed (see
// TestConnHandleCloseHalfClosesLocalSocket); the net.Pipe used here has no
// half-close, so it is fully closed.
func TestConnHandleCloseRemovesStream(t *testing.T) {
	rawA, rawB := net.Pipe()
	chA, chB := newChannelPair(t)

	localA, localB := net.Pipe()
	defer localB.Close()

	conn := New(rawA, chA, Config{Role: RoleServer})
	go conn.Run()
	defer conn.Close()

	id := wire.StreamID(3, 9)
	if _, err := conn.OpenLocalStream(id, localA); err != nil {
		t.Fatalf("OpenLocalStream: %v", err)
	}

	writeFrameTo(t, rawB, chB, &wire.Frame{Kind: wire.KindClose, ID: id})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.StreamCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stream %d was not removed after peer Close", id)
}

// TestConnHandleCloseHalfClosesLocalSocket is the regression test for the
// scenario in spec.md §8 scenario 1: a peer's Close(id) must only
// half-close the local socket's write side. The local read side keeps
// running, and any bytes it picks up still reach the peer as Payload
// frames, until it hits its own EOF and emits its own independent
// Close(id).
func TestConnHandleCloseHalfClosesLocalSocket(t *testing.T) {
	rawA, rawB := net.Pipe()
	chA, chB := newChannelPair(t)

	localA, localB := tcpLoopbackPair(t)
	defer localB.Close()

	conn := New(rawA, chA, Config{Role: RoleServer})
	go conn.Run()
	defer conn.Close()

	id := wire.StreamID(3, 9)
	if _, err := conn.OpenLocalStream(id, localA); err != nil {
		t.Fatalf("OpenLocalStream: %v", err)
	}

	// The peer declares it is done sending for this stream.
	writeFrameTo(t, rawB, chB, &wire.Frame{Kind: wire.KindClose, ID: id})

	// localA's write side must be half-closed: localB observes EOF on
	// read, without localA's read side (and thus the pump) dying.
	localB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := localB.Read(make([]byte, 1))
	if n != 0 || err != io.EOF {
		t.Fatalf("localB.Read() = %d, %v, want 0, io.EOF", n, err)
	}

	// The reverse direction is still alive: bytes written from localB
	// must still reach the peer as a Payload frame for id, proving the
	// local socket was not fully torn down by the Close above.
	if _, err := localB.Write([]byte("still flowing")); err != nil {
		t.Fatalf("localB.Write: %v", err)
	}

	rawB.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := readFrameFrom(t, rawB, chB)
	if got.Kind != wire.KindPayload || got.ID != id || string(got.Payload) != "still flowing" {
		t.Fatalf("got %v/%d/%q, want Payload/%d/%q", got.Kind, got.ID, got.Payload, id, "still flowing")
	}

	// Once localB also hangs up, the local pump hits its own EOF and
	// emits this side's own, independent Close(id).
	localB.Close()

	rawB.SetReadDeadline(time.Now().Add(2 * time.Second))
	got = readFrameFrom(t, rawB, chB)
	if got.Kind != wire.KindClose || got.ID != id {
		t.Fatalf("got %v/%d, want Close/%d", got.Kind, got.ID, id)
	}
}

func TestConnFailsOnUnexpectedControlFrame(t *testing.T) {
	rawA, rawB := net.Pipe()
	chA, chB := newChannelPair(t)

	conn := New(rawA, chA, Config{Role: RoleAgent})
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run() }()

	writeFrameTo(t, rawB, chB, &wire.Frame{Kind: wire.KindRegister, ID: 0, Payload: []byte("name")})

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("Run() returned nil error, want phase violation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after unexpected control frame")
	}
}
