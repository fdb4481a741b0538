// Package stream implements the diglett stream registry: the map from
// 32-bit stream id to the local byte-stream endpoint it is bound to, and
// the per-stream half-close bookkeeping needed to propagate TCP EOF across
// the tunnel gracefully (spec §3, §4.4).
package stream

import (
	"errors"
	"io"
	"net"
	"sync"
)

// State describes a stream endpoint's lifecycle.
type State int32

const (
	// StateOpen: the local socket's read side has not hit EOF yet. The
	// peer's Close(id) may already have half-closed its write side; that
	// is not reported as a separate state.
	StateOpen State = iota

	// StateLocalDone: the local socket's read side hit EOF and this side
	// has emitted its own Close(id); inbound bytes may still arrive and
	// are still written to the local socket.
	StateLocalDone

	// StateClosed: both directions are done (this side's local EOF and
	// the peer's Close(id) have both been observed, or the multiplexer
	// tore down outright); the local socket is fully closed.
	StateClosed
)

// ErrAlreadyExists is returned by Registry.Insert when the stream id is
// already bound to an endpoint.
var ErrAlreadyExists = errors.New("diglett: stream id already registered")

// Endpoint is the local byte-stream socket bound to one stream id: the
// accepted public TCP socket on the server, the dialed backend socket on
// the agent. A Registry holds only a reference to it (spec §3 "weak
// reference, send-only handle").
type Endpoint struct {
	ID   uint32
	conn net.Conn

	mu         sync.Mutex
	localDone  bool
	remoteDone bool
	closed     bool
}

// NewEndpoint wraps conn as a registry entry for id.
func NewEndpoint(id uint32, conn net.Conn) *Endpoint {
	return &Endpoint{ID: id, conn: conn}
}

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return StateClosed
	case e.localDone:
		return StateLocalDone
	default:
		return StateOpen
	}
}

// Write delivers inbound payload bytes from the peer to the local socket.
// It is only ever called from the demux goroutine, satisfying the
// single-writer discipline of spec §5.
func (e *Endpoint) Write(p []byte) (int, error) {
	return e.conn.Write(p)
}

// MarkLocalDone records that this side's local read loop hit EOF or error
// and has sent its own outbound Close(id); the local socket stays open so
// that any still-inflight inbound bytes from the peer can still be
// written to it. Once the peer's own Close(id) has also been observed,
// the local socket is fully closed.
func (e *Endpoint) MarkLocalDone() {
	e.mu.Lock()
	alreadyLocalDone := e.localDone
	e.localDone = true
	bothDone := e.remoteDone
	e.mu.Unlock()

	if !alreadyLocalDone && bothDone {
		e.Close()
	}
}

// MarkRemoteDone records that the peer's Close(id) was observed: the
// peer's own local read loop has stopped producing Payload frames for
// this stream. It half-closes the local socket's write side, since no
// more inbound bytes will ever be written to it, while leaving this
// side's own read loop running until it hits its own local EOF. Once
// both directions have signaled done, the local socket is fully closed.
// Safe to call more than once.
func (e *Endpoint) MarkRemoteDone() {
	e.mu.Lock()
	alreadyRemoteDone := e.remoteDone
	e.remoteDone = true
	bothDone := e.localDone
	e.mu.Unlock()

	if alreadyRemoteDone {
		return
	}

	if bothDone {
		e.Close()
		return
	}
	e.closeWrite()
}

// closeWrite half-closes the local socket's write side when possible,
// matching the FIN-on-write-done idiom for a half-duplex-aware stream.
// Connections with no half-close support (e.g. net.Pipe in tests) fall
// back to a full close.
func (e *Endpoint) closeWrite() {
	if tc, ok := e.conn.(*net.TCPConn); ok {
		tc.CloseWrite()
		return
	}
	e.Close()
}

// Close fully tears down the local socket. Safe to call more than once;
// only the first call has effect (spec's open question: a Close for an
// already-closed stream is a no-op).
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	return e.conn.Close()
}

// Registry is the stream-id -> endpoint map described in spec §4.4.
// Mutated only by the demux loop and by stream-opener paths on both
// sides, per the confined single-writer discipline of §5.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint32]*Endpoint
}

// NewRegistry creates an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint32]*Endpoint)}
}

// Insert binds id to ep, or returns ErrAlreadyExists if id is already live.
func (r *Registry) Insert(id uint32, ep *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return ErrAlreadyExists
	}
	r.entries[id] = ep
	return nil
}

// Get returns the endpoint bound to id, if any.
func (r *Registry) Get(id uint32) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.entries[id]
	return ep, ok
}

// Remove unbinds id and returns the endpoint that was there, if any.
func (r *Registry) Remove(id uint32) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return ep, ok
}

// Drain removes and returns every live endpoint, for use during connection
// teardown (spec §4.3 "all live streams in C4 are torn down").
func (r *Registry) Drain() []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Endpoint, 0, len(r.entries))
	for id, ep := range r.entries {
		out = append(out, ep)
		delete(r.entries, id)
	}
	return out
}

// Len reports the number of live streams, for metrics/status reporting.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll closes every endpoint currently registered, draining the
// registry in the process.
func (r *Registry) CloseAll() {
	for _, ep := range r.Drain() {
		_ = ep.Close()
	}
}

// copyBuffer is the per-goroutine scratch buffer size used when pumping
// bytes from a local socket into outbound Payload frames (spec §4.6/§4.7).
// Sized to the maximum single-frame payload so one read maps to exactly
// one Payload frame.
const copyBuffer = 65535

// PumpFunc is called by Pump with a chunk of bytes read from the local
// socket; it submits an outbound Payload frame and reports any send error.
// chunk aliases Pump's read buffer and is overwritten by the next read, so
// a PumpFunc that keeps it after returning must copy it.
type PumpFunc func(chunk []byte) error

// Pump reads from ep's local socket until EOF or error, invoking send for
// every non-empty chunk, then marks the endpoint local-done. The local
// socket is fully closed at that point only if the peer's Close(id) has
// already been observed; otherwise that happens when the demux loop
// observes it (spec §4.4 lifecycle).
func Pump(ep *Endpoint, send PumpFunc) error {
	buf := make([]byte, copyBuffer)
	for {
		n, err := ep.conn.Read(buf)
		if n > 0 {
			if sendErr := send(buf[:n]); sendErr != nil {
				ep.MarkLocalDone()
				return sendErr
			}
		}
		if err != nil {
			ep.MarkLocalDone()
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
