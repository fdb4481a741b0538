// Package tunnel implements the diglett connection multiplexer (spec
// §4.3): it owns one secure channel, routes inbound frames to the stream
// registry, and serializes outbound frames from many producers onto a
// single writer so that no two frames interleave on the wire.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/diglett/internal/crypto"
	"github.com/postalsys/diglett/internal/logging"
	"github.com/postalsys/diglett/internal/metrics"
	"github.com/postalsys/diglett/internal/recovery"
	"github.com/postalsys/diglett/internal/stream"
	"github.com/postalsys/diglett/internal/wire"
)

// Role identifies which peer a Conn is running as; it changes how an
// unknown stream id in an inbound Payload frame is handled (spec §4.3,
// §4.7).
type Role int

const (
	RoleAgent Role = iota
	RoleServer
)

// outboundQueueSize is the MPSC mux-writer queue capacity recommended by
// spec §4.3.
const outboundQueueSize = 256

// ErrClosed is returned by Submit and OpenLocalStream once the connection
// has torn down.
var ErrClosed = errors.New("diglett: connection closed")

// errPhaseViolation marks a frame kind that must never appear once the
// data phase has begun.
var errPhaseViolation = errors.New("diglett: phase violation")

// BackendDialer is consulted by the demux loop on the agent role when a
// Payload frame names a stream id with no local endpoint yet (spec §4.7):
// the first bytes the public client sent trigger the backend dial.
type BackendDialer interface {
	DialBackend(id uint32) (net.Conn, error)
}

// Config bundles the collaborators a Conn needs beyond the raw socket.
type Config struct {
	Role    Role
	Dialer  BackendDialer // nil on the server role
	Logger  *slog.Logger
	Metrics *metrics.Metrics // nil disables metrics
}

// Conn is one multiplexed tunnel connection: the data-phase engine that
// runs after the control state machine (internal/control) has completed
// the handshake/login/register phases.
type Conn struct {
	role    Role
	dialer  BackendDialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	raw      net.Conn
	channel  *crypto.Channel
	registry *stream.Registry

	outbound chan *wire.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Conn ready to Run over raw, secured by channel.
func New(raw net.Conn, channel *crypto.Channel, cfg Config) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Conn{
		role:     cfg.Role,
		dialer:   cfg.Dialer,
		logger:   logger,
		metrics:  cfg.Metrics,
		raw:      raw,
		channel:  channel,
		registry: stream.NewRegistry(),
		outbound: make(chan *wire.Frame, outboundQueueSize),
		closed:   make(chan struct{}),
	}
}

// Run drives the connection until a fatal error or peer disconnect,
// tearing down every live stream before returning (spec §4.3 "failure
// modes"). It blocks until the connection ends.
func (c *Conn) Run() error {
	reader := crypto.NewEncryptedReader(c.raw, c.channel)
	writer := crypto.NewEncryptedWriter(c.raw, c.channel)

	go func() {
		defer recovery.RecoverWithLog(c.logger, "tunnel.Conn.muxWriter")
		c.muxWriter(writer)
	}()

	err := c.demux(reader)
	c.teardown()
	return err
}

// Submit enqueues an outbound frame for the mux writer. Producers are the
// per-stream pump goroutines (spec §4.6/§4.7) and the demux loop itself
// (Close frames for stale streams, failed backend dials and failed local
// writes).
func (c *Conn) Submit(f *wire.Frame) error {
	select {
	case c.outbound <- f:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// OpenLocalStream binds a freshly accepted or dialed local socket to id
// and starts the goroutine that pumps its bytes out as Payload frames.
// Used proactively by the server listener manager (C6, which allocates
// the id itself on accept) and reactively by the agent's unknown-id dial
// path (C7, which only learns of an id when the first Payload for it
// arrives).
func (c *Conn) OpenLocalStream(id uint32, conn net.Conn) (*stream.Endpoint, error) {
	select {
	case <-c.closed:
		conn.Close()
		return nil, ErrClosed
	default:
	}

	ep := stream.NewEndpoint(id, conn)
	if err := c.registry.Insert(id, ep); err != nil {
		conn.Close()
		return nil, err
	}

	c.metrics.StreamOpened()

	go func() {
		defer recovery.RecoverWithLog(c.logger, "tunnel.Conn.pump")
		c.pump(ep)
	}()

	return ep, nil
}

// StreamCount reports the number of live streams, for status reporting.
func (c *Conn) StreamCount() int { return c.registry.Len() }

// HasStream reports whether id is currently bound to a live endpoint,
// without mutating the registry. Used by the server listener manager (C6)
// to probe candidate stream ids during slot allocation.
func (c *Conn) HasStream(id uint32) bool {
	_, ok := c.registry.Get(id)
	return ok
}

// Close tears down the connection from the outside (e.g. on registration
// expiry or shutdown).
func (c *Conn) Close() error {
	c.teardown()
	return nil
}

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.registry.CloseAll()
		c.raw.Close()
	})
}

// pump reads local socket bytes and submits them as Payload frames until
// EOF or error, then emits this side's own Close(id): per spec's
// half-close propagation this side's outbound direction stops producing,
// and the local socket is fully closed only if the peer's Close(id) has
// already been observed.
func (c *Conn) pump(ep *stream.Endpoint) {
	err := stream.Pump(ep, func(chunk []byte) error {
		c.metrics.FrameSent(len(chunk))
		// chunk aliases Pump's read buffer; the queued frame needs its own copy.
		payload := append([]byte(nil), chunk...)
		return c.Submit(&wire.Frame{Kind: wire.KindPayload, ID: ep.ID, Payload: payload})
	})
	if err != nil {
		c.logger.Debug("stream pump ended with error", logging.KeyStreamID, ep.ID, logging.KeyError, err)
		c.metrics.StreamError("pump_failed")
	}
	_ = c.Submit(&wire.Frame{Kind: wire.KindClose, ID: ep.ID})
}

func (c *Conn) demux(r io.Reader) error {
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return err
		}

		switch f.Kind {
		case wire.KindPayload:
			c.metrics.FrameReceived(len(f.Payload))
			c.handlePayload(f)
		case wire.KindClose:
			c.handleClose(f)
		case wire.KindTerminate:
			return fmt.Errorf("%w: received reserved TERMINATE frame", errPhaseViolation)
		default:
			return fmt.Errorf("%w: unexpected %s frame in data phase", errPhaseViolation, f.Kind)
		}
	}
}

func (c *Conn) handlePayload(f *wire.Frame) {
	ep, ok := c.registry.Get(f.ID)
	if !ok {
		c.openUnknownStream(f)
		return
	}

	if _, err := ep.Write(f.Payload); err != nil {
		c.logger.Debug("write to local stream failed", logging.KeyStreamID, f.ID, logging.KeyError, err)
		c.metrics.StreamError("write_failed")
		if removed, ok := c.registry.Remove(f.ID); ok {
			removed.Close()
		}
		_ = c.Submit(&wire.Frame{Kind: wire.KindClose, ID: f.ID})
	}
}

// openUnknownStream handles a Payload frame naming a stream id that has
// no registry entry. On the server role this is always stale (the server
// only ever learns ids through its own accept loop); on the agent role it
// is the normal trigger to dial the configured backend (spec §4.7).
func (c *Conn) openUnknownStream(f *wire.Frame) {
	if c.role == RoleServer || c.dialer == nil {
		c.logger.Debug("dropping payload for unknown stream", logging.KeyStreamID, f.ID)
		_ = c.Submit(&wire.Frame{Kind: wire.KindClose, ID: f.ID})
		return
	}

	conn, err := c.dialer.DialBackend(f.ID)
	if err != nil {
		c.logger.Warn("dial backend failed", logging.KeyStreamID, f.ID, logging.KeyError, err)
		c.metrics.StreamError("dial_failed")
		_ = c.Submit(&wire.Frame{Kind: wire.KindClose, ID: f.ID})
		return
	}

	ep, err := c.OpenLocalStream(f.ID, conn)
	if err != nil {
		_ = c.Submit(&wire.Frame{Kind: wire.KindClose, ID: f.ID})
		return
	}

	if len(f.Payload) > 0 {
		if _, err := ep.Write(f.Payload); err != nil {
			c.logger.Debug("initial backend write failed", logging.KeyStreamID, f.ID, logging.KeyError, err)
		}
	}
}

// handleClose handles the peer's Close(id): the registry entry is removed
// immediately (it is only a send-side routing table, and the peer will
// send no more frames for this id), but the local socket itself is only
// half-closed. The peer's Close means the peer's own local read loop has
// stopped producing Payload frames, not that this side's reverse-direction
// bytes are done; that direction keeps running until its own local pump
// hits EOF and calls MarkLocalDone, at which point the endpoint is fully
// torn down.
func (c *Conn) handleClose(f *wire.Frame) {
	ep, ok := c.registry.Remove(f.ID)
	if !ok {
		// Close for an already-closed (or never-seen) stream is a no-op,
		// per spec's Open Questions.
		return
	}
	c.metrics.StreamClosed()
	ep.MarkRemoteDone()
}

func (c *Conn) muxWriter(w io.Writer) {
	for {
		select {
		case f, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := wire.WriteFrame(w, f); err != nil {
				c.logger.Debug("mux writer failed", logging.KeyError, err)
				c.teardown()
				return
			}
		case <-c.closed:
			return
		}
	}
}
