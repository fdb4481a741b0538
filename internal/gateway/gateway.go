// Package gateway implements the diglett server's listener manager (spec
// §4.6): one TCP listener per accepted registration, accepting public
// connections and handing each off to the owning tunnel connection as a
// freshly allocated stream.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/diglett/internal/logging"
	"github.com/postalsys/diglett/internal/metrics"
	"github.com/postalsys/diglett/internal/recovery"
	"github.com/postalsys/diglett/internal/tunnel"
	"github.com/postalsys/diglett/internal/wire"
	"golang.org/x/time/rate"
)

// errNoFreeSlot is returned when every 16-bit slot for a registration is
// already in use, which requires 65536 live streams on one registration.
var errNoFreeSlot = errors.New("gateway: no free stream slot")

// Config bundles the manager's tunables.
type Config struct {
	// BindAddr is the interface per-registration listeners bind to.
	// Defaults to loopback (spec §4.6); set to a public interface only
	// when not sitting behind an external ingress reverse proxy.
	BindAddr string

	// AcceptRatePerSecond and AcceptBurst bound how fast a single
	// registration's listener accepts new public connections, guarding
	// against connection floods.
	AcceptRatePerSecond float64
	AcceptBurst         int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1"
	}
	if c.AcceptRatePerSecond <= 0 {
		c.AcceptRatePerSecond = 50
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 100
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
}

// Registration is the bookkeeping record for one accepted subdomain
// registration (spec §3.1): its name, bound listener, and the counters a
// status surface would report against.
type Registration struct {
	Name      string
	Port      uint16
	CreatedAt time.Time

	listener net.Listener
	conn     *tunnel.Conn
	limiter  *rate.Limiter

	nextSlot   uint16 // owned solely by this registration's accept goroutine
	streamsOK  int64
	streamsErr int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// StreamsAccepted reports the number of streams this registration has
// successfully opened, for status reporting.
func (r *Registration) StreamsAccepted() int64 { return r.streamsOK }

// Manager implements control.Binder: it owns every live registration's
// public listener and accept loop.
type Manager struct {
	cfg Config

	mu   sync.Mutex
	regs map[string]*Registration
}

// NewManager constructs a Manager. cfg.BindAddr, AcceptRatePerSecond and
// AcceptBurst fall back to defaults when zero.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:  cfg,
		regs: make(map[string]*Registration),
	}
}

// Bind starts a public listener for name on an OS-chosen port and begins
// accepting connections into conn. It satisfies control.Binder.
func (m *Manager) Bind(conn *tunnel.Conn, name string) (uint16, error) {
	m.mu.Lock()
	if _, exists := m.regs[name]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("gateway: name %q already registered", name)
	}
	m.mu.Unlock()

	ln, err := net.Listen("tcp", net.JoinHostPort(m.cfg.BindAddr, "0"))
	if err != nil {
		return 0, fmt.Errorf("gateway: listen for %q: %w", name, err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	reg := &Registration{
		Name:      name,
		Port:      port,
		CreatedAt: time.Now(),
		listener:  ln,
		conn:      conn,
		limiter:   rate.NewLimiter(rate.Limit(m.cfg.AcceptRatePerSecond), m.cfg.AcceptBurst),
		stopCh:    make(chan struct{}),
	}

	m.mu.Lock()
	m.regs[name] = reg
	m.mu.Unlock()

	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()
		defer recovery.RecoverWithLog(m.cfg.Logger, "gateway.Manager.acceptLoop")
		m.acceptLoop(reg)
	}()

	m.cfg.Logger.Info("registration bound", "name", name, "port", port)
	return port, nil
}

// Unbind stops name's listener, closes its accept loop, and drops it from
// the manager. It satisfies control.Binder. Safe to call for an unknown or
// already-unbound name.
func (m *Manager) Unbind(name string, port uint16) {
	m.mu.Lock()
	reg, ok := m.regs[name]
	if ok {
		delete(m.regs, name)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	close(reg.stopCh)
	reg.listener.Close()
	reg.wg.Wait()

	m.cfg.Logger.Info("registration released",
		"name", name,
		"port", port,
		"streams_accepted", humanize.Comma(reg.streamsOK),
		"registered", humanize.Time(reg.CreatedAt))
}

// Registrations returns a snapshot of every currently bound registration,
// for a status surface.
func (m *Manager) Registrations() []*Registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Registration, 0, len(m.regs))
	for _, reg := range m.regs {
		out = append(out, reg)
	}
	return out
}

func (m *Manager) acceptLoop(reg *Registration) {
	for {
		conn, err := reg.listener.Accept()
		if err != nil {
			select {
			case <-reg.stopCh:
				return
			default:
				m.cfg.Logger.Debug("accept error", "name", reg.Name, logging.KeyError, err)
				continue
			}
		}

		if !reg.limiter.Allow() {
			m.cfg.Logger.Debug("accept rate exceeded, dropping connection", "name", reg.Name)
			conn.Close()
			continue
		}

		id, err := allocateStreamID(reg)
		if err != nil {
			m.cfg.Logger.Warn("stream id allocation failed", "name", reg.Name, logging.KeyError, err)
			conn.Close()
			continue
		}

		if _, err := reg.conn.OpenLocalStream(id, conn); err != nil {
			reg.streamsErr++
			m.cfg.Logger.Debug("open local stream failed", "name", reg.Name, logging.KeyStreamID, id, logging.KeyError, err)
			continue
		}
		reg.streamsOK++
	}
}

// allocateStreamID picks the next unused slot for reg's registration,
// wrapping around the 16-bit slot space and probing reg.conn's registry
// for uniqueness (spec §4.6's sanctioned alternative to reusing the OS's
// ephemeral accept port, which risks collisions across client IPs).
func allocateStreamID(reg *Registration) (uint32, error) {
	const registrationID = 0 // the core pins registration-id to 0 (spec §3)

	for i := 0; i < 1<<16; i++ {
		slot := reg.nextSlot
		reg.nextSlot++
		id := wire.StreamID(registrationID, slot)
		if !reg.conn.HasStream(id) {
			return id, nil
		}
	}
	return 0, errNoFreeSlot
}
