// Package backend implements the diglett agent's backend dialer (spec
// §4.7): it satisfies tunnel.BackendDialer by dialing a single fixed local
// address for every stream id the server opens against the agent's
// registration.
package backend

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/diglett/internal/logging"
	"github.com/postalsys/diglett/internal/metrics"
)

// Dialer dials the configured backend address on demand.
type Dialer struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Config bundles a Dialer's tunables.
type Config struct {
	Address        string
	ConnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewDialer constructs a Dialer for cfg.Address. ConnectTimeout defaults to
// 10 seconds when zero.
func NewDialer(cfg Config) *Dialer {
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Dialer{
		addr:    cfg.Address,
		timeout: timeout,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// DialBackend satisfies tunnel.BackendDialer: it dials the configured
// backend address, ignoring id beyond logging, since a diglett agent
// forwards its single registration to a single backend target.
func (d *Dialer) DialBackend(id uint32) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.Dial("tcp", d.addr)
	if err != nil {
		d.metrics.StreamError("backend_dial_failed")
		return nil, fmt.Errorf("backend: dial %s: %w", d.addr, err)
	}

	d.logger.Debug("backend dialed", logging.KeyStreamID, id, "address", d.addr)
	return conn, nil
}
