package control

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/diglett/internal/crypto"
	"github.com/postalsys/diglett/internal/logging"
	"github.com/postalsys/diglett/internal/metrics"
	"github.com/postalsys/diglett/internal/tunnel"
	"github.com/postalsys/diglett/internal/wire"
)

// AgentConfig bundles the agent role's external collaborators.
type AgentConfig struct {
	Token []byte
	Name  string

	Dialer tunnel.BackendDialer

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

func (c *AgentConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
}

// RunAgent drives the agent-role control phases to completion over raw:
// HANDSHAKE, LOGIN, REGISTER, FINISH_REGISTER, mirroring RunServer. On
// success it returns a *tunnel.Conn ready for the caller to Run() as the
// DATA phase. The caller owns raw and must close it.
func RunAgent(raw net.Conn, local *crypto.Keypair, cfg AgentConfig) (*tunnel.Conn, error) {
	cfg.setDefaults()

	if err := raw.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	start := time.Now()
	hs, err := crypto.Negotiate(raw, crypto.Initiator, local)
	if err != nil {
		cfg.Metrics.RecordHandshakeError("handshake_failed")
		return nil, fmt.Errorf("handshake: %w", err)
	}
	cfg.Metrics.RecordHandshake(time.Since(start).Seconds())

	conn := tunnel.New(raw, hs.Channel, tunnel.Config{
		Role:    tunnel.RoleAgent,
		Dialer:  cfg.Dialer,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})

	reader := crypto.NewEncryptedReader(raw, hs.Channel)
	writer := crypto.NewEncryptedWriter(raw, hs.Channel)

	if err := agentLogin(raw, reader, writer, &cfg); err != nil {
		return nil, err
	}

	if err := agentRegister(raw, reader, writer, &cfg); err != nil {
		return nil, err
	}

	// FinishRegister has no response on the wire; the agent must not
	// block awaiting one (spec's Open Questions).
	if err := wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindFinishRegister, ID: 0}); err != nil {
		return nil, fmt.Errorf("write finish-register: %w", err)
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear control deadline: %w", err)
	}

	return conn, nil
}

func agentLogin(raw net.Conn, reader *crypto.EncryptedReader, writer *crypto.EncryptedWriter, cfg *AgentConfig) error {
	if err := wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindLogin, ID: 0, Payload: cfg.Token}); err != nil {
		return fmt.Errorf("write login: %w", err)
	}

	if err := raw.SetReadDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
		return err
	}
	f, err := wire.ReadFrame(reader)
	if err != nil {
		return fmt.Errorf("read login response: %w", err)
	}

	switch f.Kind {
	case wire.KindOk:
		return nil
	case wire.KindError:
		cfg.Metrics.RecordHandshakeError("bad_token")
		return fmt.Errorf("%w: %s", ErrBadToken, f.Payload)
	default:
		return fmt.Errorf("%w: unexpected %s frame in reply to Login", ErrPhaseViolation, f.Kind)
	}
}

func agentRegister(raw net.Conn, reader *crypto.EncryptedReader, writer *crypto.EncryptedWriter, cfg *AgentConfig) error {
	regID := wire.RegisterID(0) // the core pins registration-id to 0 (spec §3)

	if err := wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindRegister, ID: regID, Payload: []byte(cfg.Name)}); err != nil {
		return fmt.Errorf("write register: %w", err)
	}

	if err := raw.SetReadDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
		return err
	}
	f, err := wire.ReadFrame(reader)
	if err != nil {
		return fmt.Errorf("read register response: %w", err)
	}

	switch f.Kind {
	case wire.KindOk:
		return nil
	case wire.KindError:
		return fmt.Errorf("%w: %s", ErrUnauthorizedName, f.Payload)
	default:
		return fmt.Errorf("%w: unexpected %s frame in reply to Register", ErrPhaseViolation, f.Kind)
	}
}
