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

// Binder is consulted once a Register frame is accepted; it starts
// serving the registration's public listener against conn (spec C6) and
// reports the OS-chosen port. Unbind releases it on teardown.
type Binder interface {
	Bind(conn *tunnel.Conn, name string) (port uint16, err error)
	Unbind(name string, port uint16)
}

// ServerConfig bundles the server role's external collaborators.
type ServerConfig struct {
	Authenticator Authenticator
	Configurator  Configurator
	Binder        Binder

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

func (c *ServerConfig) setDefaults() {
	if c.Authenticator == nil {
		c.Authenticator = AllowAllAuthenticator{}
	}
	if c.Configurator == nil {
		c.Configurator = PrintConfigurator{Logger: c.Logger}
	}
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

// RunServer drives the server-role control phases to completion over raw:
// HANDSHAKE, LOGIN, REGISTER_LOOP. On success it returns a *tunnel.Conn
// ready for the caller to Run() as the DATA phase, and the registration
// that was accepted. The caller owns raw and must close it; RunServer
// only ever sets deadlines on it.
func RunServer(raw net.Conn, local *crypto.Keypair, cfg ServerConfig) (*tunnel.Conn, *Registration, error) {
	cfg.setDefaults()

	if cfg.Binder == nil {
		return nil, nil, fmt.Errorf("diglett: control: ServerConfig.Binder is required")
	}

	if err := raw.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return nil, nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	start := time.Now()
	hs, err := crypto.Negotiate(raw, crypto.Responder, local)
	if err != nil {
		cfg.Metrics.RecordHandshakeError("handshake_failed")
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	cfg.Metrics.RecordHandshake(time.Since(start).Seconds())

	conn := tunnel.New(raw, hs.Channel, tunnel.Config{
		Role:    tunnel.RoleServer,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})

	reader := crypto.NewEncryptedReader(raw, hs.Channel)
	writer := crypto.NewEncryptedWriter(raw, hs.Channel)

	identity, err := runServerLogin(raw, reader, writer, &cfg)
	if err != nil {
		return nil, nil, err
	}

	reg, err := runServerRegisterLoop(raw, reader, writer, &cfg, conn, identity)
	if err != nil {
		return nil, nil, err
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, nil, fmt.Errorf("clear control deadline: %w", err)
	}

	return conn, reg, nil
}

func runServerLogin(raw net.Conn, reader *crypto.EncryptedReader, writer *crypto.EncryptedWriter, cfg *ServerConfig) (Identity, error) {
	if err := raw.SetReadDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
		return nil, err
	}
	f, err := wire.ReadFrame(reader)
	if err != nil {
		return nil, fmt.Errorf("read login frame: %w", err)
	}
	if f.Kind != wire.KindLogin {
		return nil, fmt.Errorf("%w: expected Login, got %s", ErrPhaseViolation, f.Kind)
	}

	identity, err := cfg.Authenticator.Authenticate(f.Payload)
	if err != nil {
		cfg.Metrics.RecordHandshakeError("bad_token")
		_ = wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindError, ID: 0, Payload: []byte("unauthorized")})
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}

	if err := wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindOk, ID: 0}); err != nil {
		return nil, fmt.Errorf("write login ok: %w", err)
	}
	return identity, nil
}

func runServerRegisterLoop(raw net.Conn, reader *crypto.EncryptedReader, writer *crypto.EncryptedWriter, cfg *ServerConfig, conn *tunnel.Conn, identity Identity) (*Registration, error) {
	var reg *Registration

	for {
		if err := raw.SetReadDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
			return nil, err
		}
		f, err := wire.ReadFrame(reader)
		if err != nil {
			return nil, fmt.Errorf("read register-loop frame: %w", err)
		}

		switch f.Kind {
		case wire.KindRegister:
			if reg != nil {
				_ = wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindError, ID: f.ID, Payload: []byte("already registered")})
				return nil, ErrAlreadyRegistered
			}

			name := string(f.Payload)
			if err := cfg.Authenticator.Authorize(identity, name); err != nil {
				_ = wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindError, ID: f.ID, Payload: []byte("unauthorized name")})
				return nil, fmt.Errorf("%w: %v", ErrUnauthorizedName, err)
			}

			port, err := cfg.Binder.Bind(conn, name)
			if err != nil {
				_ = wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindError, ID: f.ID, Payload: []byte("bind failed")})
				return nil, fmt.Errorf("bind listener: %w", err)
			}

			if err := cfg.Configurator.OnRegister(name, port); err != nil {
				cfg.Binder.Unbind(name, port)
				_ = wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindError, ID: f.ID, Payload: []byte("configurator rejected")})
				return nil, fmt.Errorf("configurator rejected registration: %w", err)
			}

			cfg.Metrics.RegistrationOpened()
			reg = &Registration{Name: name, ListenPort: port}

			if err := wire.WriteFrame(writer, &wire.Frame{Kind: wire.KindOk, ID: f.ID}); err != nil {
				return nil, fmt.Errorf("write register ok: %w", err)
			}

		case wire.KindFinishRegister:
			if reg == nil {
				return nil, fmt.Errorf("%w: FinishRegister before any Register", ErrPhaseViolation)
			}
			return reg, nil

		case wire.KindError:
			return nil, fmt.Errorf("%w: %s", ErrPeerAborted, f.Payload)

		default:
			return nil, fmt.Errorf("%w: unexpected %s frame during registration", ErrPhaseViolation, f.Kind)
		}
	}
}
