// Package main provides the CLI entry point for the diglett server.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalsys/diglett/internal/config"
	"github.com/postalsys/diglett/internal/control"
	"github.com/postalsys/diglett/internal/crypto"
	"github.com/postalsys/diglett/internal/gateway"
	"github.com/postalsys/diglett/internal/logging"
	"github.com/postalsys/diglett/internal/metrics"
	"github.com/postalsys/diglett/internal/recovery"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var (
		configPath string
		listen     string
		bindRange  string
		token      string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:     "diglett-server",
		Short:   "diglett server: accepts agent connections and proxies public traffic to them",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultServer()
			if configPath != "" {
				loaded, err := config.LoadServer(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}

			if listen != "" {
				cfg.Listen = listen
			}
			if bindRange != "" {
				cfg.BindRange = bindRange
			}
			if token != "" {
				cfg.Token = token
			}
			if debug {
				cfg.LogLevel = "debug"
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			if err := run(cfg, logger); err != nil {
				logger.Error("fatal", logging.KeyError, err)
				os.Exit(2)
			}
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.Flags().StringVar(&listen, "listen", "", "address agents dial, host:port")
	rootCmd.Flags().StringVar(&bindRange, "bind-range", "", "bind address for per-registration listeners")
	rootCmd.Flags().StringVar(&token, "token", "", "shared login token, empty allows any")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show active registrations on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("status requires a running server's local control socket, which this build does not expose.")
			return nil
		},
	}
}

// tokenAuthenticator accepts a single shared login token and authorizes
// every name, matching a server run with a fixed --token.
type tokenAuthenticator struct {
	token string
}

func (a tokenAuthenticator) Authenticate(token []byte) (control.Identity, error) {
	if string(token) != a.token {
		return nil, errors.New("invalid token")
	}
	return nil, nil
}

func (a tokenAuthenticator) Authorize(control.Identity, string) error { return nil }

func run(cfg *config.ServerConfig, logger *slog.Logger) error {
	keypair, err := crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	m := metrics.Default()

	manager := gateway.NewManager(gateway.Config{
		BindAddr:            cfg.BindRange,
		AcceptRatePerSecond: cfg.AcceptRatePerSecond,
		AcceptBurst:         cfg.AcceptBurst,
		Logger:              logger,
		Metrics:             m,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	defer ln.Close()

	var authenticator control.Authenticator = control.AllowAllAuthenticator{}
	if cfg.Token != "" {
		authenticator = tokenAuthenticator{token: cfg.Token}
	}

	shuttingDown := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		close(shuttingDown)
		ln.Close()
	}()

	logger.Info("listening", "address", ln.Addr().String())

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-shuttingDown:
				return nil
			default:
				logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		go handleAgent(raw, keypair, authenticator, manager, logger, m, cfg.HandshakeTimeout, cfg.IdleTimeout)
	}
}

func handleAgent(raw net.Conn, keypair *crypto.Keypair, authenticator control.Authenticator, manager *gateway.Manager, logger *slog.Logger, m *metrics.Metrics, handshakeTimeout, idleTimeout time.Duration) {
	defer recovery.RecoverWithLog(logger, "diglett-server.handleAgent")
	defer raw.Close()

	configurator := control.PrintConfigurator{Logger: logger}
	conn, reg, err := control.RunServer(raw, keypair, control.ServerConfig{
		Authenticator:    authenticator,
		Configurator:     configurator,
		Binder:           manager,
		Logger:           logger,
		Metrics:          m,
		HandshakeTimeout: handshakeTimeout,
		IdleTimeout:      idleTimeout,
	})
	if err != nil {
		logger.Debug("control handshake failed", logging.KeyRemoteAddr, raw.RemoteAddr().String(), logging.KeyError, err)
		return
	}

	logger.Info("agent registered", "name", reg.Name, "port", reg.ListenPort, logging.KeyRemoteAddr, raw.RemoteAddr().String())

	runErr := conn.Run()
	manager.Unbind(reg.Name, reg.ListenPort)
	configurator.OnUnregister(reg.Name, reg.ListenPort)
	m.RegistrationClosed()
	logger.Info("agent disconnected", "name", reg.Name, logging.KeyError, runErr)
}
