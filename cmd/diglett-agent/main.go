// Package main provides the CLI entry point for the diglett agent.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalsys/diglett/internal/backend"
	"github.com/postalsys/diglett/internal/config"
	"github.com/postalsys/diglett/internal/control"
	"github.com/postalsys/diglett/internal/crypto"
	"github.com/postalsys/diglett/internal/logging"
	"github.com/postalsys/diglett/internal/metrics"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// reconnectDelay bounds how long the agent waits before re-dialing the
// gateway after a connection ends.
const reconnectDelay = 2 * time.Second

func main() {
	var (
		configPath  string
		gateway     string
		name        string
		backendAddr string
		token       string
		debug       bool
	)

	rootCmd := &cobra.Command{
		Use:     "diglett-agent",
		Short:   "diglett agent: exposes a local backend through a diglett server",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultAgent()
			if configPath != "" {
				loaded, err := config.LoadAgent(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}

			if gateway != "" {
				cfg.Gateway = gateway
			}
			if name != "" {
				cfg.Name = name
			}
			if backendAddr != "" {
				cfg.Backend = backendAddr
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
	rootCmd.Flags().StringVar(&gateway, "gateway", "", "server address to dial, host:port")
	rootCmd.Flags().StringVar(&name, "name", "", "subdomain name to register")
	rootCmd.Flags().StringVar(&backendAddr, "backend", "", "local address to forward accepted streams to")
	rootCmd.Flags().StringVar(&token, "token", "", "login token")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run dials the gateway repeatedly until the process receives a shutdown
// signal, reconnecting after every dropped connection (spec §1 does not
// mandate reconnect behavior; it is ambient resilience expected of a
// long-running agent process).
func run(cfg *config.AgentConfig, logger *slog.Logger) error {
	keypair, err := crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	m := metrics.Default()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		if err := connectOnce(cfg, keypair, logger, m); err != nil {
			logger.Warn("connection ended", logging.KeyError, err)
		}

		select {
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func connectOnce(cfg *config.AgentConfig, keypair *crypto.Keypair, logger *slog.Logger, m *metrics.Metrics) error {
	raw, err := net.Dial("tcp", cfg.Gateway)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer raw.Close()

	dialer := backend.NewDialer(backend.Config{
		Address:        cfg.Backend,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
		Metrics:        m,
	})

	conn, err := control.RunAgent(raw, keypair, control.AgentConfig{
		Token:            []byte(cfg.Token),
		Name:             cfg.Name,
		Dialer:           dialer,
		Logger:           logger,
		Metrics:          m,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("control handshake: %w", err)
	}

	logger.Info("registered", "name", cfg.Name, "gateway", cfg.Gateway, "backend", cfg.Backend)
	return conn.Run()
}
