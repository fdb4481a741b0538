// Package config provides configuration parsing and validation for diglett
// agents and servers.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the complete configuration for a diglett agent: the peer
// that dials out to a server and registers a backend behind it.
type AgentConfig struct {
	Gateway string `yaml:"gateway"` // server address to dial, host:port
	Name    string `yaml:"name"`    // subdomain name to register
	Backend string `yaml:"backend"` // local address to forward accepted streams to
	Token   string `yaml:"token"`   // login token

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
}

// ServerConfig is the complete configuration for a diglett server: the peer
// that accepts agent connections and proxies public traffic to them.
type ServerConfig struct {
	Listen    string `yaml:"listen"`     // address agents dial, host:port
	BindRange string `yaml:"bind_range"` // bind address for per-registration listeners
	Token     string `yaml:"token"`      // shared login token, empty allows any

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`

	AcceptRatePerSecond float64 `yaml:"accept_rate_per_second"`
	AcceptBurst         int     `yaml:"accept_burst"`
}

// DefaultAgent returns an AgentConfig with sensible defaults.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		LogLevel:         "info",
		LogFormat:        "text",
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      10 * time.Second,
		ConnectTimeout:   10 * time.Second,
	}
}

// DefaultServer returns a ServerConfig with sensible defaults.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Listen:              ":7000",
		BindRange:           "127.0.0.1",
		LogLevel:            "info",
		LogFormat:           "text",
		HandshakeTimeout:    10 * time.Second,
		IdleTimeout:         10 * time.Second,
		AcceptRatePerSecond: 50,
		AcceptBurst:         100,
	}
}

// LoadAgent reads and parses an agent configuration file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAgent(data)
}

// ParseAgent parses agent configuration from YAML bytes.
func ParseAgent(data []byte) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the agent configuration for errors.
func (c *AgentConfig) Validate() error {
	var errs []string

	if c.Gateway == "" {
		errs = append(errs, "gateway is required")
	}
	if c.Name == "" {
		errs = append(errs, "name is required")
	}
	if c.Backend == "" {
		errs = append(errs, "backend is required")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String returns a string representation of the config with the token
// redacted. Safe to log.
func (c *AgentConfig) String() string {
	redacted := *c
	if redacted.Token != "" {
		redacted.Token = redactedValue
	}
	data, _ := yaml.Marshal(&redacted)
	return string(data)
}

// LoadServer reads and parses a server configuration file.
func LoadServer(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseServer(data)
}

// ParseServer parses server configuration from YAML bytes.
func ParseServer(data []byte) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the server configuration for errors.
func (c *ServerConfig) Validate() error {
	var errs []string

	if c.Listen == "" {
		errs = append(errs, "listen is required")
	}
	if c.BindRange == "" {
		errs = append(errs, "bind_range is required")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}
	if c.AcceptRatePerSecond <= 0 {
		errs = append(errs, "accept_rate_per_second must be positive")
	}
	if c.AcceptBurst < 1 {
		errs = append(errs, "accept_burst must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String returns a string representation of the config with the token
// redacted. Safe to log.
func (c *ServerConfig) String() string {
	redacted := *c
	if redacted.Token != "" {
		redacted.Token = redactedValue
	}
	data, _ := yaml.Marshal(&redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
