package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultAgent(t *testing.T) {
	cfg := DefaultAgent()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %s, want text", cfg.LogFormat)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 10s", cfg.HandshakeTimeout)
	}
}

func TestDefaultServer(t *testing.T) {
	cfg := DefaultServer()

	if cfg.Listen != ":7000" {
		t.Errorf("Listen = %s, want :7000", cfg.Listen)
	}
	if cfg.BindRange != "127.0.0.1" {
		t.Errorf("BindRange = %s, want 127.0.0.1", cfg.BindRange)
	}
	if cfg.AcceptRatePerSecond != 50 {
		t.Errorf("AcceptRatePerSecond = %v, want 50", cfg.AcceptRatePerSecond)
	}
}

func TestParseAgent_Valid(t *testing.T) {
	yamlConfig := `
gateway: "tunnel.example.com:7000"
name: "myapp"
backend: "127.0.0.1:8080"
token: "s3cr3t"
log_level: "debug"
`
	cfg, err := ParseAgent([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("ParseAgent: %v", err)
	}
	if cfg.Gateway != "tunnel.example.com:7000" {
		t.Errorf("Gateway = %s", cfg.Gateway)
	}
	if cfg.Name != "myapp" {
		t.Errorf("Name = %s", cfg.Name)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	// Untouched defaults survive partial YAML.
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %s, want text", cfg.LogFormat)
	}
}

func TestParseAgent_MissingRequired(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing gateway", "name: myapp\nbackend: 127.0.0.1:8080\n", "gateway is required"},
		{"missing name", "gateway: h:1\nbackend: 127.0.0.1:8080\n", "name is required"},
		{"missing backend", "gateway: h:1\nname: myapp\n", "backend is required"},
		{"bad log level", "gateway: h:1\nname: myapp\nbackend: b:1\nlog_level: verbose\n", "invalid log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAgent([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseServer_Valid(t *testing.T) {
	yamlConfig := `
listen: "0.0.0.0:7000"
bind_range: "0.0.0.0"
token: "s3cr3t"
`
	cfg, err := ParseServer([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("ParseServer: %v", err)
	}
	if cfg.Listen != "0.0.0.0:7000" {
		t.Errorf("Listen = %s", cfg.Listen)
	}
	if cfg.BindRange != "0.0.0.0" {
		t.Errorf("BindRange = %s", cfg.BindRange)
	}
	// Untouched defaults survive partial YAML.
	if cfg.AcceptRatePerSecond != 50 {
		t.Errorf("AcceptRatePerSecond = %v, want 50", cfg.AcceptRatePerSecond)
	}
}

func TestParseServer_InvalidAcceptRate(t *testing.T) {
	yamlConfig := `
listen: ":7000"
bind_range: "127.0.0.1"
accept_rate_per_second: -1
`
	_, err := ParseServer([]byte(yamlConfig))
	if err == nil || !strings.Contains(err.Error(), "accept_rate_per_second") {
		t.Fatalf("err = %v, want accept_rate_per_second complaint", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("DIGLETT_TEST_TOKEN", "from-env")
	defer os.Unsetenv("DIGLETT_TEST_TOKEN")

	yamlConfig := `
gateway: "h:1"
name: "myapp"
backend: "b:1"
token: "${DIGLETT_TEST_TOKEN}"
`
	cfg, err := ParseAgent([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("ParseAgent: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Errorf("Token = %s, want from-env", cfg.Token)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("DIGLETT_TEST_MISSING")

	yamlConfig := `
gateway: "h:1"
name: "myapp"
backend: "b:1"
token: "${DIGLETT_TEST_MISSING:-fallback}"
`
	cfg, err := ParseAgent([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("ParseAgent: %v", err)
	}
	if cfg.Token != "fallback" {
		t.Errorf("Token = %s, want fallback", cfg.Token)
	}
}

func TestAgentConfigString_RedactsToken(t *testing.T) {
	cfg := DefaultAgent()
	cfg.Gateway = "h:1"
	cfg.Name = "myapp"
	cfg.Backend = "b:1"
	cfg.Token = "top-secret"

	out := cfg.String()
	if strings.Contains(out, "top-secret") {
		t.Fatalf("String() leaked token: %s", out)
	}
	if !strings.Contains(out, redactedValue) {
		t.Fatalf("String() missing redaction marker: %s", out)
	}
}

func TestServerConfigString_RedactsToken(t *testing.T) {
	cfg := DefaultServer()
	cfg.Token = "top-secret"

	out := cfg.String()
	if strings.Contains(out, "top-secret") {
		t.Fatalf("String() leaked token: %s", out)
	}
}
