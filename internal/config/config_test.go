// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overrides, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9090"

database:
  path: "./test.db"

webauthn:
  base_url: "https://greyzone.example.com"
  challenge_ttl: "2m"
  strict_counter: true

approval:
  default_timeout: "10m"
  max_timeout: "1h"
  sweep_interval: "15s"

execution:
  timeout: "90s"
  work_dir: "/srv"
  env:
    - "DEPLOY_ENV=prod"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.WebAuthn.BaseURL != "https://greyzone.example.com" {
		t.Errorf("WebAuthn.BaseURL = %q", cfg.WebAuthn.BaseURL)
	}
	if !cfg.WebAuthn.StrictCounter {
		t.Error("WebAuthn.StrictCounter = false, want true")
	}
	if cfg.WebAuthn.ChallengeTTL != 2*time.Minute {
		t.Errorf("WebAuthn.ChallengeTTL = %v, want 2m", cfg.WebAuthn.ChallengeTTL)
	}
	if cfg.Approval.DefaultTimeout != 10*time.Minute {
		t.Errorf("Approval.DefaultTimeout = %v, want 10m", cfg.Approval.DefaultTimeout)
	}
	if cfg.Approval.MaxTimeout != time.Hour {
		t.Errorf("Approval.MaxTimeout = %v, want 1h", cfg.Approval.MaxTimeout)
	}
	if cfg.Approval.SweepInterval != 15*time.Second {
		t.Errorf("Approval.SweepInterval = %v, want 15s", cfg.Approval.SweepInterval)
	}
	if cfg.Execution.Timeout != 90*time.Second {
		t.Errorf("Execution.Timeout = %v, want 90s", cfg.Execution.Timeout)
	}
	if cfg.Execution.WorkDir != "/srv" || len(cfg.Execution.Env) != 1 {
		t.Errorf("Execution = %+v", cfg.Execution)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"http_addr", cfg.Server.HTTPAddr, DefaultHTTPAddr},
		{"rp_display_name", cfg.WebAuthn.RPDisplayName, DefaultRPDisplayName},
		{"challenge_ttl", cfg.WebAuthn.ChallengeTTL, DefaultChallengeTTL},
		{"default_timeout", cfg.Approval.DefaultTimeout, DefaultRequestTimeout},
		{"max_timeout", cfg.Approval.MaxTimeout, DefaultMaxTimeout},
		{"sweep_interval", cfg.Approval.SweepInterval, DefaultSweepInterval},
		{"exec timeout", cfg.Execution.Timeout, DefaultExecTimeout},
		{"shell", cfg.Execution.Shell, DefaultShell},
		{"max_output_bytes", cfg.Execution.MaxOutputBytes, DefaultMaxOutputBytes},
		{"log level", cfg.Logging.Level, DefaultLogLevel},
		{"log format", cfg.Logging.Format, DefaultLogFormat},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_SweepIntervalZeroDisables(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
approval:
  sweep_interval: "0s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Approval.SweepInterval != 0 {
		t.Errorf("Approval.SweepInterval = %v, want 0", cfg.Approval.SweepInterval)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:7000"

[database]
path = "/var/lib/greyzone/greyzone.db"

[approval]
default_timeout = "5m"

[execution]
env = ["A=1", "B=2"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "/var/lib/greyzone/greyzone.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Approval.DefaultTimeout != 5*time.Minute {
		t.Errorf("Approval.DefaultTimeout = %v, want 5m", cfg.Approval.DefaultTimeout)
	}
	if len(cfg.Execution.Env) != 2 {
		t.Errorf("Execution.Env = %v", cfg.Execution.Env)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_GREYZONE_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TEST_GREYZONE_DB", "/tmp/expanded.db")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_GREYZONE_DB}"
auth:
  jwt_secret: "${TEST_GREYZONE_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/expanded.db")
	}
	if cfg.Auth.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDBPath, "/override/greyzone.db")
	t.Setenv(EnvBaseURL, "https://override.example.com")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./file.db"
webauthn:
  base_url: "http://localhost:8080"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/override/greyzone.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.WebAuthn.BaseURL != "https://override.example.com" {
		t.Errorf("WebAuthn.BaseURL = %q", cfg.WebAuthn.BaseURL)
	}
}

func TestLoad_DatabaseOverrideSatisfiesRequired(t *testing.T) {
	t.Setenv(EnvDBPath, "/override/greyzone.db")

	configPath := writeConfig(t, "config.yaml", "logging:\n  level: warn\n")
	if _, err := Load(configPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_HomeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	configPath := writeConfig(t, "config.yaml", "database:\n  path: \"~/greyzone.db\"\n")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != filepath.Join(home, "greyzone.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing database", "server:\n  http_addr: \":8080\"\n", "database.path is required"},
		{"bad duration", "database:\n  path: x.db\napproval:\n  default_timeout: soon\n", "approval.default_timeout"},
		{"negative duration", "database:\n  path: x.db\nexecution:\n  timeout: \"-1s\"\n", "must not be negative"},
		{"tailscale without hostname", "database:\n  path: x.db\ntailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"half tls", "database:\n  path: x.db\nserver:\n  tls_cert_file: c.pem\n", "tls_key_file"},
		{"relative base url", "database:\n  path: x.db\nwebauthn:\n  base_url: greyzone.local\n", "webauthn.base_url"},
		{"default over max", "database:\n  path: x.db\napproval:\n  default_timeout: 2h\n  max_timeout: 1h\n", "exceeds"},
		{"short secret", "database:\n  path: x.db\nauth:\n  jwt_secret: short\n", "jwt_secret"},
		{"bad env entry", "database:\n  path: x.db\nexecution:\n  env: [NOEQUALS]\n", "KEY=VALUE"},
		{"bad level", "database:\n  path: x.db\nlogging:\n  level: loud\n", "logging.level"},
		{"bad format", "database:\n  path: x.db\nlogging:\n  format: xml\n", "logging.format"},
		{"invalid yaml", "database: [unclosed\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() should have failed")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestExampleYAML_Loads(t *testing.T) {
	t.Setenv("GREYZONE_JWT_SECRET", "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := Parse([]byte(ExampleYAML), false)
	if err != nil {
		t.Fatalf("Parse(ExampleYAML) error = %v", err)
	}
	if cfg.Tailscale.Enabled {
		t.Error("example config should not enable tailscale")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Run("env var wins", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/etc/greyzone/custom.toml")
		got, err := DefaultPath()
		if err != nil || got != "/etc/greyzone/custom.toml" {
			t.Errorf("DefaultPath() = %q, %v", got, err)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		got, err := DefaultPath()
		if err != nil || got != filepath.Join("/xdg", "greyzone", "gateway.yaml") {
			t.Errorf("DefaultPath() = %q, %v", got, err)
		}
	})

	t.Run("home", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", home)
		got, err := DefaultPath()
		if err != nil || got != filepath.Join(home, ".config", "greyzone", "gateway.yaml") {
			t.Errorf("DefaultPath() = %q, %v", got, err)
		}
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("GZ_A", "alpha")

	got := expandEnvVars("a=${GZ_A} b=${GZ_UNSET_VALUE} c=$GZ_A")
	want := "a=alpha b= c=$GZ_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
