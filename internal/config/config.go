// ABOUTME: Configuration loading and parsing for greyzone-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty
const (
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultRPDisplayName  = "Greyzone"
	DefaultChallengeTTL   = 5 * time.Minute
	DefaultRequestTimeout = 300 * time.Second
	DefaultMaxTimeout     = 24 * time.Hour
	DefaultSweepInterval  = 30 * time.Second
	DefaultExecTimeout    = 60 * time.Second
	DefaultMaxOutputBytes = 10 << 20
	DefaultShell          = "/bin/sh"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"

	minJWTSecretLength = 32
)

// Environment variables consulted by Load and DefaultPath
const (
	EnvConfigPath = "GREYZONE_CONFIG"
	EnvDBPath     = "GREYZONE_DB_PATH"
	EnvBaseURL    = "GREYZONE_BASE_URL"
)

// Config represents the complete greyzone-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	WebAuthn  WebAuthnConfig  `yaml:"webauthn" toml:"webauthn"`
	Approval  ApprovalConfig  `yaml:"approval" toml:"approval"`
	Execution ExecutionConfig `yaml:"execution" toml:"execution"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr" toml:"http_addr"`
	TLSCertFile string `yaml:"tls_cert_file" toml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" toml:"tls_key_file"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve with the node's Tailscale certificate
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly; implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// WebAuthnConfig holds relying party settings for passkey ceremonies
type WebAuthnConfig struct {
	// BaseURL is the external URL approvers open. RPID and RPOrigins are
	// derived from it when not set explicitly.
	BaseURL       string   `yaml:"base_url" toml:"base_url"`
	RPID          string   `yaml:"rp_id" toml:"rp_id"`
	RPOrigins     []string `yaml:"rp_origins" toml:"rp_origins"`
	RPDisplayName string   `yaml:"rp_display_name" toml:"rp_display_name"`
	StrictCounter bool     `yaml:"strict_counter" toml:"strict_counter"`

	ChallengeTTL    time.Duration `yaml:"-" toml:"-"`
	ChallengeTTLRaw string        `yaml:"challenge_ttl" toml:"challenge_ttl"`
}

// ApprovalConfig holds request lifetime settings
type ApprovalConfig struct {
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	MaxTimeout     time.Duration `yaml:"-" toml:"-"`
	SweepInterval  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout" toml:"max_timeout"`
	SweepIntervalRaw  string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// ExecutionConfig holds settings for running approved commands
type ExecutionConfig struct {
	Shell          string   `yaml:"shell" toml:"shell"`
	WorkDir        string   `yaml:"work_dir" toml:"work_dir"`
	Env            []string `yaml:"env" toml:"env"`
	MaxOutputBytes int      `yaml:"max_output_bytes" toml:"max_output_bytes"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// AuthConfig holds submitter authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the config file location.
// Priority: GREYZONE_CONFIG > XDG_CONFIG_HOME/greyzone/gateway.yaml > ~/.config/greyzone/gateway.yaml
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "greyzone", "gateway.yaml"), nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, GREYZONE_DB_PATH
// and GREYZONE_BASE_URL override their file values, and defaults fill the rest.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content. See Load.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)
	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Tailscale.StateDir = expandHome(cfg.Tailscale.StateDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.WebAuthn.BaseURL = v
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
// Empty strings leave the field zero so applyDefaults can fill it.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"webauthn.challenge_ttl", cfg.WebAuthn.ChallengeTTLRaw, &cfg.WebAuthn.ChallengeTTL},
		{"approval.default_timeout", cfg.Approval.DefaultTimeoutRaw, &cfg.Approval.DefaultTimeout},
		{"approval.max_timeout", cfg.Approval.MaxTimeoutRaw, &cfg.Approval.MaxTimeout},
		{"approval.sweep_interval", cfg.Approval.SweepIntervalRaw, &cfg.Approval.SweepInterval},
		{"execution.timeout", cfg.Execution.TimeoutRaw, &cfg.Execution.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.WebAuthn.RPDisplayName == "" {
		cfg.WebAuthn.RPDisplayName = DefaultRPDisplayName
	}
	if cfg.WebAuthn.ChallengeTTL == 0 {
		cfg.WebAuthn.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.Approval.DefaultTimeout == 0 {
		cfg.Approval.DefaultTimeout = DefaultRequestTimeout
	}
	if cfg.Approval.MaxTimeout == 0 {
		cfg.Approval.MaxTimeout = DefaultMaxTimeout
	}
	// an explicit "0s" turns the sweeper off
	if cfg.Approval.SweepIntervalRaw == "" {
		cfg.Approval.SweepInterval = DefaultSweepInterval
	}
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = DefaultExecTimeout
	}
	if cfg.Execution.Shell == "" {
		cfg.Execution.Shell = DefaultShell
	}
	if cfg.Execution.MaxOutputBytes == 0 {
		cfg.Execution.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.WebAuthn.BaseURL != "" {
		u, err := url.Parse(c.WebAuthn.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webauthn.base_url must be an absolute http(s) URL, got %q", c.WebAuthn.BaseURL)
		}
	}

	if c.Approval.DefaultTimeout > c.Approval.MaxTimeout {
		return fmt.Errorf("approval.default_timeout (%s) exceeds approval.max_timeout (%s)",
			c.Approval.DefaultTimeout, c.Approval.MaxTimeout)
	}

	if c.Execution.MaxOutputBytes < 0 {
		return fmt.Errorf("execution.max_output_bytes must not be negative")
	}
	for _, kv := range c.Execution.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("execution.env entries must be KEY=VALUE, got %q", kv)
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// ExampleYAML is the config written by `greyzone-gateway init`
const ExampleYAML = `# greyzone-gateway configuration

server:
  http_addr: "127.0.0.1:8080"
  # tls_cert_file: "/etc/greyzone/tls.crt"
  # tls_key_file: "/etc/greyzone/tls.key"

tailscale:
  enabled: false
  hostname: "greyzone"
  auth_key: "${TS_AUTHKEY}"
  https: true

database:
  path: "~/.local/share/greyzone/greyzone.db"

webauthn:
  # Passkeys are bound to this origin; browsers require https off localhost
  base_url: "http://localhost:8080"
  challenge_ttl: "5m"
  strict_counter: false

approval:
  default_timeout: "300s"
  max_timeout: "24h"
  sweep_interval: "30s"

execution:
  shell: "/bin/sh"
  timeout: "60s"
  max_output_bytes: 10485760

auth:
  # Leave empty to accept anonymous submissions
  jwt_secret: "${GREYZONE_JWT_SECRET}"

logging:
  level: "info"
  format: "text"
`
