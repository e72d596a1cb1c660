// ABOUTME: Entry point for greyzone-gateway, the passkey approval server
// ABOUTME: Serves the API, writes starter config, mints submitter tokens, and checks health

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/greyzone/greyzone/internal/auth"
	"github.com/greyzone/greyzone/internal/client"
	"github.com/greyzone/greyzone/internal/config"
	"github.com/greyzone/greyzone/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                       _
  __ _ _ __ ___ _   _ _______  _ __   ___        __ _| |_ _____      ____ _ _   _
 / _' | '__/ _ \ | | |_  / _ \| '_ \ / _ \_____ / _' | __/ _ \ \ /\ / / _' | | | |
| (_| | | |  __/ |_| |/ / (_) | | | |  __/_____| (_| | ||  __/\ V  V / (_| | |_| |
 \__, |_|  \___|\__, /___\___/|_| |_|\___|      \__, |\__\___| \_/\_/ \__,_|\__, |
 |___/          |___/                           |___/                        |___/
`

// defaultTokenTTL is how long minted submitter tokens last.
const defaultTokenTTL = 30 * 24 * time.Hour

func usage() {
	fmt.Println("Usage: greyzone-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  init [--force]                 Write a starter config with a fresh JWT secret")
	fmt.Println("  token --agent NAME [--ttl D]   Mint a submitter token (default TTL 720h)")
	fmt.Println("  health                         Check gateway health")
	fmt.Println("  version                        Print the version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  GREYZONE_CONFIG     Config file (default ~/.config/greyzone/gateway.yaml)")
	fmt.Println("  GREYZONE_DB_PATH    Overrides database.path")
	fmt.Println("  GREYZONE_BASE_URL   Overrides webauthn.base_url")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (string, *config.Config, error) {
	configPath, err := config.DefaultPath()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", nil, fmt.Errorf("loading config: %w", err)
	}
	return configPath, cfg, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	configPath, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			gray.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Submissions: open (no auth.jwt_secret)")
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	green.Print("    ▶ ")
	fmt.Printf("Passkeys:  %s\n\n", gw.BaseURL())

	logger.Info("starting greyzone-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"base_url", gw.BaseURL(),
	)

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := cfg.WebAuthn.BaseURL
	if url == "" {
		url = "http://" + cfg.Server.HTTPAddr
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.New(url, "").Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints a JWT whose subject becomes the agent name on submissions.
func runToken(args []string) error {
	var agent, ttlRaw string
	err := parseArgs(args, map[string]*string{
		"agent": &agent,
		"ttl":   &ttlRaw,
	}, nil)
	if err != nil {
		return err
	}

	agent = strings.TrimSpace(agent)
	if agent == "" {
		return errors.New("--agent flag is required")
	}

	ttl := defaultTokenTTL
	if ttlRaw != "" {
		ttl, err = time.ParseDuration(ttlRaw)
		if err != nil {
			return fmt.Errorf("invalid --ttl: %w", err)
		}
		if ttl <= 0 {
			return errors.New("--ttl must be positive")
		}
	}

	configPath, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s (required to mint tokens)", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(agent, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Token for %s (expires %s):\n", agent, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

// runInit writes the example config with a freshly generated JWT secret.
func runInit(args []string) error {
	var force bool
	if err := parseArgs(args, nil, map[string]*bool{"force": &force}); err != nil {
		return err
	}

	configPath, err := config.DefaultPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	content, err := starterConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	yellow.Println("  Next:")
	fmt.Println("    greyzone-gateway serve                  # start the gateway")
	fmt.Println("    greyzone-gateway token --agent my-bot   # mint a submitter token")
	fmt.Println()
	return nil
}

// starterConfig returns the example config with a random JWT secret in
// place of the environment reference.
func starterConfig() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(secret)

	content := strings.Replace(config.ExampleYAML,
		`jwt_secret: "${GREYZONE_JWT_SECRET}"`,
		fmt.Sprintf("jwt_secret: %q", encoded), 1)
	return content, nil
}

// parseArgs reads "--name value", "--name=value", and boolean "--name" flags.
func parseArgs(args []string, values map[string]*string, bools map[string]*bool) error {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return fmt.Errorf("unexpected argument: %s", arg)
		}

		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if b, ok := bools[name]; ok {
			if hasValue {
				return fmt.Errorf("--%s takes no value", name)
			}
			*b = true
			continue
		}

		v, ok := values[name]
		if !ok {
			return fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		*v = value
	}
	return nil
}
