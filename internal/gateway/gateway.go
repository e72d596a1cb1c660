// ABOUTME: Gateway orchestrator that wires the store, passkeys, approvals, and HTTP server
// ABOUTME: Manages listeners (TCP, TLS, or tailnet), health endpoints, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/greyzone/greyzone/internal/approval"
	"github.com/greyzone/greyzone/internal/auth"
	"github.com/greyzone/greyzone/internal/challenge"
	"github.com/greyzone/greyzone/internal/config"
	"github.com/greyzone/greyzone/internal/dedupe"
	"github.com/greyzone/greyzone/internal/devices"
	"github.com/greyzone/greyzone/internal/events"
	"github.com/greyzone/greyzone/internal/executor"
	"github.com/greyzone/greyzone/internal/passkey"
	"github.com/greyzone/greyzone/internal/store"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	shutdownTimeout          = 10 * time.Second

	// submissions carrying an Idempotency-Key are remembered this long
	submissionReplayWindow = 24 * time.Hour
	maxRememberedKeys      = 10_000
)

// Gateway orchestrates the greyzone server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	challenges  *challenge.Manager
	registry    *devices.Registry
	passkeys    *passkey.Service
	approvals   *approval.Service
	broadcaster *events.Broadcaster
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// baseURL is the external URL approvers use; passkeys are bound to its host
	baseURL string

	// submitters verifies agent tokens; nil when submission is open
	submitters auth.TokenVerifier

	// submissions maps idempotency keys to the requests they created
	submissions *dedupe.Cache

	// heartbeatInterval spaces keep-alive comments on the event stream
	heartbeatInterval time.Duration

	startedAt time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

// determineBaseURL resolves the external base URL from config or the
// listener settings.
func determineBaseURL(cfg *config.Config, logger *slog.Logger) string {
	if cfg.WebAuthn.BaseURL != "" {
		return strings.TrimSuffix(cfg.WebAuthn.BaseURL, "/")
	}

	if cfg.Tailscale.Enabled {
		if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
			logger.Warn("webauthn.base_url/GREYZONE_BASE_URL not set - passkeys may fail. Set it to the full tailnet URL (e.g., https://greyzone.your-tailnet.ts.net)")
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}

	scheme := "http"
	if cfg.Server.TLSCertFile != "" {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return scheme + "://" + cfg.Server.HTTPAddr
	}
	// browsers refuse IP addresses as relying party ids
	if ip := net.ParseIP(host); host == "" || (ip != nil && (ip.IsLoopback() || ip.IsUnspecified())) {
		host = "localhost"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// initStore opens the SQLite store named by config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initSubmitterAuth returns the token verifier for submitters, or nil when
// no secret is configured.
func initSubmitterAuth(cfg *config.Config, logger *slog.Logger) (auth.TokenVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret not set - request submission is open to anyone who can reach the gateway")
		return nil, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return v, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	submitters, err := initSubmitterAuth(cfg, logger)
	if err != nil {
		return nil, err
	}

	baseURL := determineBaseURL(cfg, logger)

	challenges := challenge.NewManager(s,
		challenge.WithTTL(cfg.WebAuthn.ChallengeTTL),
		challenge.WithLogger(logger))
	registry := devices.NewRegistry(s,
		devices.WithStrictCounter(cfg.WebAuthn.StrictCounter),
		devices.WithLogger(logger))

	passkeys, err := passkey.NewService(passkey.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		BaseURL:       baseURL,
	}, s, challenges, registry, logger)
	if err != nil {
		challenges.Close()
		return nil, err
	}

	broadcaster := events.NewBroadcaster(logger)
	engine := executor.New(executor.Config{
		Shell:          cfg.Execution.Shell,
		WorkDir:        cfg.Execution.WorkDir,
		Env:            cfg.Execution.Env,
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
		DefaultTimeout: cfg.Execution.Timeout,
	}, logger)

	approvals := approval.NewService(approval.Config{
		DefaultTimeout: cfg.Approval.DefaultTimeout,
		MaxTimeout:     cfg.Approval.MaxTimeout,
		ExecTimeout:    cfg.Execution.Timeout,
		SweepInterval:  cfg.Approval.SweepInterval,
	}, s, passkeys, engine, broadcaster, approval.WithLogger(logger))

	gw := &Gateway{
		config:            cfg,
		store:             s,
		challenges:        challenges,
		registry:          registry,
		passkeys:          passkeys,
		approvals:         approvals,
		broadcaster:       broadcaster,
		logger:            logger.With("component", "gateway"),
		baseURL:           baseURL,
		submitters:        submitters,
		submissions:       dedupe.New(submissionReplayWindow, maxRememberedKeys),
		heartbeatInterval: defaultHeartbeatInterval,
		startedAt:         time.Now(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the whole API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// BaseURL returns the external URL passkeys are bound to.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// setupTCPListener creates a TCP listener, wrapped in TLS when a certificate
// is configured.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.TLSCertFile == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(g.config.Server.TLSCertFile, g.config.Server.TLSKeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	g.logger.Info("serving HTTPS", "cert_file", g.config.Server.TLSCertFile)
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// warnIgnoredAddress logs a warning if a server address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Serve starts background work and serves HTTP on ln until ctx is canceled
// or the server fails, then shuts everything down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.approvals.Start()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "base_url", g.baseURL)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}
	return g.Serve(ctx, ln)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "greyzone", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
		Logf: func(format string, args ...any) {
			g.logger.Debug(fmt.Sprintf(format, args...), "source", "tsnet")
		},
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status and checks
// that passkeys are bound to the node's name.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	if dnsName != "" && !strings.Contains(g.baseURL, dnsName) {
		g.logger.Warn("base URL does not match the tailnet DNS name; passkey ceremonies will fail from that name",
			"base_url", g.baseURL,
			"dns_name", dnsName)
	}
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, waits for running commands to record
// their results, and releases resources. Event streams are closed first so
// the HTTP server is not held open by them. Later calls return the first
// call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error

	g.broadcaster.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.approvals.Close()
	g.challenges.Close()
	g.submissions.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
		"uptime": time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
