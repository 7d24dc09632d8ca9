// ABOUTME: Gateway orchestrator that wires the store, realtime hub and HTTP server
// ABOUTME: Manages listeners (TCP or tailnet), the transport supervisor and shutdown

package gateway

import (
	"context"
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

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/media"
	"github.com/2389/relay-gateway/internal/realtime"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/tenant"
	"github.com/2389/relay-gateway/internal/webhook"
)

// Gateway serves the relay HTTP API.
type Gateway struct {
	config        *config.Config
	store         store.Store
	hub           *realtime.Hub
	conversations *conversation.Service
	directory     *tenant.Directory
	verifier      auth.TokenVerifier // nil in development mode
	uploader      *media.DiskUploader
	validate      *validator.Validate
	httpServer    *http.Server
	tsnetServer   *tsnet.Server
	logger        *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// OpenStore opens the configured persistence backend. RELAY_DB_PATH overrides
// the SQLite path.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initTransport builds the cross-instance transport; nil for the memory driver.
func initTransport(cfg *config.Config, logger *slog.Logger) (realtime.Transport, error) {
	switch cfg.Realtime.Driver {
	case "amqp":
		return realtime.NewAMQPTransport(cfg.Realtime.AMQPURL, cfg.Realtime.AMQPExchange, logger), nil
	case "redis":
		t, err := realtime.NewRedisTransport(cfg.Realtime.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing redis transport: %w", err)
		}
		return t, nil
	default:
		return nil, nil
	}
}

// determineMediaBaseURL resolves the public prefix uploaded media is served under.
func determineMediaBaseURL(cfg *config.Config) string {
	if cfg.Media.BaseURL != "" {
		return cfg.Media.BaseURL
	}
	if envURL := os.Getenv("RELAY_GATEWAY_URL"); envURL != "" {
		return strings.TrimSuffix(envURL, "/") + "/media"
	}
	if cfg.Tailscale.Enabled {
		scheme := "http"
		if cfg.Tailscale.Funnel {
			scheme = "https"
		}
		return scheme + "://" + cfg.Tailscale.Hostname + "/media"
	}
	return "http://" + cfg.Server.HTTPAddr + "/media"
}

func seedTenants(ctx context.Context, s store.Store, seeds []config.TenantSeed, logger *slog.Logger) error {
	if len(seeds) == 0 {
		return nil
	}
	tenants := make([]store.Tenant, 0, len(seeds))
	for _, seed := range seeds {
		tenants = append(tenants, store.Tenant{
			Slug:       seed.Slug,
			WebhookURL: seed.WebhookURL,
			Status:     store.TenantStatus(seed.Status),
		})
	}
	return tenant.Seed(ctx, s, tenants, logger)
}

// New creates a gateway from cfg: it opens the store, seeds configured
// tenants and builds the realtime hub, webhook relay and HTTP routes.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := seedTenants(ctx, s, cfg.Tenants, logger); err != nil {
		_ = s.Close()
		return nil, err
	}

	transport, err := initTransport(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	hub := realtime.NewHub(realtime.Options{
		BufferSize:   cfg.Realtime.BufferSize,
		Transport:    transport,
		ReconnectMin: cfg.Realtime.ReconnectMin,
		ReconnectMax: cfg.Realtime.ReconnectMax,
		Logger:       logger,
	})

	relay := webhook.NewRelay(webhook.Options{
		Timeout:   cfg.Webhook.Timeout,
		UserAgent: cfg.Webhook.UserAgent,
		Logger:    logger,
	})

	gw := &Gateway{
		config:        cfg,
		store:         s,
		hub:           hub,
		conversations: conversation.New(s, relay, hub, logger),
		directory:     tenant.NewDirectory(s, logger),
		validate:      validator.New(),
		logger:        logger.With("component", "gateway"),
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		gw.logger.Warn("HTTP auth disabled - no jwt_secret configured, trusting " + auth.DevUserHeader)
	}

	if cfg.Media.Dir != "" {
		uploader, err := media.NewDiskUploader(cfg.Media.Dir, determineMediaBaseURL(cfg), cfg.Media.MaxBytes, logger)
		if err != nil {
			_ = hub.Close()
			_ = s.Close()
			return nil, err
		}
		gw.uploader = uploader
		gw.logger.Info("media uploads enabled", "dir", cfg.Media.Dir, "base_url", determineMediaBaseURL(cfg))
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.registerRoutes(mux)
	return mux
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run serves HTTP and supervises the realtime transport until ctx is
// cancelled or a server fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		return g.hub.Run(gctx)
	})

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("gateway stopped with error", "error", err)
		return err
	}
	return nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "relay-gateway", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

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
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown closes the realtime hub (ending open streams), stops the HTTP
// server and releases the tailnet node and store. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "realtime hub close", g.hub.Close())
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}
