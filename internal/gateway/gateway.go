// ABOUTME: Gateway orchestrator wiring the session manager to the HTTP and gRPC servers
// ABOUTME: Builds every component from config and manages listener lifecycle and graceful shutdown

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
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/wagate/internal/config"
	"github.com/2389/wagate/internal/dedupe"
	"github.com/2389/wagate/internal/delivery"
	"github.com/2389/wagate/internal/engine"
	"github.com/2389/wagate/internal/engine/matrix"
	"github.com/2389/wagate/internal/engine/whatsapp"
	"github.com/2389/wagate/internal/inbound"
	"github.com/2389/wagate/internal/reply"
	"github.com/2389/wagate/internal/session"
	"github.com/2389/wagate/internal/store"
)

// healthService is the gRPC health service name reported alongside the
// overall ("") status.
const healthService = "wagate.Gateway"

// Gateway owns the session manager and the servers exposing it.
type Gateway struct {
	config      *config.Config
	sessions    *session.Manager
	store       store.Store
	claims      *dedupe.Claims
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// ends open event streams as soon as HTTP shutdown begins
	streams     context.Context
	stopStreams context.CancelFunc
}

// Deps are the collaborators a Gateway is assembled from.
type Deps struct {
	Store   store.Store
	Engine  engine.Engine
	Replier inbound.Replier
}

// New creates a Gateway with the store and engine selected by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	logger.Info("store ready", "backend", cfg.Store.Backend)

	eng, err := newEngine(cfg.Engine, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	replier := reply.NewClient(reply.Config{
		URL:     cfg.Reply.URL,
		APIKey:  cfg.Reply.APIKey,
		Timeout: cfg.Reply.Timeout,
		Fallbacks: reply.Fallbacks{
			Default:     cfg.Reply.Fallback,
			RateLimited: cfg.Reply.RateLimitedFallback,
			Unavailable: cfg.Reply.UnavailableFallback,
		},
	}, logger)

	return NewWithDeps(cfg, Deps{Store: s, Engine: eng, Replier: replier}, logger), nil
}

// newEngine selects the messaging engine for engine.driver.
func newEngine(cfg config.EngineConfig, logger *slog.Logger) (engine.Engine, error) {
	if err := os.MkdirAll(cfg.ProfilesDir, 0700); err != nil {
		return nil, fmt.Errorf("creating profiles dir: %w", err)
	}

	switch cfg.Driver {
	case config.DriverWhatsApp:
		return whatsapp.New(logger), nil
	case config.DriverMatrix:
		return matrix.New(logger), nil
	default:
		return nil, fmt.Errorf("unknown engine driver %q", cfg.Driver)
	}
}

// NewWithDeps assembles a Gateway from already constructed collaborators.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) *Gateway {
	claims := dedupe.New(cfg.Messages.DedupeTTL, cfg.Messages.DedupeSize)
	deliverer := delivery.New(cfg.Delivery.MaxLen, cfg.Delivery.Backoff, logger)

	pipeline := inbound.New(inbound.Config{
		Store:       deps.Store,
		Claims:      claims,
		Replier:     deps.Replier,
		Deliverer:   deliverer,
		CountryCode: cfg.Messages.CountryCode,
		MaxBodyLen:  cfg.Delivery.MaxLen,
		Logger:      logger,
	})

	sessions := session.NewManager(session.Config{
		Engine:         deps.Engine,
		Store:          deps.Store,
		Inbound:        pipeline,
		Deliverer:      deliverer,
		ProfilesDir:    cfg.Engine.ProfilesDir,
		ConnectTimeout: cfg.Sessions.ConnectTimeout,
		CountryCode:    cfg.Messages.CountryCode,
		MaxLen:         cfg.Delivery.MaxLen,
		Logger:         logger,
	})

	gw := &Gateway{
		config:     cfg,
		sessions:   sessions,
		store:      deps.Store,
		claims:     claims,
		grpcServer: newGRPCServer(),
		health:     health.NewServer(),
		logger:     logger.With("component", "gateway"),
	}
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
	gw.streams, gw.stopStreams = context.WithCancel(context.Background())

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown waits for active handlers; SSE handlers only return once told to.
	gw.httpServer.RegisterOnShutdown(gw.stopStreams)
	return gw
}

func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// Sessions returns the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Handler returns the HTTP handler serving the control API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcLn, httpLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownGrace)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
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
	return filepath.Join(homeDir, ".local", "share", "wagate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :80 for HTTP and,
// when a gRPC address is configured, on its port for gRPC health.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if addr := g.config.Server.GRPCAddr; addr != "" {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("parsing server.grpc_addr: %w", err)
		}
		grpcLn, err = g.tsnetServer.Listen("tcp", ":"+port)
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, tears down live sessions and releases
// the store, all bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "session teardown", g.sessions.Close(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.claims.Close()

	return errors.Join(errs...)
}
