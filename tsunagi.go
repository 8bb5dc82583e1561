// Package tsunagi is the public API for embedding the Tsunagi agent network
// tracker.
//
// A multi-agent runtime reports agent starts, completions and tool use
// through execution hooks; Tsunagi keeps a per-session network of agents and
// streams its changes to observers:
//
//	app, err := tsunagi.New(
//	    tsunagi.WithVersion(version),
//	    tsunagi.WithLogger(logger),
//	)
//	if err != nil { ... }
//	hooks := app.Hooks() // in-process runtimes report here
//	if err := app.Run(ctx); err != nil { ... }
//
// Runtimes in other processes use the HTTP API instead. The import graph
// enforces a strict no-cycle rule: tsunagi (root) imports internal/*, but
// internal/* never imports tsunagi (root).
package tsunagi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsunagi/internal/broadcast"
	"github.com/ashita-ai/tsunagi/internal/config"
	"github.com/ashita-ai/tsunagi/internal/mcp"
	"github.com/ashita-ai/tsunagi/internal/network"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
	"github.com/ashita-ai/tsunagi/internal/server"
	"github.com/ashita-ai/tsunagi/internal/service/tracking"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

// App is the Tsunagi server lifecycle. Construct with New(), run with Run().
// App has no public fields, use New() options to configure it.
type App struct {
	cfg          config.Config
	registry     *network.Registry
	broadcaster  *broadcast.Broadcaster
	tracker      *tracking.Service
	srv          *server.Server
	limiter      ratelimit.Limiter
	listener     net.Listener // nil: listen on cfg.Port
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires the registry, broadcaster, tracking service and HTTP server and
// returns a ready-to-run App. It does NOT start any goroutines or accept
// HTTP connections, call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg config.Config
	if o.config != nil {
		cfg = *o.config
	} else {
		// Load .env file if present (non-fatal; production won't have one).
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tsunagi starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	broadcaster := broadcast.New(broadcast.Config{
		HistorySize:       cfg.EventBufferSize,
		SubscriberBuffer:  cfg.SubscriberBuffer,
		KeepaliveInterval: cfg.KeepaliveInterval,
	}, logger)

	// The registry reports evictions to the tracker, which closes the
	// session's streams. The tracker needs the registry, so the callback
	// captures the variable assigned just below.
	var tracker *tracking.Service
	registry := network.NewRegistry(network.RegistryConfig{
		MaxDepth:      cfg.MaxRecursionDepth,
		TTL:           cfg.SessionTTL,
		SweepInterval: cfg.SweepInterval,
		OnEvict:       func(id string) { tracker.Evicted(id) },
	}, logger)
	tracker = tracking.New(registry, broadcaster, tracking.Config{
		SnapshotInterval: cfg.SnapshotInterval,
	}, logger)

	// MCP server.
	var mcpSrv *mcpserver.MCPServer
	if cfg.MCPEnabled {
		mcpSrv = mcp.New(tracker, broadcaster, version, logger).MCPServer()
	} else {
		logger.Info("mcp: disabled")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Tracker:             tracker,
		Broadcaster:         broadcaster,
		Logger:              logger,
		Registry:            registry,
		Limiter:             limiter,
		MCPServer:           mcpSrv,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		registry:     registry,
		broadcaster:  broadcaster,
		tracker:      tracker,
		srv:          srv,
		limiter:      limiter,
		listener:     o.listener,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the TTL sweeper, the keepalive and snapshot loops and the HTTP
// server, then blocks until ctx is cancelled or the server fails. On return,
// Shutdown has been called, callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Background loops.
	g.Go(func() error { a.registry.Start(gctx); return nil })
	g.Go(func() error { a.broadcaster.Start(gctx); return nil })
	g.Go(func() error { a.tracker.Start(gctx); return nil })

	// HTTP server.
	g.Go(func() error {
		var err error
		if a.listener != nil {
			err = a.srv.Serve(a.listener)
		} else {
			err = a.srv.Start()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Shutdown once the caller cancels or any goroutine fails.
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, closes
// every event stream, then releases the rate limiter and OTEL provider.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("tsunagi shutting down")

		// Phase 1: HTTP drain. Event streams are closed by the server's
		// shutdown hook so they don't hold the drain open.
		httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
			a.shutdownErr = fmt.Errorf("http shutdown: %w", err)
		}
		httpCancel()

		// Phase 2: close streams opened after the drain began.
		a.broadcaster.Close()

		// Cleanup.
		_ = a.limiter.Close()
		if err := a.otelShutdown(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown error", "error", err)
		}

		a.logger.Info("tsunagi stopped", "sessions", a.registry.Len())
	})
	return a.shutdownErr
}

// Hooks returns the execution hooks for runtimes embedded in this process.
func (a *App) Hooks() ExecutionHooks {
	return a.tracker
}

// NetworkState returns the current network of a session. Unknown sessions
// return an empty network.
func (a *App) NetworkState(session string) NetworkExport {
	return a.tracker.NetworkState(session)
}

// ResetNetwork clears a session's network and publishes the empty snapshot.
// Reports whether the session existed.
func (a *App) ResetNetwork(session string) bool {
	return a.tracker.Reset(session)
}

// Subscribe opens an in-process event stream for a session. Close the
// subscription when done.
func (a *App) Subscribe(session string) (*Subscription, error) {
	return a.broadcaster.Subscribe(session)
}

// Handler returns the root HTTP handler, for mounting under another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
