package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsunagi/internal/broadcast"
	"github.com/ashita-ai/tsunagi/internal/network"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
)

// Server is the tracker's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Registry, Limiter, MCPServer, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Tracker     Tracker
	Broadcaster *broadcast.Broadcaster
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Registry  *network.Registry
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Middlewares wrap the whole handler, outermost first.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Tracker:             cfg.Tracker,
		Broadcaster:         cfg.Broadcaster,
		Registry:            cfg.Registry,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	limited := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Execution hooks (rate limited by IP).
	mux.Handle("POST /v1/sessions/{session_id}/agents/{agent}/start", limited(http.HandlerFunc(h.HandleAgentStart)))
	mux.Handle("POST /v1/sessions/{session_id}/agents/{agent}/complete", limited(http.HandlerFunc(h.HandleAgentComplete)))
	mux.Handle("POST /v1/sessions/{session_id}/agents/{agent}/tools", limited(http.HandlerFunc(h.HandleToolUse)))

	// Network queries (rate limited by IP).
	mux.Handle("GET /v1/sessions/{session_id}/network", limited(http.HandlerFunc(h.HandleGetNetwork)))
	mux.Handle("POST /v1/sessions/{session_id}/network/reset", limited(http.HandlerFunc(h.HandleResetNetwork)))
	mux.Handle("DELETE /v1/sessions/{session_id}", limited(http.HandlerFunc(h.HandleDeleteSession)))
	mux.Handle("GET /v1/sessions/{session_id}/events/history", limited(http.HandlerFunc(h.HandleEventHistory)))
	mux.Handle("GET /v1/stats", limited(http.HandlerFunc(h.HandleStats)))

	// Event stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/sessions/{session_id}/events", h.HandleEvents)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", limited(mcpHTTP))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Caller middlewares run before everything else, first registered outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	// Event streams never go idle, so Shutdown would wait on them until its
	// deadline. Closing every subscription lets their handlers return.
	httpServer.RegisterOnShutdown(cfg.Broadcaster.Close)

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		logger:     cfg.Logger,
	}
}

// Start begins serving HTTP requests on the configured port.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln. Used when the caller owns the listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
