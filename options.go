package tsunagi

import (
	"log/slog"
	"net"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported, callers use the With* functions.
type resolvedOptions struct {
	port        int
	config      *Config
	listener    net.Listener
	logger      *slog.Logger
	version     string
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (TSUNAGI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithConfig replaces environment configuration entirely. The config is
// validated by New. Use LoadConfig to start from the environment defaults.
func WithConfig(cfg Config) Option {
	return func(o *resolvedOptions) { o.config = &cfg }
}

// WithListener serves HTTP on ln instead of listening on the configured
// port. Run closes the listener on shutdown.
func WithListener(ln net.Listener) Option {
	return func(o *resolvedOptions) { o.listener = ln }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
