// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.

	// Network tracking settings.
	MaxRecursionDepth int           // Execution stack depth limit per session.
	SessionTTL        time.Duration // Idle time before a session is evicted.
	SweepInterval     time.Duration
	SnapshotInterval  time.Duration

	// Event streaming settings.
	EventBufferSize   int // Events kept per session for replay.
	SubscriberBuffer  int // Per-subscriber channel capacity before it is dropped.
	KeepaliveInterval time.Duration

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// MCP server.
	MCPEnabled bool

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration // HTTP drain budget on shutdown; 0 waits indefinitely.
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("TSUNAGI_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("TSUNAGI_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("TSUNAGI_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	maxBody, err := envInt("TSUNAGI_MAX_REQUEST_BODY_BYTES", 64*1024)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)

	cfg.MaxRecursionDepth, err = envInt("TSUNAGI_MAX_RECURSION_DEPTH", 10)
	collect(err)
	cfg.SessionTTL, err = envDuration("TSUNAGI_SESSION_TTL", 30*time.Minute)
	collect(err)
	cfg.SweepInterval, err = envDuration("TSUNAGI_SWEEP_INTERVAL", time.Minute)
	collect(err)
	cfg.SnapshotInterval, err = envDuration("TSUNAGI_SNAPSHOT_INTERVAL", 10*time.Second)
	collect(err)

	cfg.EventBufferSize, err = envInt("TSUNAGI_EVENT_BUFFER_SIZE", 200)
	collect(err)
	cfg.SubscriberBuffer, err = envInt("TSUNAGI_SUBSCRIBER_BUFFER", 64)
	collect(err)
	cfg.KeepaliveInterval, err = envDuration("TSUNAGI_KEEPALIVE_INTERVAL", 30*time.Second)
	collect(err)

	cfg.RateLimitEnabled, err = envBool("TSUNAGI_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("TSUNAGI_RATE_LIMIT_RPS", 50)
	collect(err)
	cfg.RateLimitBurst, err = envInt("TSUNAGI_RATE_LIMIT_BURST", 100)
	collect(err)

	cfg.MCPEnabled, err = envBool("TSUNAGI_MCP_ENABLED", true)
	collect(err)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "tsunagi")
	cfg.OTELInsecure, err = envBool("TSUNAGI_OTEL_INSECURE", false)
	collect(err)

	cfg.LogLevel = envStr("TSUNAGI_LOG_LEVEL", "info")
	cfg.ShutdownTimeout, err = envDuration("TSUNAGI_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("TSUNAGI_PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("TSUNAGI_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.MaxRecursionDepth <= 0 {
		errs = append(errs, errors.New("TSUNAGI_MAX_RECURSION_DEPTH must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("TSUNAGI_SESSION_TTL must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("TSUNAGI_SWEEP_INTERVAL must be positive"))
	}
	if c.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("TSUNAGI_SNAPSHOT_INTERVAL must be positive"))
	}
	if c.EventBufferSize <= 0 {
		errs = append(errs, errors.New("TSUNAGI_EVENT_BUFFER_SIZE must be positive"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("TSUNAGI_SUBSCRIBER_BUFFER must be positive"))
	}
	if c.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("TSUNAGI_KEEPALIVE_INTERVAL must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("TSUNAGI_RATE_LIMIT_RPS and TSUNAGI_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("TSUNAGI_SHUTDOWN_TIMEOUT must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel returns the configured log level. Validate guarantees it parses.
func (c Config) SlogLevel() slog.Level {
	lvl, _ := ParseLogLevel(c.LogLevel)
	return lvl
}

// ParseLogLevel maps debug, info, warn and error (case-insensitive) to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("TSUNAGI_LOG_LEVEL=%q is not a valid log level", s)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
