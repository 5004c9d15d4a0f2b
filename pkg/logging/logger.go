// Package logging configures the process-wide zerolog logger and hands out
// request-scoped loggers.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/weather-proxy/pkg/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrUnknownLevel is returned by ParseLevel for an unsupported level name.
var ErrUnknownLevel = errors.New("unknown log level")

// Config selects level, format and static fields of the global logger.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service and Version are attached to every line when set.
	Service string
	Version string
}

// ParseLevel maps a configured level name onto a zerolog level.
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
	}
}

// Setup installs the global logger and returns it. An unknown level falls
// back to info and is reported on the new logger.
func Setup(cfg Config) zerolog.Logger {
	level, levelErr := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	fields := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		fields = fields.Str("service", cfg.Service)
	}
	if cfg.Version != "" {
		fields = fields.Str("version", cfg.Version)
	}
	logger := fields.Logger()
	log.Logger = logger

	if levelErr != nil {
		logger.Warn().Err(levelErr).Msg("Falling back to info level")
	}
	return logger
}

// NewLogger returns a child of the global logger tagged with component.
// Use it for background work that runs outside any request.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// FromContext returns the request-scoped logger bound by requestid.Begin.
// Outside a request scope it returns the global logger tagged with
// request_id=no-request-id, so every line can be grepped by correlation id.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil && requestid.Bound(ctx) {
		return zerolog.Ctx(ctx)
	}
	l := log.With().Str("request_id", requestid.NoRequestID).Logger()
	return &l
}

// Levels:
//
//	debug  cache hits and misses, first-try upstream successes
//	info   cache writes, Redis state changes, startup and shutdown phases,
//	       terminal upstream answers such as an unknown city
//	warn   retries, cache fallbacks
//	error  exhausted retries, failed resource closes, bad configuration
//
// Common fields: request_id, component, endpoint, cache_key, attempt,
// status_code, error_class, backoff.
