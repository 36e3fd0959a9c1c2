// Package logging configures the process-wide structured logger and carries
// it through context values so every layer (engine, server, CLI) logs with
// the same handler and request-scoped attributes.
//
// Two environment variables control the output:
//
//	LOG_LEVEL  = debug | info | warn | error  (default: info)
//	LOG_FORMAT = json | text                  (default: json)
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// loggerKey is the unexported context key for the carried logger.
type loggerKey struct{}

// levelNames maps LOG_LEVEL values to slog levels. Unknown values fall back
// to info.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a [*slog.Logger] writing to stderr, honouring LOG_LEVEL and
// LOG_FORMAT. JSON output is the default; text is meant for local runs.
func New() *slog.Logger {
	level, ok := levelNames[strings.ToLower(os.Getenv("LOG_LEVEL"))]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or [slog.Default] when none
// is present, so call sites never nil-check.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
