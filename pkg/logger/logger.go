// Package logger provides the application's structured logging setup.
package logger

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"
)

// Module provides the shared logger instances.
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
	fx.Provide(NewHTTPLogger),
)

// NewLogger builds the process-wide slog.Logger.
// LOG_LEVEL selects the level (debug/info/warn|warning/error, case-insensitive,
// anything else falls back to info). GO_ENV=production switches to JSON output.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("GO_ENV"), "production") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Scope tags log records with the component that emitted them.
func Scope(name string) slog.Attr {
	return slog.String("scope", name)
}

// Error is the canonical error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// HTTPLogger emits one access-log line per request.
type HTTPLogger struct {
	log *slog.Logger
}

// NewHTTPLogger creates the request logger used by the server middleware.
func NewHTTPLogger(log *slog.Logger) *HTTPLogger {
	return &HTTPLogger{log: log.With(Scope("http"))}
}

// LogRequest records a completed request. Status >= 500 logs at error,
// >= 400 at warn, everything else at info.
func (h *HTTPLogger) LogRequest(ip, method, uri string, status int, latency time.Duration, userAgent, requestID string) {
	attrs := []any{
		slog.String("ip", ip),
		slog.String("method", method),
		slog.String("uri", uri),
		slog.Int("status", status),
		slog.Duration("latency", latency),
		slog.String("user_agent", userAgent),
		slog.String("request_id", requestID),
	}

	switch {
	case status >= 500:
		h.log.Error("request", attrs...)
	case status >= 400:
		h.log.Warn("request", attrs...)
	default:
		h.log.Info("request", attrs...)
	}
}
