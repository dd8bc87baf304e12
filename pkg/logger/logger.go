package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New returns a production-friendly structured logger.
// level is the configured LOG_LEVEL; an empty or unknown value falls back to
// debug for local/dev environments and info otherwise.
// No business logic should depend on logging implementation details.
func New(appEnv, level string) *slog.Logger {
	lv := parseLevel(level)
	if lv == nil {
		def := slog.LevelInfo
		if appEnv == "local" || appEnv == "dev" {
			def = slog.LevelDebug
		}
		lv = &def
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: *lv})
	return slog.New(h)
}

func parseLevel(level string) *slog.Level {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "info":
		lv = slog.LevelInfo
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		return nil
	}
	return &lv
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ShutdownFlush is a placeholder for future log flushing (if a buffered logger is used).
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
