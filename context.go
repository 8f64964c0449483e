package taskpipe

import (
	"context"
	"log/slog"
)

type ContextKey string

const LoggerContextKey ContextKey = "logger"

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

// LoggerFromContext returns the context logger, or a discarding logger if
// none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok && logger != nil {
		return logger
	}
	return discardLogger()
}
