package proposalflow

import (
	"context"
	"io"
	"log/slog"
)

type contextKey string

const (
	loggerContextKey contextKey = "logger"
	nodeIDContextKey contextKey = "node_id"
)

// WithLogger returns a context carrying the given logger. The engine attaches
// a run-scoped logger before invoking each node; there is no package-level
// logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext returns the logger carried by the context, or a discard
// logger when none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withNodeID returns a context carrying the ID of the node being invoked.
func withNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDContextKey, nodeID)
}

// NodeIDFromContext returns the ID of the node currently executing.
func NodeIDFromContext(ctx context.Context) (string, bool) {
	nodeID, ok := ctx.Value(nodeIDContextKey).(string)
	return nodeID, ok
}
