package logger

import (
	"context"
	"log/slog"
	"time"
)

// QueryLogger times one store operation and logs its outcome.
type QueryLogger struct {
	Backend   string
	Operation string
	Target    string
	StartTime time.Time
}

func NewQueryLogger(backend, operation, target string) *QueryLogger {
	return &QueryLogger{
		Backend:   backend,
		Operation: operation,
		Target:    target,
		StartTime: time.Now(),
	}
}

// Log records the result. Failures log at Error, successes at Debug since
// every balance change goes through here.
func (l *QueryLogger) Log(ctx context.Context, err error, rowsAffected int64) {
	attrs := []slog.Attr{
		slog.String("type", "db"),
		slog.String("backend", l.Backend),
		slog.String("operation", l.Operation),
		slog.String("target", l.Target),
		slog.Duration("took", time.Since(l.StartTime)),
	}
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "Store operation failed", append(attrs, slog.Any("error", err))...)
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "Store operation executed", append(attrs, slog.Int64("affected_rows", rowsAffected))...)
}
