package voxman

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with voxman-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithVolume adds the volume name to the logger.
func (l *Logger) WithVolume(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("volume", name),
	}
}

// WithLayer adds the layer name to the logger.
func (l *Logger) WithLayer(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("layer", name),
	}
}

// WithAccess adds an access handle to the logger.
func (l *Logger) WithAccess(h AccessHandle) *Logger {
	return &Logger{
		Logger: l.Logger.With("access", uint64(h)),
	}
}

// LogLock logs a lock attempt over chunks chunks.
func (l *Logger) LogLock(ctx context.Context, mode Mode, chunks int, err error) {
	if err != nil {
		l.DebugContext(ctx, "lock failed",
			"mode", mode.String(),
			"chunks", chunks,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "lock acquired",
			"mode", mode.String(),
			"chunks", chunks,
		)
	}
}

// LogSweep logs the outcome of a sweep over one volume.
func (l *Logger) LogSweep(ctx context.Context, volume string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "sweep failed",
			"volume", volume,
			"error", err,
		)
	}
}

// LogVolume logs a volume lifecycle operation.
func (l *Logger) LogVolume(ctx context.Context, op, volume string, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"volume", volume,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed",
			"volume", volume,
		)
	}
}
