package logger

import (
	"context"
	"log/slog"
	"os"
)

type Logger struct {
	*slog.Logger
}

var isDebug = os.Getenv("DEBUG")

// NewLogger creates a new Logger instance writing to stderr.
func NewLogger() *Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if isDebug == "1" {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}
	}
	return &Logger{Logger: slog.New(newHandler(os.Stderr, opts))}
}

// withError enhances log attributes with error details if present
func withError(err error, attrs []slog.Attr) []slog.Attr {
	if err == nil {
		return attrs
	}
	return append(attrs, slog.String("error", err.Error()))
}

func toArgs(attrs []slog.Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}

func (l *Logger) Info(msg string, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.Info(msg, toArgs(attrs)...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.InfoContext(ctx, msg, toArgs(attrs)...)
}

func (l *Logger) Warn(msg string, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.Warn(msg, toArgs(attrs)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.WarnContext(ctx, msg, toArgs(attrs)...)
}

func (l *Logger) Error(msg string, err error, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.Error(msg, toArgs(withError(err, attrs))...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.ErrorContext(ctx, msg, toArgs(withError(err, attrs))...)
}

func (l *Logger) Fatal(msg string, err error, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		os.Exit(1)
		return
	}
	l.Logger.Error(msg, toArgs(withError(err, attrs))...)
	os.Exit(1)
}

func (l *Logger) FatalContext(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		os.Exit(1)
		return
	}
	l.Logger.ErrorContext(ctx, msg, toArgs(withError(err, attrs))...)
	os.Exit(1)
}

func (l *Logger) Debug(msg string, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.Debug(msg, toArgs(attrs)...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.DebugContext(ctx, msg, toArgs(attrs)...)
}

// With creates a new Logger with the given attributes included in all
// subsequent messages.
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	if l == nil || l.Logger == nil {
		return nil
	}
	return &Logger{Logger: l.Logger.With(toArgs(attrs)...)}
}
