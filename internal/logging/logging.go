// Package logging wraps log/slog the way xkit's xlog wraps it: every call
// takes a context.Context first so request-scoped fields travel with it.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"
)

type ctxKey struct{}

// Logger is a context-first structured logger.
type Logger struct {
	h slog.Handler
}

// New builds a Logger. format is "json" or "text"; level is parsed via
// slog.Level.UnmarshalText semantics (debug/info/warn/error).
func New(format, level string) *Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return &Logger{h: h}
}

// With returns a derived Logger carrying the given attrs on every record.
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	return &Logger{h: l.h.WithAttrs(attrs)}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	if !l.h.Enabled(ctx, level) {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(attrsFromContext(ctx)...)
	r.AddAttrs(attrs...)
	_ = l.h.Handle(ctx, r)
}

func (l *Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelDebug, msg, attrs)
}

func (l *Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelInfo, msg, attrs)
}

func (l *Logger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelWarn, msg, attrs)
}

func (l *Logger) Error(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelError, msg, attrs)
}

// WithRequestID returns a context carrying a request id that Info/Warn/
// Error/Debug will attach to every record logged against it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func attrsFromContext(ctx context.Context) []slog.Attr {
	id, _ := ctx.Value(ctxKey{}).(string)
	if id == "" {
		return nil
	}
	return []slog.Attr{slog.String("request_id", id)}
}
