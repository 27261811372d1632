package telemetry

import (
	"context"
	"log/slog"
)

// SlogLogger adapts a *slog.Logger to the Logger interface. Structured
// key-value pairs are passed through to slog unchanged.
//
// goa.design/clue/log is not used here: clue's logging helpers are written
// against Goa's own generated request context, and this module does not carry
// the Goa DSL/codegen stack (out of scope per the spec's transport boundary).
// log/slog is the idiomatic stdlib choice and is what tombee-conductor's own
// internal/log package wraps for the same purpose.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger constructs a Logger backed by the given *slog.Logger. A nil
// logger falls back to slog.Default().
func NewSlogLogger(log *slog.Logger) Logger {
	if log == nil {
		log = slog.Default()
	}
	return &SlogLogger{log: log}
}

func (l *SlogLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	l.log.DebugContext(ctx, msg, keyvals...)
}

func (l *SlogLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	l.log.InfoContext(ctx, msg, keyvals...)
}

func (l *SlogLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.log.WarnContext(ctx, msg, keyvals...)
}

func (l *SlogLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	l.log.ErrorContext(ctx, msg, keyvals...)
}
