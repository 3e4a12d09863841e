// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package logging wraps log/slog with the field names used across the store.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with store-specific helpers.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewText creates a Logger that writes human-readable text logs to w.
func NewText(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewJSON creates a Logger that writes JSON logs to w.
func NewJSON(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Noop creates a Logger that discards all output.
func Noop() *Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// OrNoop returns l, or a discarding logger when l is nil.
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return Noop()
	}
	return l
}

// WithNode adds the node name field.
func (l *Logger) WithNode(name string) *Logger {
	return &Logger{Logger: l.Logger.With("node", name)}
}

// WithMap adds the map id field.
func (l *Logger) WithMap(mapID int) *Logger {
	return &Logger{Logger: l.Logger.With("map", mapID)}
}

// WithPartition adds the partition range field.
func (l *Logger) WithPartition(r string) *Logger {
	return &Logger{Logger: l.Logger.With("range", r)}
}

// WithVersion adds a version field.
func (l *Logger) WithVersion(v uint64) *Logger {
	return &Logger{Logger: l.Logger.With("version", v)}
}

// LogMassPut logs the registration of a mass update.
func (l *Logger) LogMassPut(ctx context.Context, mapID int, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "mass put failed",
			"map", mapID,
			"version", version,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "mass put registered",
		"map", mapID,
		"version", version,
	)
}

// LogEvaluation logs the evaluation of a mass update template.
func (l *Logger) LogEvaluation(ctx context.Context, version uint64, updates, exempt int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "mass evaluation failed",
			"version", version,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "mass evaluation completed",
		"version", version,
		"updates", updates,
		"exempt", exempt,
	)
}

// LogFired logs a mass record becoming ready.
func (l *Logger) LogFired(ctx context.Context, version uint64, continuations int) {
	l.DebugContext(ctx, "mass record fired",
		"version", version,
		"continuations", continuations,
	)
}

// LogStale logs continuations that have been waiting longer than expected.
func (l *Logger) LogStale(ctx context.Context, target string, version uint64, kind string, age string) {
	l.WarnContext(ctx, "continuation still pending",
		"target", target,
		"version", version,
		"kind", kind,
		"age", age,
	)
}
