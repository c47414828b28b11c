// Package logging builds the structured loggers used across midatasets.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// Config is a minimal, convenient set of options.
type Config struct {
	// If Out is nil, stderr is used unless Logfile is set.
	Out io.Writer

	// Logfile switches output to a size-rotated file.
	Logfile string
	MaxSize int // megabytes
	MaxAge  int // days

	Level slog.Level
	JSON  bool
}

// NewLogger creates a configured *slog.Logger and a close func that
// releases the log file, if any.
func NewLogger(cfg Config) (*slog.Logger, func() error) {
	out := cfg.Out
	closer := func() error { return nil }
	if cfg.Logfile != "" {
		l := &lumberjack.Logger{
			Filename: cfg.Logfile,
			MaxSize:  cfg.MaxSize,
			MaxAge:   cfg.MaxAge,
		}
		out = l
		closer = l.Close
	}
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// nopHandler is a tiny no-op slog.Handler.
type nopHandler struct{}

func (n *nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (n *nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (n *nopHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return n }
func (n *nopHandler) WithGroup(name string) slog.Handler        { return n }

// NewNopLogger returns a logger that discards all log events.
func NewNopLogger() *slog.Logger {
	return slog.New(&nopHandler{})
}

var _ slog.Handler = (*nopHandler)(nil)

type ctxKeyType struct{}

var ctxKey ctxKeyType

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// OrNop returns logger, or a nop logger when logger is nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NewNopLogger()
	}
	return logger
}
