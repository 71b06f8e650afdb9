// Package obslog provides structured logging for TerrainGossip daemons. It
// wraps log/slog with TerrainGossip's own attribute vocabulary, the same
// way the logging layer it's adapted from wraps slog with Tor's.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with TerrainGossip-specific attribute helpers.
type Logger struct {
	*slog.Logger
}

type contextKey string

const loggerKey contextKey = "obslog-logger"

// New creates a Logger at the given level, writing to w.
func New(level slog.Level, w io.Writer) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler)}
}

// NewDefault creates an Info-level logger writing to stdout.
func NewDefault() *Logger {
	return New(slog.LevelInfo, os.Stdout)
}

// ParseLevel parses "debug"/"info"/"warn"/"error"; unrecognized strings
// fall back to Info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext attaches logger to ctx.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the attached logger, or a default one if none was
// attached.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return NewDefault()
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component tags the logger with a "component" attribute.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// World tags the logger with a world identifier.
func (l *Logger) World(id [32]byte) *Logger {
	return l.With("world_id", shortHex(id[:]))
}

// Circuit tags the logger with a circuit identifier.
func (l *Logger) Circuit(id uint64) *Logger {
	return l.With("circuit_id", id)
}

// Peer tags the logger with a peer address.
func (l *Logger) Peer(addr string) *Logger {
	return l.With("peer", addr)
}

func shortHex(b []byte) string {
	n := 8
	if len(b) < n {
		n = len(b)
	}
	return hexString(b[:n])
}

const hexDigits = "0123456789abcdef"

func hexString(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
