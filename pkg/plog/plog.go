package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Custom levels. slog only knows DEBUG/INFO/WARN/ERROR; NOTICE sits between
// DEBUG and INFO and is used for per-item operations (rename, delete, link).
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// replaceLevel renders the custom NOTICE level by name instead of "INFO-2".
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}

// New builds a logger that sends records below WARN to stdout and the rest to
// stderr. level is shared so callers can change verbosity after construction.
func New(stdout, stderr io.Writer, level slog.Leveler) *slog.Logger {
	stdoutHandler := slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	})
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       levelAtLeast{level: level, min: LevelWarn},
		ReplaceAttr: replaceLevel,
	})
	return slog.New(&LevelDispatchHandler{
		stdoutHandler: stdoutHandler,
		stderrHandler: stderrHandler,
	})
}

// levelAtLeast never lets the stderr handler drop below WARN, while still
// honouring a configured level above it (e.g. ERROR).
type levelAtLeast struct {
	level slog.Leveler
	min   slog.Level
}

func (l levelAtLeast) Level() slog.Level {
	return max(l.level.Level(), l.min)
}

var (
	mu            sync.RWMutex
	level         = new(slog.LevelVar)
	defaultLogger *slog.Logger
)

func init() {
	level.Set(LevelInfo)
	defaultLogger = New(os.Stdout, os.Stderr, level)
}

// Default returns the process-wide logger used by the command layer. Library
// packages receive a logger explicitly and fall back to this one when given nil.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// SetOutput allows redirecting the logger's output, primarily for testing.
// All levels are written to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	}))
}

// SetLevel sets the minimum level of the process-wide logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// LevelFromString maps a config/flag value to a level. Unknown values map to INFO.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Notice logs a per-item operation message.
func Notice(msg string, args ...any) {
	Default().Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// OrDefault returns l, or the process-wide logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Default()
	}
	return l
}
