package statelog

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with statelog-specific helpers so call sites log
// consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler falls
// back to a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger with human-readable output at the given
// level.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewJSONLogger creates a Logger with JSON output at the given level.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// LogAppend logs an append operation.
func (l *Logger) LogAppend(id uint64, elements int, persisted bool, err error) {
	if err != nil {
		l.Error("append failed", "id", id, "elements", elements, "error", err)
		return
	}
	l.Debug("append completed", "id", id, "elements", elements, "persisted", persisted)
}

// LogFallback logs the one-time fallback to buffer-only mode.
func (l *Logger) LogFallback(rootDir string, err error) {
	l.Warn("paged backend unavailable, falling back to ring buffer",
		"root_dir", rootDir, "error", err)
}

// LogGC logs the outcome of a garbage collection pass.
func (l *Logger) LogGC(reclaimedEntries, reclaimedPages, moved int, took time.Duration) {
	l.Info("gc pass",
		"reclaimed_entries", reclaimedEntries,
		"reclaimed_pages", reclaimedPages,
		"moved_entries", moved,
		"took", took,
	)
}
