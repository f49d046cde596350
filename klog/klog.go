// Package klog is the kernel diagnostics sink. Until Init is called every
// message is discarded, matching a machine with no console attached yet.
package klog

import (
	"io"
	"log/slog"
	"sync"
)

// L is the global logger instance. It's initialized to discard all output by default.
var L = slog.New(slog.NewTextHandler(io.Discard, nil))

var mu sync.Mutex

// Options configures the logger initialization.
type Options struct {
	// Writer receives log records; nil discards everything.
	Writer io.Writer

	// Level is the minimum level. Default: LevelInfo.
	Level slog.Level

	// JSON selects the JSON handler instead of key=value text.
	JSON bool
}

// Init configures logging. Call before booting the memory manager.
func Init(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	if opts.Writer == nil {
		L = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		L = slog.New(slog.NewJSONHandler(opts.Writer, handlerOpts))
		return
	}
	L = slog.New(slog.NewTextHandler(opts.Writer, handlerOpts))
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Unknown names fall back to info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// With returns a logger tagged with the given component name.
func With(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return L.With("module", component)
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { logger().Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { logger().Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { logger().Warn(msg, args...) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) { logger().Error(msg, args...) }

func logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return L
}
