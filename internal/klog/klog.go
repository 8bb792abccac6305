// Package klog is the kernel's boot/diagnostic logger. It wraps log/slog
// the way _examples/smoynes-elsie/internal/log wraps slog with a
// package-level default logger and a settable level, adapted here to the
// teacher's habit of a single global fmt.Printf-style trace point (see
// bdev_debug in biscuit/src/fs/blk.go) instead of a per-component logger
// tree — this kernel has one console, so it gets one logger.
package klog

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var level = new(slog.LevelVar)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
	Level: level,
}))

// traceEnabled gates high-volume ISR/driver tracing, the same way a
// bdev_debug compile-time flag would. It is checked in addition to the
// slog level: Trace emits at Debug, so trace lines reach the output only
// when tracing is enabled and the level is Debug or lower.
var traceEnabled atomic.Bool

// SetOutput redirects the logger, used by tests that want to assert on log
// output instead of printing to stdout.
func SetOutput(w io.Writer) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetLevel adjusts the minimum level that reaches the output.
func SetLevel(l slog.Level) { level.Set(l) }

// EnableTrace turns on high-volume driver/ISR tracing.
func EnableTrace(on bool) { traceEnabled.Store(on) }

// Tracing reports whether driver/ISR tracing is enabled.
func Tracing() bool { return traceEnabled.Load() }

// Info logs a boot/diagnostic message.
func Info(msg string, args ...any) { logger.Info(msg, args...) }

// Warn logs a recoverable anomaly.
func Warn(msg string, args ...any) { logger.Warn(msg, args...) }

// Trace logs a high-volume driver/ISR message at Debug level, only when
// tracing is enabled.
func Trace(msg string, args ...any) {
	if traceEnabled.Load() {
		logger.Debug(msg, args...)
	}
}
