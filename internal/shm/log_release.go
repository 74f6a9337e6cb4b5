//go:build !shmbus_debug

package shm

import "log/slog"

// SetLogger sets the logger for the shm package. In release mode this does
// nothing, but the signature must match so user code compiles either way.
func SetLogger(l *slog.Logger) {}

// Debug is a no-op in release mode; the compiler removes the calls.
func Debug(msg string, args ...any) {}
