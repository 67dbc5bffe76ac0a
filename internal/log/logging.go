// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package log is the logger used by the library packages of go.opentelemetry.io/ctfstate.
// It wraps a process wide [slog.Logger] behind printf style helpers.
package log // import "go.opentelemetry.io/ctfstate/internal/log"

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// globalLogger writes text records at Info level to stderr until replaced.
var globalLogger = func() *atomic.Pointer[slog.Logger] {
	p := new(atomic.Pointer[slog.Logger])
	p.Store(newTextLogger(os.Stderr, slog.LevelInfo))
	return p
}()

func newTextLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetLogger replaces the global logger.
func SetLogger(l *slog.Logger) {
	globalLogger.Store(l)
}

// SetOutput makes the global logger write text records of at least level to w.
func SetOutput(w io.Writer, level slog.Level) {
	SetLogger(newTextLogger(w, level))
}

func getLogger() *slog.Logger {
	return globalLogger.Load()
}

// Enabled reports whether records of level are written. Callers use it to skip building
// expensive messages.
func Enabled(level slog.Level) bool {
	return getLogger().Enabled(context.Background(), level)
}

func logf(level slog.Level, msg string, args ...any) {
	l := getLogger()
	if !l.Enabled(context.Background(), level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.Log(context.Background(), level, msg)
}

// Debugf logs per packet and per node detail.
func Debugf(msg string, args ...any) { logf(slog.LevelDebug, msg, args...) }

// Infof logs trace and history lifecycle messages.
func Infof(msg string, args ...any) { logf(slog.LevelInfo, msg, args...) }

// Warnf logs recoverable problems, such as a stale cache file being discarded.
func Warnf(msg string, args ...any) { logf(slog.LevelWarn, msg, args...) }

// Errorf logs failures that abort an operation.
func Errorf(msg string, args ...any) { logf(slog.LevelError, msg, args...) }
