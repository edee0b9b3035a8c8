// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for interop and every driver opened
// through an Accelerator. By default nothing is logged.
//
// Pass nil to restore the silent default.
//
// Log levels used:
//   - [slog.LevelDebug]: map, unmap, fill and copy transitions
//   - [slog.LevelInfo]: accelerator and buffer lifecycle
//   - [slog.LevelWarn]: leaked buffers, incomplete teardown
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	accelMu.RLock()
	defer accelMu.RUnlock()
	for a := range accels {
		propagateLogger(a.drv, l)
	}
}

// Logger returns the current logger. Driver packages call it to share the
// same configuration.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by drivers that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

func propagateLogger(drv any, l *slog.Logger) {
	if ls, ok := drv.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
