// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package log lets programs using go.opentelemetry.io/ctfstate control where its
// packages log to.
package log // import "go.opentelemetry.io/ctfstate/log"

import (
	"log/slog"
	"os"

	"go.opentelemetry.io/ctfstate/internal/log"
)

// SetLevel makes the library write text records of at least level to stderr.
func SetLevel(level slog.Level) {
	log.SetOutput(os.Stderr, level)
}

// SetLogger routes library records to l.
func SetLogger(l *slog.Logger) {
	log.SetLogger(l)
}
