// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend stores the completed intervals of a state system, in memory or in a
// history tree file.
package backend // import "go.opentelemetry.io/ctfstate/statesystem/backend"

import (
	"errors"

	"go.opentelemetry.io/ctfstate/statesystem/interval"
)

var (
	// ErrFinished is returned when inserting into a backend after Finish.
	ErrFinished = errors.New("backend is finished")
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("backend is disposed")
)

// Backend stores completed intervals. Intervals of one quark are inserted in time order.
//
// Insert and Finish are called by a single writer. Queries may run concurrently with each
// other, but not with Insert or Finish.
type Backend interface {
	// StartTime returns the start of the history.
	StartTime() int64
	// EndTime returns the latest interval end inserted so far, or the end passed to Finish.
	EndTime() int64

	// Insert stores a completed interval.
	Insert(iv interval.Interval) error
	// Finish stores the serialized attribute tree and seals the backend at end.
	Finish(end int64, attributes []byte) error
	// Attributes returns the attribute tree passed to Finish.
	Attributes() ([]byte, error)

	// Query returns the stored interval of quark that contains ts.
	Query(ts int64, quark int) (interval.Interval, bool, error)
	// QueryAll stores in out[quark] every stored interval containing ts, for quarks below
	// len(out).
	QueryAll(ts int64, out []interval.Interval, found []bool) error

	// Dispose releases the backend's resources.
	Dispose() error
}
