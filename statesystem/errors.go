// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package statesystem // import "go.opentelemetry.io/ctfstate/statesystem"

import (
	"errors"

	"go.opentelemetry.io/ctfstate/statesystem/attributetree"
)

var (
	// ErrAttributeNotFound is returned for quarks and paths that were never allocated.
	ErrAttributeNotFound = attributetree.ErrAttributeNotFound
	// ErrTimeRange is returned for timestamps outside of [StartTime, CurrentEndTime].
	ErrTimeRange = errors.New("timestamp outside of the history range")
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("state system is disposed")
	// ErrSealed is returned when modifying a state system after CloseHistory.
	ErrSealed = errors.New("state system is sealed")
	// ErrOutOfOrder is returned for a state change older than the attribute's current
	// state. It means the state provider is broken.
	ErrOutOfOrder = errors.New("out of order state change")
)
