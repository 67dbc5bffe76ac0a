// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package interval defines the state intervals stored by state history backends.
package interval // import "go.opentelemetry.io/ctfstate/statesystem/interval"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/ctfstate/statesystem/statevalue"
)

var errShort = errors.New("interval record truncated")

// Interval is the value of one attribute over the inclusive time range [Start, End].
type Interval struct {
	Start, End int64
	Quark      int
	Value      statevalue.Value
}

// Contains reports whether ts is within the interval.
func (iv Interval) Contains(ts int64) bool {
	return iv.Start <= ts && ts <= iv.End
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d, %d] quark %d = %s", iv.Start, iv.End, iv.Quark, iv.Value)
}

// EncodedSize returns the number of bytes AppendBinary adds.
func (iv Interval) EncodedSize() int {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], iv.Start)
	n += binary.PutUvarint(buf[:], uint64(iv.End-iv.Start))
	n += binary.PutUvarint(buf[:], uint64(iv.Quark))
	return n + iv.Value.EncodedSize()
}

// AppendBinary appends the start, the duration and the quark as varints, then the value.
func (iv Interval) AppendBinary(b []byte) []byte {
	b = binary.AppendVarint(b, iv.Start)
	b = binary.AppendUvarint(b, uint64(iv.End-iv.Start))
	b = binary.AppendUvarint(b, uint64(iv.Quark))
	return iv.Value.AppendBinary(b)
}

// Decode reads an interval written by AppendBinary and returns the bytes it used.
func Decode(b []byte) (Interval, int, error) {
	var iv Interval
	start, n := binary.Varint(b)
	if n <= 0 {
		return iv, 0, errShort
	}
	used := n
	dur, n := binary.Uvarint(b[used:])
	if n <= 0 {
		return iv, 0, errShort
	}
	used += n
	quark, n := binary.Uvarint(b[used:])
	if n <= 0 {
		return iv, 0, errShort
	}
	used += n
	v, n, err := statevalue.Decode(b[used:])
	if err != nil {
		return iv, 0, err
	}
	used += n

	iv = Interval{Start: start, End: start + int64(dur), Quark: int(quark), Value: v}
	return iv, used, nil
}
