// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ctf // import "go.opentelemetry.io/ctfstate/ctf"

import (
	"cmp"
	"fmt"

	"go.opentelemetry.io/ctfstate/ctf/metadata"
	"go.opentelemetry.io/ctfstate/ctf/types"
)

// Location identifies an event in the merged event order: its timestamp and the number of
// events with the same timestamp that come before it.
type Location struct {
	Timestamp int64
	Index     uint64
}

// Compare orders locations by timestamp, then index.
func (l Location) Compare(o Location) int {
	if c := cmp.Compare(l.Timestamp, o.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(l.Index, o.Index)
}

func (l Location) String() string {
	return fmt.Sprintf("%d#%d", l.Timestamp, l.Index)
}

// Event is one decoded event record.
type Event struct {
	// Timestamp is in nanoseconds, converted with the clock the event header maps to.
	Timestamp int64
	Decl      *metadata.Event
	StreamID  uint64
	// StreamFile is the base name of the stream file the event was read from.
	StreamFile string
	// CPU is the packet context cpu_id, or the position of the stream file in the trace
	// when packets carry none.
	CPU int64

	PacketContext *types.StructValue
	Header        *types.StructValue
	StreamContext *types.StructValue
	Context       *types.StructValue
	Fields        *types.StructValue

	Location Location
}

// Name returns the declared event name.
func (e *Event) Name() string {
	return e.Decl.Name
}

// Field returns a payload field, walking nested structs and variants along path.
func (e *Event) Field(path ...string) (types.Value, bool) {
	if e.Fields == nil {
		return nil, false
	}
	return e.Fields.Lookup(path...)
}

// IntField returns an integer or enum payload field.
func (e *Event) IntField(path ...string) (int64, bool) {
	v, ok := e.Field(path...)
	if !ok {
		return 0, false
	}
	return types.AsInt64(v)
}

// StringField returns a string payload field.
func (e *Event) StringField(path ...string) (string, bool) {
	v, ok := e.Field(path...)
	if !ok {
		return "", false
	}
	return types.AsString(v)
}
