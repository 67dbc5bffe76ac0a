// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint records the location of every Nth event of a trace so that seeking by
// time or by event rank decodes only from the nearest checkpoint.
package checkpoint // import "go.opentelemetry.io/ctfstate/checkpoint"

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/ctfstate/ctf"
)

// RecordSize is the size of a marshaled checkpoint.
const RecordSize = 32

var errRecordSize = errors.New("checkpoint record must be 32 bytes")

// Checkpoint is the position of one event in the merged event order.
type Checkpoint struct {
	Timestamp int64
	Location  ctf.Location
	// Rank is the number of events before this one.
	Rank uint64
}

// Compare orders checkpoints by timestamp, then rank.
func (c Checkpoint) Compare(o Checkpoint) int {
	if r := cmp.Compare(c.Timestamp, o.Timestamp); r != 0 {
		return r
	}
	return cmp.Compare(c.Rank, o.Rank)
}

// Equal reports whether both checkpoints have the same timestamp and rank.
func (c Checkpoint) Equal(o Checkpoint) bool {
	return c.Compare(o) == 0
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("checkpoint{ts=%d loc=%s rank=%d}", c.Timestamp, c.Location, c.Rank)
}

// MarshalBinary encodes the checkpoint as four little endian 64 bit words: timestamp,
// location timestamp, location index and rank.
func (c Checkpoint) MarshalBinary() ([]byte, error) {
	return c.appendBinary(make([]byte, 0, RecordSize)), nil
}

func (c Checkpoint) appendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(c.Timestamp))
	b = binary.LittleEndian.AppendUint64(b, uint64(c.Location.Timestamp))
	b = binary.LittleEndian.AppendUint64(b, c.Location.Index)
	return binary.LittleEndian.AppendUint64(b, c.Rank)
}

// UnmarshalBinary decodes a record written by MarshalBinary.
func (c *Checkpoint) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("%w, got %d", errRecordSize, len(data))
	}
	c.Timestamp = int64(binary.LittleEndian.Uint64(data[0:]))
	c.Location.Timestamp = int64(binary.LittleEndian.Uint64(data[8:]))
	c.Location.Index = binary.LittleEndian.Uint64(data[16:])
	c.Rank = binary.LittleEndian.Uint64(data[24:])
	return nil
}
