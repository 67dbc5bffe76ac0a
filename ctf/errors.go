// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ctf // import "go.opentelemetry.io/ctfstate/ctf"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/ctfstate/ctf/metadata"
)

var (
	// ErrNotCTF is returned for directories that do not hold a CTF trace at all.
	ErrNotCTF = errors.New("not a CTF trace")
	// ErrCorrupt is returned for CTF traces whose metadata or streams cannot be decoded.
	ErrCorrupt = errors.New("corrupt CTF trace")
)

// DecodeError locates a failure to decode a stream file. It matches ErrCorrupt.
type DecodeError struct {
	File string
	// PacketOffset is the byte offset of the packet in the stream file.
	PacketOffset int64
	// BitOffset is the position inside the packet where decoding failed.
	BitOffset uint64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: packet at offset %d, bit %d: %v",
		e.File, e.PacketOffset, e.BitOffset, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrCorrupt, e.Err}
}

// classifyMetadataError maps metadata failures to ErrNotCTF or ErrCorrupt while keeping the
// parse error reachable through errors.As.
func classifyMetadataError(err error) error {
	var perr *metadata.ParseError
	if errors.As(err, &perr) && perr.Kind == metadata.KindBadMagic {
		return fmt.Errorf("%w: %w", ErrNotCTF, err)
	}
	return fmt.Errorf("%w: %w", ErrCorrupt, err)
}
