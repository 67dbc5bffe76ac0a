// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package bitbuf reads bit-packed integers, floats and strings out of a byte slice the way
// CTF lays them out: fields may start at any bit, may have any width up to 64 bits and use
// either byte order. Out of bounds accesses return ErrOutOfBounds instead of panicking.
package bitbuf // import "go.opentelemetry.io/ctfstate/ctf/bitbuf"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// ByteOrder selects how multi-byte fields are laid out.
type ByteOrder uint8

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "be"
	}
	return "le"
}

// ErrOutOfBounds is returned when a read crosses the reader limit.
var ErrOutOfBounds = errors.New("read past end of buffer")

// Reader is a cursor over a byte slice with bit granularity.
type Reader struct {
	data []byte
	// pos is the current position in bits.
	pos uint64
	// limit is the position in bits that reads must not cross.
	limit uint64
}

// New creates a reader covering all of data.
func New(data []byte) *Reader {
	return &Reader{data: data, limit: uint64(len(data)) * 8}
}

// Reset points the reader at new data, rewinding it.
func (r *Reader) Reset(data []byte) {
	r.data = data
	r.pos = 0
	r.limit = uint64(len(data)) * 8
}

// Position returns the current offset in bits.
func (r *Reader) Position() uint64 { return r.pos }

// Limit returns the offset in bits past which nothing can be read.
func (r *Reader) Limit() uint64 { return r.limit }

// Remaining returns the number of bits left before the limit.
func (r *Reader) Remaining() uint64 {
	if r.pos >= r.limit {
		return 0
	}
	return r.limit - r.pos
}

// Seek moves the cursor to an absolute bit offset.
func (r *Reader) Seek(bitPos uint64) error {
	if bitPos > r.limit {
		return fmt.Errorf("seek to bit %d beyond limit %d: %w", bitPos, r.limit, ErrOutOfBounds)
	}
	r.pos = bitPos
	return nil
}

// SetLimit restricts reads to the first bits of the buffer, e.g. a packet's content size.
func (r *Reader) SetLimit(bits uint64) error {
	if bits > uint64(len(r.data))*8 {
		return fmt.Errorf("limit %d exceeds buffer of %d bits: %w",
			bits, uint64(len(r.data))*8, ErrOutOfBounds)
	}
	r.limit = bits
	return nil
}

// Align advances the cursor to the next multiple of align bits.
func (r *Reader) Align(align uint64) error {
	if align <= 1 {
		return nil
	}
	next := AlignUp(r.pos, align)
	if next > r.limit {
		return fmt.Errorf("align to %d at bit %d: %w", align, r.pos, ErrOutOfBounds)
	}
	r.pos = next
	return nil
}

// Skip advances the cursor by n bits.
func (r *Reader) Skip(n uint64) error {
	if r.pos+n > r.limit {
		return ErrOutOfBounds
	}
	r.pos += n
	return nil
}

// ReadBits reads an unsigned integer of size bits (1..64) at the current position.
func (r *Reader) ReadBits(size uint, order ByteOrder) (uint64, error) {
	if size == 0 || size > 64 {
		return 0, fmt.Errorf("unsupported integer width %d", size)
	}
	if r.pos+uint64(size) > r.limit {
		return 0, fmt.Errorf("read of %d bits at bit %d (limit %d): %w",
			size, r.pos, r.limit, ErrOutOfBounds)
	}

	// Byte aligned, byte sized fields are by far the most common case.
	if r.pos%8 == 0 && size%8 == 0 {
		if v, ok := r.readAligned(size, order); ok {
			r.pos += uint64(size)
			return v, nil
		}
	}

	var v uint64
	if order == LittleEndian {
		v = r.readLE(size)
	} else {
		v = r.readBE(size)
	}
	r.pos += uint64(size)
	return v, nil
}

func (r *Reader) readAligned(size uint, order ByteOrder) (uint64, bool) {
	b := r.data[r.pos/8:]
	var bo binary.ByteOrder = binary.LittleEndian
	if order == BigEndian {
		bo = binary.BigEndian
	}
	switch size {
	case 8:
		return uint64(b[0]), true
	case 16:
		return uint64(bo.Uint16(b)), true
	case 32:
		return uint64(bo.Uint32(b)), true
	case 64:
		return bo.Uint64(b), true
	}
	return 0, false
}

// readLE assembles bits starting from the least significant bit of each byte.
func (r *Reader) readLE(size uint) uint64 {
	var v uint64
	var shift uint
	p := r.pos
	for remaining := size; remaining > 0; {
		off := uint(p % 8)
		n := min(8-off, remaining)
		chunk := (uint64(r.data[p/8]) >> off) & (1<<n - 1)
		v |= chunk << shift
		shift += n
		p += uint64(n)
		remaining -= n
	}
	return v
}

// readBE assembles bits starting from the most significant bit of each byte.
func (r *Reader) readBE(size uint) uint64 {
	var v uint64
	p := r.pos
	for remaining := size; remaining > 0; {
		off := uint(p % 8)
		n := min(8-off, remaining)
		chunk := (uint64(r.data[p/8]) >> (8 - off - n)) & (1<<n - 1)
		v = v<<n | chunk
		p += uint64(n)
		remaining -= n
	}
	return v
}

// ReadInt reads an integer and sign-extends it when signed is set. The result carries the
// two's complement bit pattern in a uint64.
func (r *Reader) ReadInt(size uint, signed bool, order ByteOrder) (uint64, error) {
	v, err := r.ReadBits(size, order)
	if err != nil {
		return 0, err
	}
	if signed {
		return uint64(SignExtend(v, size)), nil
	}
	return v, nil
}

// ReadFloat reads an IEEE 754 binary32 or binary64 value.
func (r *Reader) ReadFloat(size uint, order ByteOrder) (float64, error) {
	v, err := r.ReadBits(size, order)
	if err != nil {
		return 0, err
	}
	switch size {
	case 32:
		return float64(math.Float32frombits(uint32(v))), nil
	case 64:
		return math.Float64frombits(v), nil
	}
	return 0, fmt.Errorf("unsupported floating point width %d", size)
}

// ReadCString reads a byte aligned, null terminated string.
func (r *Reader) ReadCString() (string, error) {
	if err := r.Align(8); err != nil {
		return "", err
	}
	start := r.pos / 8
	end := r.limit / 8
	for i := start; i < end; i++ {
		if r.data[i] == 0 {
			r.pos = (i + 1) * 8
			return string(r.data[start:i]), nil
		}
	}
	return "", fmt.Errorf("unterminated string at byte %d: %w", start, ErrOutOfBounds)
}

// ReadBytes returns the next n bytes. The cursor must be byte aligned.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if r.pos%8 != 0 {
		return nil, fmt.Errorf("byte read at unaligned bit %d", r.pos)
	}
	if r.pos+uint64(n)*8 > r.limit {
		return nil, ErrOutOfBounds
	}
	start := r.pos / 8
	r.pos += uint64(n) * 8
	return r.data[start : start+uint64(n)], nil
}

// SignExtend interprets the low size bits of v as a two's complement number.
func SignExtend(v uint64, size uint) int64 {
	if size >= 64 {
		return int64(v)
	}
	shift := 64 - size
	return int64(v<<shift) >> shift
}

// AlignUp rounds v up to the next multiple of align.
func AlignUp[T constraints.Unsigned](v, align T) T {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
