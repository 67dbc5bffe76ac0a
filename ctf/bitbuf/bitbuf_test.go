// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package bitbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBits(t *testing.T) {
	tests := map[string]struct {
		data     []byte
		skip     uint64
		size     uint
		order    ByteOrder
		expected uint64
	}{
		"u8":                {data: []byte{0xab}, size: 8, expected: 0xab},
		"u16 le":            {data: []byte{0x34, 0x12}, size: 16, expected: 0x1234},
		"u16 be":            {data: []byte{0x12, 0x34}, size: 16, order: BigEndian, expected: 0x1234},
		"u32 le":            {data: []byte{0x78, 0x56, 0x34, 0x12}, size: 32, expected: 0x12345678},
		"u64 be":            {data: []byte{0, 0, 0, 0, 0, 0, 1, 2}, size: 64, order: BigEndian, expected: 0x102},
		"low nibble le":     {data: []byte{0xa5}, size: 4, expected: 0x5},
		"high nibble le":    {data: []byte{0xa5}, skip: 4, size: 4, expected: 0xa},
		"high nibble be":    {data: []byte{0xa5}, size: 4, order: BigEndian, expected: 0xa},
		"low nibble be":     {data: []byte{0xa5}, skip: 4, size: 4, order: BigEndian, expected: 0x5},
		"5 bits le":         {data: []byte{0xff}, size: 5, expected: 0x1f},
		"cross byte le":     {data: []byte{0xf0, 0x0f}, skip: 4, size: 8, expected: 0xff},
		"cross byte be":     {data: []byte{0x0f, 0xf0}, skip: 4, size: 8, order: BigEndian, expected: 0xff},
		"27 bits unaligned": {data: []byte{0xff, 0xff, 0xff, 0xff}, skip: 5, size: 27, expected: 1<<27 - 1},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			r := New(test.data)
			require.NoError(t, r.Skip(test.skip))
			v, err := r.ReadBits(test.size, test.order)
			require.NoError(t, err)
			assert.Equal(t, test.expected, v)
			assert.Equal(t, test.skip+uint64(test.size), r.Position())
		})
	}
}

func TestReadIntSigned(t *testing.T) {
	r := New([]byte{0x0f})
	v, err := r.ReadInt(4, true, LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), int64(v))

	v, err = r.ReadInt(4, true, LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, int64(0), int64(v))
}

func TestBounds(t *testing.T) {
	r := New([]byte{1, 2, 3, 4})
	require.NoError(t, r.SetLimit(24))
	_, err := r.ReadBits(32, LittleEndian)
	require.ErrorIs(t, err, ErrOutOfBounds)

	require.NoError(t, r.Skip(1))
	require.NoError(t, r.Align(8))
	assert.Equal(t, uint64(8), r.Position())
	require.ErrorIs(t, r.Align(32), ErrOutOfBounds)
}

func TestReadCString(t *testing.T) {
	r := New([]byte{0xff, 'a', 'b', 0, 'c', 0})
	_, err := r.ReadBits(3, LittleEndian)
	require.NoError(t, err)

	_, err = r.ReadCString()
	require.NoError(t, err)
	s, err := r.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "c", s)

	r = New([]byte{'a', 'b'})
	_, err = r.ReadCString()
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestReadFloat(t *testing.T) {
	r := New([]byte{0, 0, 0xc0, 0x3f})
	f, err := r.ReadFloat(32, LittleEndian)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, f, 1e-9)
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(uint64(0), 8))
	assert.Equal(t, uint64(8), AlignUp(uint64(1), 8))
	assert.Equal(t, uint(32), AlignUp(uint(32), 32))
	assert.Equal(t, uint(7), AlignUp(uint(7), 1))
}
