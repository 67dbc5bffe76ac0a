// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport provides fixtures for tests of the readers history files are
// accessed through.
package testsupport // import "go.opentelemetry.io/ctfstate/testsupport"

import (
	"encoding/binary"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// nodeHeaderSize is the size of the header HistoryImage writes at the start of a block.
const nodeHeaderSize = 24

// HistoryImage returns size bytes laid out like a history file of blockSize byte nodes.
// Every node starts with its sequence number and a time range, continues with pseudo
// random interval records and ends in zero padding, so that images are partly
// compressible. The last node is cut at size. The output depends only on the arguments.
func HistoryImage(size, blockSize int) []byte {
	out := make([]byte, size)
	r := rand.New(rand.NewPCG(uint64(size), uint64(blockSize))) //nolint:gosec
	for seq, off := 0, 0; off < size; seq, off = seq+1, off+blockSize {
		node := make([]byte, blockSize)
		if blockSize >= nodeHeaderSize {
			start := uint64(seq) * 1000
			binary.LittleEndian.PutUint64(node[0:], uint64(seq))
			binary.LittleEndian.PutUint64(node[8:], start)
			binary.LittleEndian.PutUint64(node[16:], start+999)
		}
		// Nodes are between a quarter and three quarters full.
		used := nodeHeaderSize + blockSize/4 + r.IntN(blockSize/2+1)
		for i := nodeHeaderSize; i < min(used, blockSize); i++ {
			node[i] = byte(r.Uint32())
		}
		copy(out[off:], node)
	}
	return out
}

// CheckReadAt verifies that r reads exactly like reference. It reads every node of
// blockSize bytes, the way history trees do, then iterations random ranges, some of which
// cross node boundaries or run past the end of the data.
func CheckReadAt(tb testing.TB, r io.ReaderAt, reference []byte, blockSize, iterations int) {
	tb.Helper()
	size := len(reference)

	for off := 0; off < size; off += blockSize {
		buf := make([]byte, blockSize)
		n, err := r.ReadAt(buf, int64(off))
		want := min(blockSize, size-off)
		if want < blockSize {
			require.ErrorIs(tb, err, io.EOF, "node at %d", off)
		} else {
			require.NoError(tb, err, "node at %d", off)
		}
		require.Equal(tb, want, n, "node at %d", off)
		require.Equal(tb, reference[off:off+n], buf[:n], "node at %d", off)
	}

	rnd := rand.New(rand.NewPCG(0, 0)) //nolint:gosec
	for range iterations {
		start := rnd.IntN(size)
		length := rnd.IntN(size)
		buf := make([]byte, length)
		n, err := r.ReadAt(buf, int64(start))

		want := min(size-start, length)
		if want != length {
			require.ErrorIs(tb, err, io.EOF, "read [%d, +%d)", start, length)
		} else {
			require.NoError(tb, err, "read [%d, +%d)", start, length)
		}
		require.Equal(tb, want, n, "read [%d, +%d)", start, length)
		require.Equal(tb, reference[start:start+want], buf[:want],
			"read [%d, +%d)", start, length)
	}
}
