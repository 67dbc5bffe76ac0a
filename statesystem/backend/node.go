// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package backend // import "go.opentelemetry.io/ctfstate/statesystem/backend"

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/ctfstate/statesystem/interval"
)

type nodeKind uint8

const (
	coreNode nodeKind = 1
	leafNode nodeKind = 2
)

const (
	// nodeHeaderSize is kind u8, seq u32, parent i32, start i64, end i64, intervals u32
	// and children u32.
	nodeHeaderSize = 1 + 4 + 4 + 8 + 8 + 4 + 4
	// childRefSize is the start i64 and seq i32 of one child slot in a core node.
	childRefSize = 8 + 4
	// checksumSize is the xxh3 sum closing every block.
	checksumSize = 8
)

type childRef struct {
	start int64
	seq   int32
}

// node is one block of the history tree. Intervals stored in a node start at or after the
// node start. Core nodes also reference their children in increasing start order.
type node struct {
	kind       nodeKind
	seq        int32
	parent     int32
	start, end int64

	// closed nodes are immutable and have their intervals sorted by (quark, start).
	closed    bool
	intervals []interval.Interval
	dataSize  int
	children  []childRef
}

// capacity returns the bytes available to intervals in an empty node of the given kind.
func capacity(kind nodeKind, blockSize, maxChildren int) int {
	c := blockSize - nodeHeaderSize - checksumSize
	if kind == coreNode {
		c -= maxChildren * childRefSize
	}
	return c
}

func (n *node) add(iv interval.Interval, size int) {
	n.intervals = append(n.intervals, iv)
	n.dataSize += size
}

func (n *node) close(end int64) {
	n.end = end
	n.closed = true
	slices.SortFunc(n.intervals, compareIntervals)
}

func compareIntervals(a, b interval.Interval) int {
	if a.Quark != b.Quark {
		return a.Quark - b.Quark
	}
	switch {
	case a.Start < b.Start:
		return -1
	case a.Start > b.Start:
		return 1
	}
	return 0
}

// find returns the interval of quark containing ts.
func (n *node) find(ts int64, quark int) (interval.Interval, bool) {
	if !n.closed {
		for _, iv := range n.intervals {
			if iv.Quark == quark && iv.Contains(ts) {
				return iv, true
			}
		}
		return interval.Interval{}, false
	}
	// Intervals of one quark never overlap, so the first one ending at or after ts is the
	// only candidate.
	i := sort.Search(len(n.intervals), func(i int) bool {
		iv := &n.intervals[i]
		return iv.Quark > quark || (iv.Quark == quark && iv.End >= ts)
	})
	if i < len(n.intervals) && n.intervals[i].Quark == quark && n.intervals[i].Contains(ts) {
		return n.intervals[i], true
	}
	return interval.Interval{}, false
}

func (n *node) collect(ts int64, out []interval.Interval, found []bool) {
	for _, iv := range n.intervals {
		if iv.Quark < len(out) && iv.Contains(ts) {
			out[iv.Quark], found[iv.Quark] = iv, true
		}
	}
}

// childAt returns the last child starting at or before ts.
func (n *node) childAt(ts int64) (int32, bool) {
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].start > ts })
	if i == 0 {
		return 0, false
	}
	return n.children[i-1].seq, true
}

func (n *node) encode(blockSize, maxChildren int) []byte {
	b := make([]byte, blockSize)
	b[0] = byte(n.kind)
	binary.LittleEndian.PutUint32(b[1:], uint32(n.seq))
	binary.LittleEndian.PutUint32(b[5:], uint32(n.parent))
	binary.LittleEndian.PutUint64(b[9:], uint64(n.start))
	binary.LittleEndian.PutUint64(b[17:], uint64(n.end))
	binary.LittleEndian.PutUint32(b[25:], uint32(len(n.intervals)))
	binary.LittleEndian.PutUint32(b[29:], uint32(len(n.children)))

	off := nodeHeaderSize
	if n.kind == coreNode {
		for i, c := range n.children {
			binary.LittleEndian.PutUint64(b[off+i*childRefSize:], uint64(c.start))
			binary.LittleEndian.PutUint32(b[off+i*childRefSize+8:], uint32(c.seq))
		}
		off += maxChildren * childRefSize
	}
	data := b[off:off]
	for _, iv := range n.intervals {
		data = iv.AppendBinary(data)
	}
	binary.LittleEndian.PutUint64(b[blockSize-checksumSize:], xxh3.Hash(b[:blockSize-checksumSize]))
	return b
}

func decodeNode(b []byte, seq int32, maxChildren int) (*node, error) {
	blockSize := len(b)
	sum := binary.LittleEndian.Uint64(b[blockSize-checksumSize:])
	if xxh3.Hash(b[:blockSize-checksumSize]) != sum {
		return nil, fmt.Errorf("%w: node %d checksum mismatch", ErrCorrupt, seq)
	}

	n := &node{
		kind:   nodeKind(b[0]),
		seq:    int32(binary.LittleEndian.Uint32(b[1:])),
		parent: int32(binary.LittleEndian.Uint32(b[5:])),
		start:  int64(binary.LittleEndian.Uint64(b[9:])),
		end:    int64(binary.LittleEndian.Uint64(b[17:])),
		closed: true,
	}
	nIntervals := binary.LittleEndian.Uint32(b[25:])
	nChildren := binary.LittleEndian.Uint32(b[29:])

	switch {
	case n.kind != coreNode && n.kind != leafNode:
		return nil, fmt.Errorf("%w: node %d has unknown type %d", ErrCorrupt, seq, n.kind)
	case n.seq != seq:
		return nil, fmt.Errorf("%w: block %d holds node %d", ErrCorrupt, seq, n.seq)
	case n.kind == leafNode && nChildren != 0,
		nChildren > uint32(maxChildren):
		return nil, fmt.Errorf("%w: node %d has %d children", ErrCorrupt, seq, nChildren)
	}

	off := nodeHeaderSize
	if n.kind == coreNode {
		n.children = make([]childRef, nChildren)
		for i := range n.children {
			n.children[i] = childRef{
				start: int64(binary.LittleEndian.Uint64(b[off+i*childRefSize:])),
				seq:   int32(binary.LittleEndian.Uint32(b[off+i*childRefSize+8:])),
			}
		}
		off += maxChildren * childRefSize
	}

	data := b[off : blockSize-checksumSize]
	n.intervals = make([]interval.Interval, 0, min(nIntervals, uint32(len(data))))
	for range nIntervals {
		iv, used, err := interval.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrCorrupt, seq, err)
		}
		n.add(iv, used)
		data = data[used:]
	}
	return n, nil
}
