// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ctf // import "go.opentelemetry.io/ctfstate/ctf"

import (
	"cmp"
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/ctfstate/metrics"
)

// ErrIteratorClosed is returned by iterators used after Close.
var ErrIteratorClosed = errors.New("iterator closed")

// decodedBatch is the number of events counted locally before being added to the
// events decoded metric.
const decodedBatch = 4096

// Iterator returns the events of all stream files of a trace merged in timestamp order.
// Events with equal timestamps come in stream id order, then stream file name order.
//
// An Iterator is not safe for concurrent use. Several iterators over one trace are.
type Iterator struct {
	t       *Trace
	cursors []*cursor
	heap    []*cursor
	started bool
	closed  bool

	// pending holds decode errors not yet returned by Next.
	pending []error

	// last is the location of the last returned event.
	last    Location
	hasLast bool

	decoded metrics.MetricValue
}

// Iterator returns an iterator positioned before the first event of the trace.
func (t *Trace) Iterator() *Iterator {
	it := &Iterator{t: t, cursors: make([]*cursor, len(t.streams))}
	for i, sf := range t.streams {
		it.cursors[i] = newCursor(t, sf)
	}
	return it
}

func compareCursors(a, b *cursor) int {
	if c := cmp.Compare(a.ev.Timestamp, b.ev.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.sf.index, b.sf.index)
}

func heapInsert(heap []*cursor, c *cursor) []*cursor {
	heap = append(heap, c)
	heapSiftUp(heap, len(heap)-1)
	return heap
}

func heapRemoveRoot(heap []*cursor) []*cursor {
	last := len(heap) - 1
	heap[0], heap[last] = heap[last], heap[0]
	heap[last] = nil
	heap = heap[:last]
	heapSiftDown(heap, 0)
	return heap
}

func heapSiftUp(heap []*cursor, i int) {
	for i > 0 && compareCursors(heap[(i-1)/2], heap[i]) > 0 {
		heap[(i-1)/2], heap[i] = heap[i], heap[(i-1)/2]
		i = (i - 1) / 2
	}
}

func heapSiftDown(heap []*cursor, i int) {
	for {
		m := i
		for _, child := range []int{2*i + 1, 2*i + 2} {
			if child < len(heap) && compareCursors(heap[child], heap[m]) < 0 {
				m = child
			}
		}
		if m == i {
			return
		}
		heap[i], heap[m] = heap[m], heap[i]
		i = m
	}
}

// load advances c to its first event at or after ts and adds it to the heap.
func (it *Iterator) load(ctx context.Context, c *cursor, ts int64) error {
	if err := c.seekPacket(c.sf.packetFor(ts)); err != nil {
		it.pending = append(it.pending, err)
		return nil
	}
	for {
		ok, err := c.next()
		if err != nil {
			it.pending = append(it.pending, err)
			return nil
		}
		if !ok {
			return nil
		}
		if c.ev.Timestamp >= ts {
			it.heap = heapInsert(it.heap, c)
			return nil
		}
		it.decoded++
		if it.decoded%decodedBatch == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}

func (it *Iterator) reset(ctx context.Context, ts int64) error {
	if it.closed {
		return ErrIteratorClosed
	}
	clear(it.heap)
	it.heap = it.heap[:0]
	it.pending = nil
	it.hasLast = false
	it.started = true
	for _, c := range it.cursors {
		if err := it.load(ctx, c, ts); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the following event, or io.EOF after the last one. Decode errors are
// *DecodeError values; the stream file they occur in yields no further events while
// the other stream files go on.
func (it *Iterator) Next(ctx context.Context) (*Event, error) {
	if it.closed {
		return nil, ErrIteratorClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !it.started {
		if err := it.reset(ctx, minTimestamp); err != nil {
			return nil, err
		}
	}
	if len(it.pending) > 0 {
		err := it.pending[0]
		it.pending = it.pending[1:]
		metrics.Add(metrics.IDDecodeErrors, 1)
		return nil, err
	}
	if len(it.heap) == 0 {
		it.flushMetrics()
		return nil, io.EOF
	}

	c := it.heap[0]
	ev := c.ev
	if it.hasLast && it.last.Timestamp == ev.Timestamp {
		it.last.Index++
	} else {
		it.last = Location{Timestamp: ev.Timestamp}
		it.hasLast = true
	}
	ev.Location = it.last

	ok, err := c.next()
	if err != nil {
		it.pending = append(it.pending, err)
	}
	if ok {
		heapSiftDown(it.heap, 0)
	} else {
		it.heap = heapRemoveRoot(it.heap)
	}

	it.decoded++
	if it.decoded%decodedBatch == 0 {
		it.flushMetrics()
	}
	return ev, nil
}

const minTimestamp = -1 << 63

// SeekTime positions the iterator before the first event with a timestamp at or after ts.
// Each stream file is searched through its packet index and decoded forward from there.
func (it *Iterator) SeekTime(ctx context.Context, ts int64) error {
	return it.reset(ctx, ts)
}

// SeekLocation positions the iterator before the event at loc. Seeking to a location past
// the last event with loc.Timestamp lands on the first later event.
func (it *Iterator) SeekLocation(ctx context.Context, loc Location) error {
	if err := it.reset(ctx, loc.Timestamp); err != nil {
		return err
	}
	for i := uint64(0); i < loc.Index; i++ {
		if len(it.pending) > 0 || len(it.heap) == 0 ||
			it.heap[0].ev.Timestamp != loc.Timestamp {
			break
		}
		if _, err := it.Next(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (it *Iterator) flushMetrics() {
	if it.decoded == 0 {
		return
	}
	metrics.Add(metrics.IDEventsDecoded, it.decoded)
	it.decoded = 0
}

// Close releases the decoding state. The trace stays open.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.flushMetrics()
	it.closed = true
	it.heap = nil
	it.cursors = nil
	it.pending = nil
}
