// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint // import "go.opentelemetry.io/ctfstate/checkpoint"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"go.opentelemetry.io/ctfstate/ctf"
	"go.opentelemetry.io/ctfstate/internal/log"
	"go.opentelemetry.io/ctfstate/metrics"
)

// DefaultInterval is the number of events between two checkpoints.
const DefaultInterval = 1000

// ErrRankOutOfRange is returned when seeking to a rank past the last event.
var ErrRankOutOfRange = errors.New("event rank out of range")

// Index holds the checkpoints of one trace in event order.
type Index struct {
	// Fingerprint is the fingerprint of the trace the index was built from.
	Fingerprint string
	Interval    uint64
	Checkpoints []Checkpoint
	// Events is the number of events in the trace.
	Events     uint64
	Start, End int64
}

// Indexer builds an Index in one pass over a trace.
type Indexer struct {
	// Interval is the number of events between checkpoints; zero means DefaultInterval.
	Interval uint64
}

// Build decodes every event of tr and records a checkpoint at every Interval-th one.
// Decode errors abort the build.
func (x Indexer) Build(ctx context.Context, tr *ctf.Trace) (*Index, error) {
	interval := x.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	ix := &Index{
		Fingerprint: tr.Fingerprint(),
		Interval:    interval,
		Start:       tr.StartTime(),
		End:         tr.EndTime(),
	}

	it := tr.Iterator()
	defer it.Close()
	for rank := uint64(0); ; rank++ {
		ev, err := it.Next(ctx)
		if err == io.EOF {
			ix.Events = rank
			break
		}
		if err != nil {
			return nil, fmt.Errorf("indexing %s: %w", tr.Dir, err)
		}
		if rank%interval == 0 {
			ix.Checkpoints = append(ix.Checkpoints, Checkpoint{
				Timestamp: ev.Timestamp,
				Location:  ev.Location,
				Rank:      rank,
			})
		}
	}
	metrics.Add(metrics.IDCheckpointsRecorded, metrics.MetricValue(len(ix.Checkpoints)))
	log.Debugf("Indexed %s: %d events, %d checkpoints", tr.Dir, ix.Events, len(ix.Checkpoints))
	return ix, nil
}

// Len returns the number of checkpoints.
func (ix *Index) Len() int { return len(ix.Checkpoints) }

// find returns the last checkpoint with a timestamp below ts, or the first checkpoint.
func (ix *Index) find(ts int64) (Checkpoint, bool) {
	if len(ix.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	i := sort.Search(len(ix.Checkpoints), func(i int) bool {
		return ix.Checkpoints[i].Timestamp >= ts
	})
	return ix.Checkpoints[max(i-1, 0)], true
}

// Seek returns an iterator over tr positioned before the first event at or after ts,
// and the rank of that event. The iterator is positioned at the end when no such event
// exists, and the rank is then the event count.
func (ix *Index) Seek(ctx context.Context, tr *ctf.Trace, ts int64) (*ctf.Iterator, uint64, error) {
	cp, ok := ix.find(ts)
	return ix.seek(ctx, tr, cp, ok, func(ev *ctf.Event, _ uint64) bool { return ev.Timestamp >= ts })
}

// SeekRank returns an iterator over tr positioned before the event with the given rank.
func (ix *Index) SeekRank(ctx context.Context, tr *ctf.Trace, rank uint64) (*ctf.Iterator, error) {
	if rank >= ix.Events {
		return nil, fmt.Errorf("%w: %d of %d", ErrRankOutOfRange, rank, ix.Events)
	}
	i := sort.Search(len(ix.Checkpoints), func(i int) bool {
		return ix.Checkpoints[i].Rank > rank
	})
	var cp Checkpoint
	if i > 0 {
		cp = ix.Checkpoints[i-1]
	}
	it, _, err := ix.seek(ctx, tr, cp, i > 0, func(_ *ctf.Event, r uint64) bool { return r >= rank })
	return it, err
}

// seek starts decoding at cp, or at the first event when ok is false, until stop holds,
// then positions the iterator back on the event stop held for.
func (ix *Index) seek(ctx context.Context, tr *ctf.Trace, cp Checkpoint, ok bool,
	stop func(ev *ctf.Event, rank uint64) bool) (*ctf.Iterator, uint64, error) {
	it := tr.Iterator()
	r := uint64(0)
	if ok {
		if err := it.SeekLocation(ctx, cp.Location); err != nil {
			it.Close()
			return nil, 0, err
		}
		r = cp.Rank
	}
	for ; ; r++ {
		ev, err := it.Next(ctx)
		if err == io.EOF {
			return it, r, nil
		}
		if err != nil {
			it.Close()
			return nil, 0, err
		}
		if stop(ev, r) {
			if err := it.SeekLocation(ctx, ev.Location); err != nil {
				it.Close()
				return nil, 0, err
			}
			return it, r, nil
		}
	}
}
