// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/ctfstate/ctf"
	"go.opentelemetry.io/ctfstate/ctf/ctftest"
)

func TestCheckpointBinary(t *testing.T) {
	tests := map[string]Checkpoint{
		"zero": {},
		"typical": {
			Timestamp: 1_700_000_000_123,
			Location:  ctf.Location{Timestamp: 1_700_000_000_123, Index: 2},
		},
		"negative": {Timestamp: -5, Location: ctf.Location{Timestamp: -5}},
	}
	for name, cp := range tests {
		t.Run(name, func(t *testing.T) {
			b, err := cp.MarshalBinary()
			require.NoError(t, err)
			require.Len(t, b, RecordSize)

			var got Checkpoint
			require.NoError(t, got.UnmarshalBinary(b))
			assert.Equal(t, cp.Timestamp, got.Timestamp)
			assert.Equal(t, cp.Location, got.Location)
		})
	}

	var cp Checkpoint
	assert.Error(t, cp.UnmarshalBinary(make([]byte, RecordSize-1)))
}

func TestCheckpointCompare(t *testing.T) {
	a := Checkpoint{Timestamp: 10, Rank: 1}
	b := Checkpoint{Timestamp: 10, Rank: 2}
	c := Checkpoint{Timestamp: 11, Rank: 0}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, a.Equal(Checkpoint{Timestamp: 10, Rank: 1, Location: ctf.Location{Index: 9}}))
	assert.False(t, a.Equal(b))
}

// bigTrace has two stream files with many ties and several packets each.
func bigTrace(t *testing.T) string {
	var a, b []ctftest.Packet
	for p := range 3 {
		var evA, evB []ctftest.Event
		for i := range 40 {
			n := uint64(p*40 + i)
			evA = append(evA, ctftest.Event{ID: ctftest.Tick, Timestamp: 10 * n, Count: uint32(n)})
			ts := 10 * n
			if n%3 != 0 {
				ts += 5
			}
			evB = append(evB, ctftest.Event{ID: ctftest.StateChange, Timestamp: ts,
				Value: int64(n), Comm: "b"})
		}
		a = append(a, ctftest.Packet{Seq: uint64(p), Events: evA, Padding: 16})
		b = append(b, ctftest.Packet{Seq: uint64(p), CPU: 1, Events: evB})
	}
	return ctftest.NewTrace(t, map[string][]ctftest.Packet{"chan_0": a, "chan_1": b})
}

type seen struct {
	ts   int64
	loc  ctf.Location
	file string
}

func all(t *testing.T, it *ctf.Iterator) []seen {
	t.Helper()
	out := []seen{}
	for {
		ev, err := it.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, seen{ev.Timestamp, ev.Location, ev.StreamFile})
	}
}

func openTrace(t *testing.T, dir string) *ctf.Trace {
	t.Helper()
	tr, err := ctf.Open(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestBuild(t *testing.T) {
	tr := openTrace(t, bigTrace(t))
	ix, err := Indexer{Interval: 16}.Build(context.Background(), tr)
	require.NoError(t, err)

	assert.Equal(t, uint64(240), ix.Events)
	assert.Equal(t, 15, ix.Len())
	assert.Equal(t, tr.Fingerprint(), ix.Fingerprint)
	assert.Equal(t, tr.StartTime(), ix.Start)
	assert.Equal(t, tr.EndTime(), ix.End)
	for i, cp := range ix.Checkpoints {
		assert.Equal(t, uint64(i*16), cp.Rank)
		assert.Equal(t, cp.Timestamp, cp.Location.Timestamp)
		if i > 0 {
			assert.Equal(t, -1, ix.Checkpoints[i-1].Compare(cp))
		}
	}
}

func TestSeekEquivalence(t *testing.T) {
	tr := openTrace(t, bigTrace(t))
	ctx := context.Background()
	ix, err := Indexer{Interval: 7}.Build(ctx, tr)
	require.NoError(t, err)

	it := tr.Iterator()
	full := all(t, it)
	it.Close()
	require.Len(t, full, 240)

	for _, target := range []int64{-1, 0, 5, 333, 335, 600, 1185, 1190, 1195, 5000} {
		want := len(full)
		for i, ev := range full {
			if ev.ts >= target {
				want = i
				break
			}
		}

		it, rank, err := ix.Seek(ctx, tr, target)
		require.NoError(t, err)
		assert.Equal(t, uint64(want), rank, "target %d", target)
		assert.Equal(t, full[want:], all(t, it), "target %d", target)
		it.Close()
	}

	for _, rank := range []uint64{0, 1, 6, 7, 8, 100, 239} {
		it, err := ix.SeekRank(ctx, tr, rank)
		require.NoError(t, err)
		assert.Equal(t, full[rank:], all(t, it), "rank %d", rank)
		it.Close()
	}
	_, err = ix.SeekRank(ctx, tr, 240)
	assert.ErrorIs(t, err, ErrRankOutOfRange)
}

func TestIndexFile(t *testing.T) {
	tr := openTrace(t, bigTrace(t))
	ix, err := Indexer{Interval: 10}.Build(context.Background(), tr)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = ix.WriteTo(&buf)
	require.NoError(t, err)
	data := buf.Bytes()

	got, err := ReadIndex(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, ix, got)

	tests := map[string][]byte{
		"empty":     nil,
		"bad magic": append([]byte("NOTCKP01"), data[8:]...),
		"truncated": data[:len(data)-RecordSize],
		"flipped": func() []byte {
			d := bytes.Clone(data)
			d[len(d)/2] ^= 1
			return d
		}(),
	}
	for name, d := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadIndex(bytes.NewReader(d))
			assert.ErrorIs(t, err, ErrBadIndex)
		})
	}
}

func TestLoadOrBuild(t *testing.T) {
	dir := bigTrace(t)
	path := filepath.Join(t.TempDir(), "trace.ckpt")
	ctx := context.Background()
	x := Indexer{Interval: 20}

	tr := openTrace(t, dir)
	first, rebuilt, err := x.LoadOrBuild(ctx, tr, path)
	require.NoError(t, err)
	assert.True(t, rebuilt)

	again, rebuilt, err := x.LoadOrBuild(ctx, tr, path)
	require.NoError(t, err)
	assert.False(t, rebuilt)
	assert.Equal(t, first, again)

	// Another interval rebuilds.
	other, rebuilt, err := Indexer{Interval: 30}.LoadOrBuild(ctx, tr, path)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, 8, other.Len())

	// A changed trace rebuilds.
	ctftest.WriteFile(t, dir, "chan_2", ctftest.EncodeStream(ctftest.Packet{CPU: 2,
		Events: []ctftest.Event{{ID: ctftest.Tick, Timestamp: 5000}}}))
	tr2 := openTrace(t, dir)
	ix, rebuilt, err := x.LoadOrBuild(ctx, tr2, path)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, uint64(241), ix.Events)

	// A corrupt file rebuilds.
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, rebuilt, err = x.LoadOrBuild(ctx, tr2, path)
	require.NoError(t, err)
	assert.True(t, rebuilt)
}
