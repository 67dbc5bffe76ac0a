// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package statesystem_test

import (
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/ctfstate/statesystem"
	"go.opentelemetry.io/ctfstate/statesystem/backend"
	"go.opentelemetry.io/ctfstate/statesystem/interval"
	"go.opentelemetry.io/ctfstate/statesystem/statevalue"
)

func backends(t *testing.T, start int64) map[string]func() backend.Backend {
	return map[string]func() backend.Backend{
		"in memory": func() backend.Backend { return backend.NewInMemory(start) },
		"history tree": func() backend.Backend {
			cfg := backend.DefaultHistoryTreeConfig()
			cfg.BlockSize, cfg.MaxChildren = 4096, 4
			ht, err := backend.NewHistoryTree(filepath.Join(t.TempDir(), "ss.ht"), start, cfg)
			require.NoError(t, err)
			return ht
		},
	}
}

func TestCPUState(t *testing.T) {
	for name, newBackend := range backends(t, 100) {
		t.Run(name, func(t *testing.T) {
			ss := statesystem.New(newBackend())
			defer ss.Dispose()
			q, err := ss.GetOrCreateQuark(statesystem.Root, "cpu", "0", "state")
			require.NoError(t, err)

			require.NoError(t, ss.ModifyAttribute(100, q, statevalue.Long(1)))
			require.NoError(t, ss.ModifyAttribute(200, q, statevalue.Long(2)))
			require.NoError(t, ss.CloseHistory(300))
			assert.Equal(t, statesystem.Sealed, ss.Status())

			iv, err := ss.QuerySingleState(150, q)
			require.NoError(t, err)
			assert.Equal(t, interval.Interval{Start: 100, End: 199, Quark: q,
				Value: statevalue.Long(1)}, iv)

			iv, err = ss.QuerySingleState(250, q)
			require.NoError(t, err)
			assert.Equal(t, interval.Interval{Start: 200, End: 300, Quark: q,
				Value: statevalue.Long(2)}, iv)

			for _, ts := range []int64{99, 301} {
				_, err = ss.QuerySingleState(ts, q)
				assert.ErrorIs(t, err, statesystem.ErrTimeRange)
			}
			_, err = ss.QuerySingleState(150, q+1)
			assert.ErrorIs(t, err, statesystem.ErrAttributeNotFound)
		})
	}
}

func TestCoverage(t *testing.T) {
	const start, quarks = 1000, 6
	for name, newBackend := range backends(t, start) {
		t.Run(name, func(t *testing.T) {
			ss := statesystem.New(newBackend())
			defer ss.Dispose()
			for i := range quarks {
				_, err := ss.GetOrCreateQuark(statesystem.Root, "threads", string(rune('a'+i)))
				require.NoError(t, err)
			}

			// Changes come at non-decreasing timestamps, often with the value the
			// attribute already holds.
			r := rand.New(rand.NewPCG(42, 0)) //nolint:gosec
			ts := int64(start)
			for range 3000 {
				ts += r.Int64N(3)
				q := 1 + r.IntN(quarks)
				require.NoError(t, ss.ModifyAttribute(ts, q, statevalue.Int(int32(r.IntN(4)))))
			}
			end := ts + 50
			require.NoError(t, ss.CloseHistory(end))

			for q := range ss.AttributeCount() {
				ivs, err := ss.QueryHistoryRange(q, start, end)
				require.NoError(t, err)
				require.NotEmpty(t, ivs)
				assert.Equal(t, int64(start), ivs[0].Start)
				assert.Equal(t, end, ivs[len(ivs)-1].End)
				for i := 1; i < len(ivs); i++ {
					assert.Equal(t, ivs[i-1].End+1, ivs[i].Start)
				}
			}
		})
	}
}

func TestModifyErrors(t *testing.T) {
	ss := statesystem.New(backend.NewInMemory(10))
	q, err := ss.GetOrCreateQuark(statesystem.Root, "a")
	require.NoError(t, err)
	require.NoError(t, ss.ModifyAttribute(50, q, statevalue.Int(1)))

	assert.ErrorIs(t, ss.ModifyAttribute(49, q, statevalue.Int(2)), statesystem.ErrOutOfOrder)
	assert.ErrorIs(t, ss.ModifyAttribute(5, q, statevalue.Int(2)), statesystem.ErrTimeRange)
	assert.ErrorIs(t, ss.ModifyAttribute(60, 7, statevalue.Int(2)),
		statesystem.ErrAttributeNotFound)
	assert.ErrorIs(t, ss.CloseHistory(40), statesystem.ErrTimeRange)

	// Setting the value again at the same time replaces it without a zero length interval.
	require.NoError(t, ss.ModifyAttribute(50, q, statevalue.Int(3)))
	require.NoError(t, ss.CloseHistory(100))
	ivs, err := ss.QueryHistoryRange(q, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{
		{Start: 10, End: 49, Quark: q, Value: statevalue.Null()},
		{Start: 50, End: 100, Quark: q, Value: statevalue.Int(3)},
	}, ivs)

	assert.ErrorIs(t, ss.ModifyAttribute(100, q, statevalue.Int(4)), statesystem.ErrSealed)
	assert.ErrorIs(t, ss.CloseHistory(200), statesystem.ErrSealed)
	_, err = ss.GetOrCreateQuark(statesystem.Root, "b")
	assert.ErrorIs(t, err, statesystem.ErrAttributeNotFound)
	again, err := ss.GetOrCreateQuark(statesystem.Root, "a")
	require.NoError(t, err)
	assert.Equal(t, q, again)

	require.NoError(t, ss.Dispose())
	require.NoError(t, ss.Dispose())
	assert.Equal(t, statesystem.Disposed, ss.Status())
	_, err = ss.QuerySingleState(50, q)
	assert.ErrorIs(t, err, statesystem.ErrDisposed)
	_, err = ss.QueryFullState(50)
	assert.ErrorIs(t, err, statesystem.ErrDisposed)
	assert.ErrorIs(t, ss.ModifyAttribute(100, q, statevalue.Int(4)), statesystem.ErrDisposed)
}

func TestIncrementAndStack(t *testing.T) {
	ss := statesystem.New(backend.NewInMemory(0))
	defer ss.Dispose()
	count, err := ss.GetOrCreateQuark(statesystem.Root, "count")
	require.NoError(t, err)
	stack, err := ss.GetOrCreateQuark(statesystem.Root, "stack")
	require.NoError(t, err)

	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, ss.IncrementAttribute(ts, count))
	}
	v, err := ss.QueryOngoingState(count)
	require.NoError(t, err)
	assert.Equal(t, statevalue.Int(3), v)
	start, err := ss.OngoingStartTime(count)
	require.NoError(t, err)
	assert.Equal(t, int64(3), start)

	name, err := ss.GetOrCreateQuark(statesystem.Root, "name")
	require.NoError(t, err)
	require.NoError(t, ss.ModifyAttribute(3, name, statevalue.String("x")))
	assert.ErrorIs(t, ss.IncrementAttribute(4, name), statevalue.ErrTypeMismatch)

	require.NoError(t, ss.PushAttribute(10, stack, statevalue.String("main")))
	require.NoError(t, ss.PushAttribute(20, stack, statevalue.String("foo")))
	top, err := ss.QuarkOf(stack, "2")
	require.NoError(t, err)
	v, err = ss.QueryOngoingState(top)
	require.NoError(t, err)
	assert.Equal(t, statevalue.String("foo"), v)

	popped, err := ss.PopAttribute(30, stack)
	require.NoError(t, err)
	assert.Equal(t, statevalue.String("foo"), popped)
	popped, err = ss.PopAttribute(40, stack)
	require.NoError(t, err)
	assert.Equal(t, statevalue.String("main"), popped)
	popped, err = ss.PopAttribute(50, stack)
	require.NoError(t, err)
	assert.True(t, popped.IsNull())

	require.NoError(t, ss.CloseHistory(60))
	for ts, want := range map[int64]statevalue.Value{
		5:  statevalue.Null(),
		15: statevalue.Int(1),
		25: statevalue.Int(2),
		35: statevalue.Int(1),
		45: statevalue.Null(),
	} {
		iv, err := ss.QuerySingleState(ts, stack)
		require.NoError(t, err)
		assert.Equal(t, want, iv.Value, "depth at %d", ts)
	}
	iv, err := ss.QuerySingleState(25, top)
	require.NoError(t, err)
	assert.Equal(t, interval.Interval{Start: 20, End: 29, Quark: top,
		Value: statevalue.String("foo")}, iv)
}

func TestPopOutOfOrderKeepsDepth(t *testing.T) {
	ss := statesystem.New(backend.NewInMemory(0))
	defer ss.Dispose()
	stack, err := ss.GetOrCreateQuark(statesystem.Root, "stack")
	require.NoError(t, err)
	require.NoError(t, ss.PushAttribute(10, stack, statevalue.String("main")))
	top, err := ss.QuarkOf(stack, "1")
	require.NoError(t, err)
	child, err := ss.GetOrCreateQuark(top, "arg")
	require.NoError(t, err)
	require.NoError(t, ss.ModifyAttribute(30, child, statevalue.Int(7)))

	// The stack changed at 10 but the entry below the top only at 30.
	_, err = ss.PopAttribute(20, stack)
	require.ErrorIs(t, err, statesystem.ErrOutOfOrder)

	for q, want := range map[int]statevalue.Value{
		stack: statevalue.Int(1),
		top:   statevalue.String("main"),
		child: statevalue.Int(7),
	} {
		v, err := ss.QueryOngoingState(q)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	start, err := ss.OngoingStartTime(stack)
	require.NoError(t, err)
	assert.Equal(t, int64(10), start)

	popped, err := ss.PopAttribute(40, stack)
	require.NoError(t, err)
	assert.Equal(t, statevalue.String("main"), popped)
	v, err := ss.QueryOngoingState(child)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestRemoveAndUpdate(t *testing.T) {
	ss := statesystem.New(backend.NewInMemory(0))
	defer ss.Dispose()
	thread, err := ss.GetOrCreateQuark(statesystem.Root, "threads", "42")
	require.NoError(t, err)
	status, err := ss.GetOrCreateQuark(thread, "status")
	require.NoError(t, err)
	prio, err := ss.GetOrCreateQuark(thread, "prio")
	require.NoError(t, err)

	require.NoError(t, ss.ModifyAttribute(10, thread, statevalue.String("bash")))
	require.NoError(t, ss.ModifyAttribute(10, status, statevalue.Int(1)))
	require.NoError(t, ss.ModifyAttribute(10, prio, statevalue.Int(20)))
	require.NoError(t, ss.UpdateOngoingState(prio, statevalue.Int(19)))
	require.NoError(t, ss.RemoveAttribute(30, thread))

	full, err := ss.QueryFullState(20)
	require.NoError(t, err)
	require.Len(t, full, 4)
	assert.Equal(t, statevalue.String("bash"), full[thread].Value)
	assert.Equal(t, statevalue.Int(1), full[status].Value)
	assert.Equal(t, statevalue.Int(19), full[prio].Value)
	assert.True(t, full[0].Value.IsNull())

	// The removed attributes hold null up to the current end.
	full, err = ss.QueryFullState(30)
	require.NoError(t, err)
	for _, iv := range full {
		assert.True(t, iv.Value.IsNull(), "%v", iv)
		assert.Equal(t, int64(30), iv.End)
	}

	name, err := ss.FullName(prio)
	require.NoError(t, err)
	assert.Equal(t, "threads/42/prio", name)
	subs, err := ss.SubAttributes(thread, false)
	require.NoError(t, err)
	assert.Equal(t, []int{status, prio}, subs)
}

func TestQueryWhileBuilding(t *testing.T) {
	for name, newBackend := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ss := statesystem.New(newBackend())
			defer ss.Dispose()
			q, err := ss.GetOrCreateQuark(statesystem.Root, "counter")
			require.NoError(t, err)

			const changes = 2000
			var wg sync.WaitGroup
			for range 4 {
				wg.Go(func() {
					for {
						select {
						case <-ss.Done():
							return
						default:
						}
						end := ss.CurrentEndTime()
						iv, err := ss.QuerySingleState(end, q)
						if !assert.NoError(t, err) {
							return
						}
						// The counter is set to the timestamp divided by ten.
						if !iv.Value.IsNull() {
							v, _ := iv.Value.Long()
							assert.Equal(t, iv.Start/10, v)
						}
					}
				})
			}

			for i := int64(1); i <= changes; i++ {
				require.NoError(t, ss.ModifyAttribute(i*10, q, statevalue.Long(i)))
			}
			require.NoError(t, ss.CloseHistory(changes*10))
			wg.Wait()

			iv, err := ss.QuerySingleState(12345, q)
			require.NoError(t, err)
			assert.Equal(t, interval.Interval{Start: 12340, End: 12349, Quark: q,
				Value: statevalue.Long(1234)}, iv)
		})
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ss.ht")
	cfg := backend.DefaultHistoryTreeConfig()
	cfg.BlockSize = 4096
	ht, err := backend.NewHistoryTree(path, 0, cfg)
	require.NoError(t, err)

	ss := statesystem.New(ht)
	for cpu, name := range []string{"0", "1", "2"} {
		q, err := ss.GetOrCreateQuark(statesystem.Root, "cpus", name, "current_thread")
		require.NoError(t, err)
		for i := range int64(500) {
			require.NoError(t, ss.ModifyAttribute(i*10+int64(cpu), q, statevalue.Long(i%7)))
		}
	}
	require.NoError(t, ss.CloseHistory(10_000))
	want, err := ss.QueryFullState(4321)
	require.NoError(t, err)
	require.NoError(t, ss.Dispose())

	reopened, err := backend.OpenHistoryTree(path, cfg)
	require.NoError(t, err)
	loaded, err := statesystem.Open(reopened)
	require.NoError(t, err)
	defer loaded.Dispose()

	assert.Equal(t, statesystem.Sealed, loaded.Status())
	assert.Equal(t, int64(10_000), loaded.CurrentEndTime())
	select {
	case <-loaded.Done():
	default:
		t.Fatal("sealed state system is not done")
	}
	got, err := loaded.QueryFullState(4321)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	q, err := loaded.QuarkOf(statesystem.Root, "cpus", "2", "current_thread")
	require.NoError(t, err)
	iv, err := loaded.QuerySingleState(4322, q)
	require.NoError(t, err)
	assert.Equal(t, interval.Interval{Start: 4322, End: 4331, Quark: q,
		Value: statevalue.Long(432 % 7)}, iv)
}

func TestQueryIntervalsUntil(t *testing.T) {
	ss := statesystem.New(backend.NewInMemory(0))
	q, err := ss.GetOrCreateQuark(statesystem.Root, "cpu", "0", "state")
	require.NoError(t, err)
	for i, v := range []int32{1, 2, 1, 3, 1, 5} {
		require.NoError(t, ss.ModifyAttribute(int64(i+1)*100, q, statevalue.Int(v)))
	}
	require.NoError(t, ss.CloseHistory(1000))

	atLeast3 := statesystem.ValueIs(statevalue.OpGE, statevalue.Int(3))
	above5 := statesystem.ValueIs(statevalue.OpGT, statevalue.Int(5))
	notX := statesystem.ValueIs(statevalue.OpNE, statevalue.String("x"))
	tests := map[string]struct {
		t1, t2  int64
		pred    statesystem.Predicate
		found   bool
		ivStart int64
	}{
		"first match":   {t1: 0, t2: 1000, pred: atLeast3, found: true, ivStart: 400},
		"starts inside": {t1: 450, t2: 1000, pred: atLeast3, found: true, ivStart: 400},
		"stops at t2":   {t1: 0, t2: 399, pred: atLeast3},
		"match at t2": {t1: 0, t2: 400, found: true, ivStart: 400,
			pred: statesystem.ValueIs(statevalue.OpEQ, statevalue.Int(3))},
		"not null":        {t1: 0, t2: 1000, pred: statesystem.NotNull, found: true, ivStart: 100},
		"cross tag":       {t1: 0, t2: 1000, pred: notX},
		"no match":        {t1: 0, t2: 1000, pred: above5},
		"outside history": {t1: 2000, t2: 3000, pred: statesystem.NotNull},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			iv, found, err := statesystem.QueryIntervalsUntil(ss, q, tc.t1, tc.t2, tc.pred)
			require.NoError(t, err)
			assert.Equal(t, tc.found, found)
			if tc.found {
				assert.Equal(t, tc.ivStart, iv.Start)
			}
		})
	}

	_, found, err := statesystem.QueryIntervalsUntil(ss, 99, 0, 1000, statesystem.NotNull)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, ss.Dispose())
	_, found, err = statesystem.QueryIntervalsUntil(ss, q, 0, 1000, statesystem.NotNull)
	require.NoError(t, err)
	assert.False(t, found)
}
