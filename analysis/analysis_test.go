// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/ctfstate/config"
	"go.opentelemetry.io/ctfstate/ctf"
	"go.opentelemetry.io/ctfstate/ctf/ctftest"
	"go.opentelemetry.io/ctfstate/libpf/zstpak"
	"go.opentelemetry.io/ctfstate/statesystem"
	"go.opentelemetry.io/ctfstate/statesystem/interval"
	"go.opentelemetry.io/ctfstate/statesystem/statevalue"
)

// cpuState stores the value of state_change events in cpu/<cpu>/state.
type cpuState struct {
	version uint32
	fail    error
}

func (p *cpuState) Name() string    { return "cpu_state" }
func (p *cpuState) Version() uint32 { return p.version }

func (p *cpuState) HandleEvent(ss *statesystem.StateSystem, ev *ctf.Event) error {
	if p.fail != nil {
		return p.fail
	}
	if ev.Name() != "state_change" {
		return nil
	}
	v, ok := ev.IntField("value")
	if !ok {
		return errors.New("state_change without value")
	}
	q, err := ss.GetOrCreateQuark(statesystem.Root, "cpu", strconv.FormatInt(ev.CPU, 10),
		"state")
	if err != nil {
		return err
	}
	return ss.ModifyAttribute(ev.Timestamp, q, statevalue.Long(v))
}

func openTrace(t *testing.T, dir string) *ctf.Trace {
	t.Helper()
	tr, err := ctf.Open(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, tr.Close()) })
	return tr
}

func checkScenario(t *testing.T, ss *statesystem.StateSystem) {
	t.Helper()
	q, err := ss.QuarkOf(statesystem.Root, "cpu", "0", "state")
	require.NoError(t, err)
	assert.Equal(t, statesystem.Sealed, ss.Status())
	assert.Equal(t, int64(100), ss.StartTime())
	assert.Equal(t, int64(300), ss.CurrentEndTime())

	iv, err := ss.QuerySingleState(150, q)
	require.NoError(t, err)
	assert.Equal(t, interval.Interval{Start: 100, End: 199, Quark: q,
		Value: statevalue.Long(1)}, iv)

	iv, err = ss.QuerySingleState(250, q)
	require.NoError(t, err)
	assert.Equal(t, interval.Interval{Start: 200, End: 300, Quark: q,
		Value: statevalue.Long(2)}, iv)
}

func TestBuild(t *testing.T) {
	tests := map[string]struct {
		cache    bool
		compress bool
		suffix   string
	}{
		"in memory":  {},
		"cached":     {cache: true, suffix: ".ht"},
		"compressed": {cache: true, compress: true, suffix: ".ht.zst"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tr := openTrace(t, ctftest.Scenario(t))
			cfg := config.Default()
			if tc.cache {
				cfg.CacheDirectory = filepath.Join(t.TempDir(), "cache")
			}
			cfg.CompressHistory = tc.compress

			res, err := Build(context.Background(), tr, &cpuState{version: 1}, &cfg)
			require.NoError(t, err)
			defer res.StateSystem.Dispose()

			assert.Equal(t, "cpu_state", res.Provider)
			assert.False(t, res.Cached)
			assert.Equal(t, uint64(3), res.Events)
			checkScenario(t, res.StateSystem)

			if !tc.cache {
				assert.Empty(t, res.Path)
				return
			}
			assert.Equal(t, filepath.Join(cfg.CacheDirectory,
				"cpu_state-"+tr.Fingerprint()+tc.suffix), res.Path)
			assert.Equal(t, tc.compress, zstpak.IsZstpak(res.Path))

			entries, err := os.ReadDir(cfg.CacheDirectory)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestBuildCacheReuse(t *testing.T) {
	tests := map[string]struct {
		// prepare runs between the first and the second build.
		prepare    func(t *testing.T, path string)
		version    uint32
		wantCached bool
	}{
		"hit": {
			version:    1,
			wantCached: true,
		},
		"provider version bump": {
			version: 2,
		},
		"corrupt file": {
			version: 1,
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("not a history"), 0o644))
			},
		},
		"truncated file": {
			version: 1,
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.Truncate(path, 4096))
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tr := openTrace(t, ctftest.Scenario(t))
			cfg := config.Default()
			cfg.CacheDirectory = t.TempDir()
			ctx := context.Background()

			first, err := Build(ctx, tr, &cpuState{version: 1}, &cfg)
			require.NoError(t, err)
			require.NoError(t, first.StateSystem.Dispose())
			if tc.prepare != nil {
				tc.prepare(t, first.Path)
			}

			second, err := Build(ctx, tr, &cpuState{version: tc.version}, &cfg)
			require.NoError(t, err)
			defer second.StateSystem.Dispose()
			assert.Equal(t, tc.wantCached, second.Cached)
			assert.Equal(t, first.Path, second.Path)
			if tc.wantCached {
				assert.Zero(t, second.Events)
			}
			checkScenario(t, second.StateSystem)
		})
	}
}

func TestBuildErrors(t *testing.T) {
	badEvent := errors.New("bad event")
	tests := map[string]struct {
		trace    func(tb testing.TB) string
		provider *cpuState
		ctx      func() context.Context
		want     error
	}{
		"decode error": {
			trace: func(tb testing.TB) string {
				return ctftest.NewTrace(tb, map[string][]ctftest.Packet{
					"channel0_0": {{Events: []ctftest.Event{
						{ID: ctftest.StateChange, Timestamp: 100, Value: 1},
						{ID: 9, Timestamp: 150},
						{ID: ctftest.Tick, Timestamp: 200},
					}}},
				})
			},
			provider: &cpuState{version: 1},
			want:     ctf.ErrCorrupt,
		},
		"provider error": {
			trace:    ctftest.Scenario,
			provider: &cpuState{version: 1, fail: badEvent},
			want:     badEvent,
		},
		"canceled": {
			trace:    ctftest.Scenario,
			provider: &cpuState{version: 1},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			want: context.Canceled,
		},
	}

	for name, tc := range tests {
		for _, cached := range []bool{false, true} {
			t.Run(name+"/cached="+strconv.FormatBool(cached), func(t *testing.T) {
				tr := openTrace(t, tc.trace(t))
				cfg := config.Default()
				if cached {
					cfg.CacheDirectory = t.TempDir()
				}
				ctx := context.Background()
				if tc.ctx != nil {
					ctx = tc.ctx()
				}

				res, err := Build(ctx, tr, tc.provider, &cfg)
				require.ErrorIs(t, err, tc.want)
				assert.Nil(t, res)

				if cached {
					entries, err := os.ReadDir(cfg.CacheDirectory)
					require.NoError(t, err)
					assert.Empty(t, entries, "partial history left behind")
				}
			})
		}
	}
}

func TestBuildAll(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.CacheDirectory = t.TempDir()
	a := openTrace(t, ctftest.Scenario(t))
	b := openTrace(t, ctftest.NewTrace(t, map[string][]ctftest.Packet{
		"channel0_3": {{CPU: 3, Events: []ctftest.Event{
			{ID: ctftest.StateChange, Timestamp: 10, Value: 7},
		}}},
	}))

	results, err := BuildAll(ctx, &cfg, []Job{
		{Trace: a, Provider: &cpuState{version: 1}},
		{Trace: b, Provider: &cpuState{version: 1}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	defer func() {
		for _, res := range results {
			res.StateSystem.Dispose()
		}
	}()
	checkScenario(t, results[0].StateSystem)

	ss := results[1].StateSystem
	q, err := ss.QuarkOf(statesystem.Root, "cpu", "3", "state")
	require.NoError(t, err)
	iv, err := ss.QuerySingleState(10, q)
	require.NoError(t, err)
	assert.Equal(t, statevalue.Long(7), iv.Value)
	assert.NotEqual(t, results[0].Path, results[1].Path)

	_, err = BuildAll(ctx, &cfg, []Job{
		{Trace: a, Provider: &cpuState{version: 1}},
		{Trace: b, Provider: &cpuState{version: 1, fail: errors.New("bad event")}},
	})
	require.ErrorContains(t, err, "cpu_state: ")
	require.ErrorContains(t, err, "bad event")
}

func TestPaths(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDirectory = "/var/cache/ctfstate"
	assert.Equal(t, "/var/cache/ctfstate/statistics-abc.ht", HistoryPath(&cfg, "statistics", "abc"))
	assert.Equal(t, "/var/cache/ctfstate/checkpoints-abc.idx", CheckpointPath(&cfg, "abc"))
	cfg.CompressHistory = true
	assert.Equal(t, "/var/cache/ctfstate/statistics-abc.ht.zst",
		HistoryPath(&cfg, "statistics", "abc"))
}
