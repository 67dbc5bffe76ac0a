// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/ctfstate/ctf/ctftest"
)

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"-trace", "/tmp/t", "-compress", "-block-size", "8192",
		"-query-time", "end", "-v"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/t", args.trace)
	assert.Equal(t, "end", args.queryTime)
	assert.True(t, args.cfg.CompressHistory)
	assert.True(t, args.cfg.VerboseMode)
	assert.Equal(t, 8192, args.cfg.BlockSize)
	require.NoError(t, args.cfg.Validate())

	conf := filepath.Join(t.TempDir(), "ctfstate.conf")
	require.NoError(t, os.WriteFile(conf, []byte("cache-dir /var/cache/ctfstate\n"+
		"checkpoint-interval 10\nunknown-flag 1\n"), 0o644))
	args, err = parseArgs([]string{"-config", conf})
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/ctfstate", args.cfg.CacheDirectory)
	assert.Equal(t, uint64(10), args.cfg.CheckpointInterval)

	_, err = parseArgs([]string{"-block-size", "many"})
	require.Error(t, err)
}

func TestMainWithExitCode(t *testing.T) {
	trace := ctftest.Scenario(t)
	tests := map[string]struct {
		args     []string
		cache    bool
		code     exitCode
		contains []string
	}{
		"statistics": {
			args:     []string{"-trace", trace},
			contains: []string{"[100, 300]", "state_change: 2\ntick: 1\n"},
		},
		"attribute": {
			args:     []string{"-trace", trace, "-query-time", "250", "-attribute", "total"},
			contains: []string{"total = 2 [200, 299]\n"},
		},
		"full state": {
			args: []string{"-trace", trace, "-query-time", "150"},
			contains: []string{
				"total = 1 [100, 199]\n",
				"event_types/state_change = 1 [100, 199]\n",
				`cpus/0/last_event = "state_change" [100, 299]` + "\n",
			},
		},
		"start": {
			args:     []string{"-trace", trace, "-query-time", "start", "-attribute", "total"},
			contains: []string{"total = 1 [100, 199]\n"},
		},
		"cached with checkpoints": {
			args:  []string{"-trace", trace, "-checkpoints", "-checkpoint-interval", "2"},
			cache: true,
			contains: []string{
				"checkpoints: 2 every 2 events, 3 events",
				"history: ",
			},
		},
		"validate": {
			args:     []string{"-trace", trace, "-validate"},
			contains: []string{trace + ": ok\n"},
		},
		"version": {
			args: []string{"-version"},
		},
		"missing trace": {
			code: exitParseError,
		},
		"invalid config": {
			args: []string{"-trace", trace, "-block-size", "1000"},
			code: exitParseError,
		},
		"not a trace": {
			args: []string{"-trace", t.TempDir()},
			code: exitFailure,
		},
		"unknown attribute": {
			args: []string{"-trace", trace, "-query-time", "150", "-attribute", "a/b"},
			code: exitFailure,
		},
		"bad query time": {
			args: []string{"-trace", trace, "-query-time", "noon"},
			code: exitFailure,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			args := tc.args
			if tc.cache {
				args = append(args, "-cache-dir", t.TempDir())
			}
			var out bytes.Buffer
			assert.Equal(t, tc.code, mainWithExitCode(args, &out))
			for _, s := range tc.contains {
				assert.Contains(t, out.String(), s)
			}
		})
	}
}

func TestCachedRun(t *testing.T) {
	trace := ctftest.Scenario(t)
	args := []string{"-trace", trace, "-cache-dir", t.TempDir(), "-compress"}

	var first, second bytes.Buffer
	require.Equal(t, exitSuccess, mainWithExitCode(args, &first))
	require.Equal(t, exitSuccess, mainWithExitCode(args, &second))
	assert.Contains(t, first.String(), "(3 events)")
	assert.Contains(t, second.String(), "(cached)")
	assert.True(t, strings.HasSuffix(second.String(), "state_change: 2\ntick: 1\n"))
}
