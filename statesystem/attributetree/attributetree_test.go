// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package attributetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustQuark(t *testing.T, tree *Tree, path ...string) int {
	t.Helper()
	q, err := tree.GetOrCreateQuark(Root, path...)
	require.NoError(t, err)
	return q
}

func TestQuarks(t *testing.T) {
	tree := New()

	state := mustQuark(t, tree, "cpus", "0", "state")
	assert.Equal(t, 2, state)
	assert.Equal(t, 3, tree.Count())
	assert.Equal(t, state, mustQuark(t, tree, "cpus", "0", "state"))

	other := mustQuark(t, tree, "cpus", "1", "state")
	assert.NotEqual(t, state, other)
	assert.Equal(t, 5, tree.Count())

	cpus, err := tree.QuarkOf(Root, "cpus")
	require.NoError(t, err)
	assert.Equal(t, 0, cpus)
	rel, err := tree.GetOrCreateQuark(cpus, "1", "state")
	require.NoError(t, err)
	assert.Equal(t, other, rel)

	path, err := tree.Path(other)
	require.NoError(t, err)
	assert.Equal(t, []string{"cpus", "1", "state"}, path)
	name, err := tree.FullName(state)
	require.NoError(t, err)
	assert.Equal(t, "cpus/0/state", name)

	parent, err := tree.Parent(state)
	require.NoError(t, err)
	last, err := tree.Name(parent)
	require.NoError(t, err)
	assert.Equal(t, "0", last)
	top, err := tree.Parent(cpus)
	require.NoError(t, err)
	assert.Equal(t, Root, top)
}

func TestNotFound(t *testing.T) {
	tree := New()
	mustQuark(t, tree, "a", "b")

	tests := map[string]func() error{
		"missing path": func() error {
			_, err := tree.QuarkOf(Root, "a", "c")
			return err
		},
		"negative quark": func() error {
			_, err := tree.Path(-5)
			return err
		},
		"unallocated quark": func() error {
			_, err := tree.FullName(2)
			return err
		},
		"root name": func() error {
			_, err := tree.Name(Root)
			return err
		},
		"bad parent": func() error {
			_, err := tree.GetOrCreateQuark(7, "x")
			return err
		},
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, fn(), ErrAttributeNotFound)
		})
	}
	assert.Equal(t, 2, tree.Count())
}

func TestSubAttributes(t *testing.T) {
	tree := New()
	mustQuark(t, tree, "threads", "42", "status") // 0 1 2
	mustQuark(t, tree, "cpus", "0")               // 3 4
	mustQuark(t, tree, "threads", "7", "status")  // 5 6
	mustQuark(t, tree, "threads", "42", "prio")   // 7

	direct, err := tree.SubAttributes(0, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5}, direct)

	all, err := tree.SubAttributes(0, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 7, 5, 6}, all)

	top, err := tree.SubAttributes(Root, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, top)

	leaf, err := tree.SubAttributes(2, true)
	require.NoError(t, err)
	assert.Empty(t, leaf)
}

func TestBinary(t *testing.T) {
	tree := New()
	mustQuark(t, tree, "cpus", "0", "state")
	mustQuark(t, tree, "threads", "")
	mustQuark(t, tree, "cpus", "1", "state")

	data, err := tree.MarshalBinary()
	require.NoError(t, err)

	var got Tree
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, tree.Count(), got.Count())
	for q := range tree.Count() {
		want, _ := tree.FullName(q)
		name, err := got.FullName(q)
		require.NoError(t, err)
		assert.Equal(t, want, name)
	}
	q, err := got.QuarkOf(Root, "cpus", "1", "state")
	require.NoError(t, err)
	assert.Equal(t, 6, q)

	for name, bad := range map[string][]byte{
		"empty":     nil,
		"truncated": data[:len(data)-2],
		"trailing":  append(append([]byte{}, data...), 0),
		"bad count": {0x7f},
	} {
		t.Run(name, func(t *testing.T) {
			var tr Tree
			assert.Error(t, tr.UnmarshalBinary(bad))
		})
	}
}

func TestSplitPath(t *testing.T) {
	assert.Equal(t, []string{"cpu", "0", "state"}, SplitPath("cpu/0/state"))
	assert.Equal(t, []string{"total"}, SplitPath("/total/"))
}
