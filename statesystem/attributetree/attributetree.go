// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package attributetree maps hierarchical attribute paths such as cpus/0/current_thread to
// dense integer quarks.
package attributetree // import "go.opentelemetry.io/ctfstate/statesystem/attributetree"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Root is the quark of the tree root. It has no name and holds no state.
const Root = -1

// Separator joins path segments in full attribute names.
const Separator = "/"

// ErrAttributeNotFound is returned for paths and quarks that were never created.
var ErrAttributeNotFound = errors.New("attribute not found")

var errCorrupt = errors.New("corrupt attribute tree")

// Tree is the set of attributes of one state system. Quarks are allocated in the order
// paths are first seen and are never reused.
//
// A Tree is not safe for concurrent use.
type Tree struct {
	names    []string
	parents  []int
	children []map[string]int
	// rootChildren holds the children of Root.
	rootChildren map[string]int
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{rootChildren: make(map[string]int)}
}

// Count returns the number of quarks.
func (t *Tree) Count() int { return len(t.names) }

func (t *Tree) childrenOf(quark int) map[string]int {
	if quark == Root {
		return t.rootChildren
	}
	return t.children[quark]
}

func (t *Tree) valid(quark int) bool {
	return quark == Root || (quark >= 0 && quark < len(t.names))
}

// GetOrCreateQuark returns the quark of path below parent, creating missing attributes.
func (t *Tree) GetOrCreateQuark(parent int, path ...string) (int, error) {
	if !t.valid(parent) {
		return 0, fmt.Errorf("%w: quark %d", ErrAttributeNotFound, parent)
	}
	q := parent
	for _, name := range path {
		kids := t.childrenOf(q)
		child, ok := kids[name]
		if !ok {
			child = len(t.names)
			t.names = append(t.names, name)
			t.parents = append(t.parents, q)
			t.children = append(t.children, nil)
			if kids == nil {
				kids = make(map[string]int)
				t.children[q] = kids
			}
			kids[name] = child
		}
		q = child
	}
	return q, nil
}

// QuarkOf returns the quark of path below parent without creating anything.
func (t *Tree) QuarkOf(parent int, path ...string) (int, error) {
	if !t.valid(parent) {
		return 0, fmt.Errorf("%w: quark %d", ErrAttributeNotFound, parent)
	}
	q := parent
	for i, name := range path {
		child, ok := t.childrenOf(q)[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrAttributeNotFound,
				strings.Join(path[:i+1], Separator))
		}
		q = child
	}
	return q, nil
}

// Name returns the last path segment of quark.
func (t *Tree) Name(quark int) (string, error) {
	if quark == Root || !t.valid(quark) {
		return "", fmt.Errorf("%w: quark %d", ErrAttributeNotFound, quark)
	}
	return t.names[quark], nil
}

// Parent returns the parent of quark, Root for top level attributes.
func (t *Tree) Parent(quark int) (int, error) {
	if quark == Root || !t.valid(quark) {
		return 0, fmt.Errorf("%w: quark %d", ErrAttributeNotFound, quark)
	}
	return t.parents[quark], nil
}

// Path returns the path segments of quark from the root.
func (t *Tree) Path(quark int) ([]string, error) {
	if quark == Root || !t.valid(quark) {
		return nil, fmt.Errorf("%w: quark %d", ErrAttributeNotFound, quark)
	}
	var path []string
	for q := quark; q != Root; q = t.parents[q] {
		path = append(path, t.names[q])
	}
	slices.Reverse(path)
	return path, nil
}

// FullName returns the path of quark joined by Separator.
func (t *Tree) FullName(quark int) (string, error) {
	path, err := t.Path(quark)
	if err != nil {
		return "", err
	}
	return strings.Join(path, Separator), nil
}

// SubAttributes returns the children of quark in creation order, or all its descendants
// in depth first order when recursive is set.
func (t *Tree) SubAttributes(quark int, recursive bool) ([]int, error) {
	if !t.valid(quark) {
		return nil, fmt.Errorf("%w: quark %d", ErrAttributeNotFound, quark)
	}
	var out []int
	t.appendChildren(&out, quark, recursive)
	return out, nil
}

func (t *Tree) appendChildren(out *[]int, quark int, recursive bool) {
	kids := t.childrenOf(quark)
	ordered := make([]int, 0, len(kids))
	for _, q := range kids {
		ordered = append(ordered, q)
	}
	// Quarks grow with creation time.
	slices.Sort(ordered)
	for _, q := range ordered {
		*out = append(*out, q)
		if recursive {
			t.appendChildren(out, q, true)
		}
	}
}

// SplitPath splits a full attribute name into its segments.
func SplitPath(name string) []string {
	return strings.Split(strings.Trim(name, Separator), Separator)
}

// MarshalBinary encodes the tree as the quark count followed by the parent and name of
// every quark in quark order.
func (t *Tree) MarshalBinary() ([]byte, error) {
	b := binary.AppendUvarint(nil, uint64(len(t.names)))
	for q, name := range t.names {
		// Root is -1, so shift parents to stay unsigned.
		b = binary.AppendUvarint(b, uint64(t.parents[q]+1))
		b = binary.AppendUvarint(b, uint64(len(name)))
		b = append(b, name...)
	}
	return b, nil
}

// UnmarshalBinary replaces the tree with one encoded by MarshalBinary.
func (t *Tree) UnmarshalBinary(data []byte) error {
	next := func() (uint64, error) {
		v, n := binary.Uvarint(data)
		if n <= 0 {
			return 0, errCorrupt
		}
		data = data[n:]
		return v, nil
	}
	count, err := next()
	if err != nil {
		return err
	}
	if count > uint64(len(data)) {
		return fmt.Errorf("%w: %d quarks in %d bytes", errCorrupt, count, len(data))
	}

	nt := New()
	for q := range int(count) {
		p, err := next()
		if err != nil {
			return err
		}
		parent := int(p) - 1
		if parent >= q {
			return fmt.Errorf("%w: quark %d has parent %d", errCorrupt, q, parent)
		}
		l, err := next()
		if err != nil {
			return err
		}
		if l > uint64(len(data)) {
			return fmt.Errorf("%w: name of quark %d truncated", errCorrupt, q)
		}
		name := string(data[:l])
		data = data[l:]

		got, err := nt.GetOrCreateQuark(parent, name)
		if err != nil {
			return err
		}
		if got != q {
			return fmt.Errorf("%w: duplicate attribute %q", errCorrupt, name)
		}
	}
	if len(data) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", errCorrupt, len(data))
	}
	*t = *nt
	return nil
}
