// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package backend // import "go.opentelemetry.io/ctfstate/statesystem/backend"

import (
	"fmt"
	"sort"

	"go.opentelemetry.io/ctfstate/statesystem/interval"
)

// InMemory keeps the intervals of each quark in a slice sorted by start time.
type InMemory struct {
	start, end int64
	byQuark    [][]interval.Interval
	attributes []byte
	finished   bool
	disposed   bool
}

var _ Backend = (*InMemory)(nil)

// NewInMemory returns an empty in memory backend for a history starting at start.
func NewInMemory(start int64) *InMemory {
	return &InMemory{start: start, end: start}
}

func (m *InMemory) StartTime() int64 { return m.start }
func (m *InMemory) EndTime() int64   { return m.end }

func (m *InMemory) Insert(iv interval.Interval) error {
	switch {
	case m.disposed:
		return ErrDisposed
	case m.finished:
		return ErrFinished
	case iv.Quark < 0:
		return fmt.Errorf("invalid quark %d", iv.Quark)
	}
	for iv.Quark >= len(m.byQuark) {
		m.byQuark = append(m.byQuark, nil)
	}
	list := m.byQuark[iv.Quark]
	if n := len(list); n > 0 && list[n-1].End >= iv.Start {
		return fmt.Errorf("interval %v overlaps %v", iv, list[n-1])
	}
	m.byQuark[iv.Quark] = append(list, iv)
	m.end = max(m.end, iv.End)
	return nil
}

func (m *InMemory) Finish(end int64, attributes []byte) error {
	if m.disposed {
		return ErrDisposed
	}
	m.end = max(m.end, end)
	m.attributes = attributes
	m.finished = true
	return nil
}

func (m *InMemory) Attributes() ([]byte, error) {
	if m.disposed {
		return nil, ErrDisposed
	}
	return m.attributes, nil
}

func (m *InMemory) Query(ts int64, quark int) (interval.Interval, bool, error) {
	if m.disposed {
		return interval.Interval{}, false, ErrDisposed
	}
	if quark < 0 || quark >= len(m.byQuark) {
		return interval.Interval{}, false, nil
	}
	list := m.byQuark[quark]
	i := sort.Search(len(list), func(i int) bool { return list[i].End >= ts })
	if i < len(list) && list[i].Contains(ts) {
		return list[i], true, nil
	}
	return interval.Interval{}, false, nil
}

func (m *InMemory) QueryAll(ts int64, out []interval.Interval, found []bool) error {
	for q := range out {
		iv, ok, err := m.Query(ts, q)
		if err != nil {
			return err
		}
		if ok {
			out[q], found[q] = iv, true
		}
	}
	return nil
}

func (m *InMemory) Dispose() error {
	m.disposed = true
	m.byQuark = nil
	m.attributes = nil
	return nil
}
