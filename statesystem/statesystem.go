// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package statesystem records how the values of hierarchical attributes change over time
// and answers queries about them. A state system is built by a single writer calling
// ModifyAttribute in time order, sealed with CloseHistory and released with Dispose.
//
// Queries may run concurrently with each other and with the writer. While the history is
// being built they see the changes made so far, with every current state extending to
// CurrentEndTime.
package statesystem // import "go.opentelemetry.io/ctfstate/statesystem"

import (
	"fmt"
	"strconv"
	"sync"

	"go.opentelemetry.io/ctfstate/internal/log"
	"go.opentelemetry.io/ctfstate/libpf/xsync"
	"go.opentelemetry.io/ctfstate/metrics"
	"go.opentelemetry.io/ctfstate/statesystem/attributetree"
	"go.opentelemetry.io/ctfstate/statesystem/backend"
	"go.opentelemetry.io/ctfstate/statesystem/interval"
	"go.opentelemetry.io/ctfstate/statesystem/statevalue"
)

// Status is the lifecycle stage of a state system.
type Status int

const (
	// Building state systems accept modifications.
	Building Status = iota
	// Sealed state systems are read only.
	Sealed
	// Disposed state systems have released their storage.
	Disposed
)

func (s Status) String() string {
	switch s {
	case Building:
		return "building"
	case Sealed:
		return "sealed"
	case Disposed:
		return "disposed"
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// Root is the parent of top level attributes.
const Root = attributetree.Root

type history struct {
	status     Status
	start, end int64
	attrs      *attributetree.Tree
	backend    backend.Backend

	// ongoingStart and ongoingValue hold the current state of every quark while building.
	ongoingStart []int64
	ongoingValue []statevalue.Value
}

// StateSystem is a state history under construction or sealed.
type StateSystem struct {
	h        xsync.RWMutex[history]
	done     chan struct{}
	doneOnce sync.Once
}

// New returns a state system in the Building stage, storing its intervals in b. The
// history starts at b.StartTime(), where every attribute holds a null value.
func New(b backend.Backend) *StateSystem {
	start := b.StartTime()
	return &StateSystem{
		h: xsync.NewRWMutex(history{
			status:  Building,
			start:   start,
			end:     start,
			attrs:   attributetree.New(),
			backend: b,
		}),
		done: make(chan struct{}),
	}
}

// Open returns a sealed state system over a backend that was finished by CloseHistory,
// for example a reopened history file.
func Open(b backend.Backend) (*StateSystem, error) {
	data, err := b.Attributes()
	if err != nil {
		return nil, err
	}
	attrs := attributetree.New()
	if err = attrs.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	ss := &StateSystem{
		h: xsync.NewRWMutex(history{
			status:  Sealed,
			start:   b.StartTime(),
			end:     b.EndTime(),
			attrs:   attrs,
			backend: b,
		}),
		done: make(chan struct{}),
	}
	ss.markDone()
	return ss, nil
}

func (ss *StateSystem) markDone() {
	ss.doneOnce.Do(func() { close(ss.done) })
}

// Done returns a channel closed once the history is sealed or disposed.
func (ss *StateSystem) Done() <-chan struct{} { return ss.done }

// Status returns the lifecycle stage.
func (ss *StateSystem) Status() Status {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	return h.status
}

// StartTime returns the start of the history.
func (ss *StateSystem) StartTime() int64 {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	return h.start
}

// CurrentEndTime returns the latest timestamp seen, or the end time once sealed.
func (ss *StateSystem) CurrentEndTime() int64 {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	return h.end
}

// AttributeCount returns the number of quarks allocated.
func (ss *StateSystem) AttributeCount() int {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	return h.attrs.Count()
}

// GetOrCreateQuark returns the quark of path below parent, allocating the missing
// attributes. Once the history is sealed no attribute can be added.
func (ss *StateSystem) GetOrCreateQuark(parent int, path ...string) (int, error) {
	h := ss.h.WLock()
	defer ss.h.WUnlock(&h)
	switch h.status {
	case Disposed:
		return 0, ErrDisposed
	case Sealed:
		return h.attrs.QuarkOf(parent, path...)
	}
	q, err := h.attrs.GetOrCreateQuark(parent, path...)
	if err != nil {
		return 0, err
	}
	h.grow()
	return q, nil
}

// grow extends the ongoing state to newly allocated quarks.
func (h *history) grow() {
	for len(h.ongoingValue) < h.attrs.Count() {
		h.ongoingStart = append(h.ongoingStart, h.start)
		h.ongoingValue = append(h.ongoingValue, statevalue.Null())
	}
}

// QuarkOf returns the quark of path below parent.
func (ss *StateSystem) QuarkOf(parent int, path ...string) (int, error) {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	if h.status == Disposed {
		return 0, ErrDisposed
	}
	return h.attrs.QuarkOf(parent, path...)
}

// FullName returns the slash separated path of quark.
func (ss *StateSystem) FullName(quark int) (string, error) {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	return h.attrs.FullName(quark)
}

// Path returns the path elements of quark.
func (ss *StateSystem) Path(quark int) ([]string, error) {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	return h.attrs.Path(quark)
}

// SubAttributes returns the children of quark, or all its descendants if recursive is set.
func (ss *StateSystem) SubAttributes(quark int, recursive bool) ([]int, error) {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	return h.attrs.SubAttributes(quark, recursive)
}

func (h *history) checkWritable(quark int) error {
	switch h.status {
	case Disposed:
		return ErrDisposed
	case Sealed:
		return ErrSealed
	}
	if quark < 0 || quark >= h.attrs.Count() {
		return fmt.Errorf("%w: quark %d", ErrAttributeNotFound, quark)
	}
	return nil
}

// ModifyAttribute sets the value of quark from ts on. The previous value is stored as an
// interval ending at ts-1. Setting the current value again changes nothing.
func (ss *StateSystem) ModifyAttribute(ts int64, quark int, v statevalue.Value) error {
	h := ss.h.WLock()
	defer ss.h.WUnlock(&h)
	if err := h.checkWritable(quark); err != nil {
		return err
	}
	return h.modify(ts, quark, v)
}

// checkOrder reports whether every quark can change at ts.
func (h *history) checkOrder(ts int64, quarks ...int) error {
	if ts < h.start {
		return fmt.Errorf("%w: %d is before the history start %d", ErrTimeRange, ts, h.start)
	}
	for _, quark := range quarks {
		if start := h.ongoingStart[quark]; ts < start {
			return fmt.Errorf("%w: quark %d changed at %d, before its current state from %d",
				ErrOutOfOrder, quark, ts, start)
		}
	}
	return nil
}

func (h *history) modify(ts int64, quark int, v statevalue.Value) error {
	if err := h.checkOrder(ts, quark); err != nil {
		return err
	}
	start := h.ongoingStart[quark]
	h.end = max(h.end, ts)
	old := h.ongoingValue[quark]
	if old.Equal(v) {
		return nil
	}
	if ts > start {
		iv := interval.Interval{Start: start, End: ts - 1, Quark: quark, Value: old}
		if err := h.backend.Insert(iv); err != nil {
			return fmt.Errorf("storing %v: %w", iv, err)
		}
		h.ongoingStart[quark] = ts
	}
	h.ongoingValue[quark] = v
	return nil
}

// IncrementAttribute adds one to the integer value of quark at ts. A null value counts as
// zero.
func (ss *StateSystem) IncrementAttribute(ts int64, quark int) error {
	h := ss.h.WLock()
	defer ss.h.WUnlock(&h)
	if err := h.checkWritable(quark); err != nil {
		return err
	}
	v, err := h.ongoingValue[quark].Increment()
	if err != nil {
		return fmt.Errorf("quark %d: %w", quark, err)
	}
	return h.modify(ts, quark, v)
}

// stackDepth returns the depth of a stack attribute. Empty stacks hold null.
func (h *history) stackDepth(quark int) (int32, error) {
	v := h.ongoingValue[quark]
	if v.IsNull() {
		return 0, nil
	}
	depth, ok := v.Int()
	if !ok {
		return 0, fmt.Errorf("%w: quark %d is not a stack attribute", statevalue.ErrTypeMismatch, quark)
	}
	return depth, nil
}

// PushAttribute pushes v on the stack attribute quark at ts. The stack attribute holds the
// depth, and its sub-attribute named after the depth holds the value pushed.
func (ss *StateSystem) PushAttribute(ts int64, quark int, v statevalue.Value) error {
	h := ss.h.WLock()
	defer ss.h.WUnlock(&h)
	if err := h.checkWritable(quark); err != nil {
		return err
	}
	depth, err := h.stackDepth(quark)
	if err != nil {
		return err
	}
	depth++
	if err = h.modify(ts, quark, statevalue.Int(depth)); err != nil {
		return err
	}
	sub, err := h.attrs.GetOrCreateQuark(quark, strconv.Itoa(int(depth)))
	if err != nil {
		return err
	}
	h.grow()
	return h.modify(ts, sub, v)
}

// PopAttribute removes the top of the stack attribute quark at ts and returns it. Popping
// an empty stack returns null.
func (ss *StateSystem) PopAttribute(ts int64, quark int) (statevalue.Value, error) {
	h := ss.h.WLock()
	defer ss.h.WUnlock(&h)
	if err := h.checkWritable(quark); err != nil {
		return statevalue.Null(), err
	}
	depth, err := h.stackDepth(quark)
	if err != nil || depth == 0 {
		return statevalue.Null(), err
	}
	sub, err := h.attrs.QuarkOf(quark, strconv.Itoa(int(depth)))
	if err != nil {
		return statevalue.Null(), err
	}
	// The depth only drops once the popped entry is gone.
	if err = h.checkOrder(ts, quark); err != nil {
		return statevalue.Null(), err
	}
	popped := h.ongoingValue[sub]
	if err = h.remove(ts, sub); err != nil {
		return statevalue.Null(), err
	}

	next := statevalue.Null()
	if depth > 1 {
		next = statevalue.Int(depth - 1)
	}
	if err = h.modify(ts, quark, next); err != nil {
		return statevalue.Null(), err
	}
	return popped, nil
}

// RemoveAttribute sets quark and all its sub-attributes to null at ts.
func (ss *StateSystem) RemoveAttribute(ts int64, quark int) error {
	h := ss.h.WLock()
	defer ss.h.WUnlock(&h)
	if err := h.checkWritable(quark); err != nil {
		return err
	}
	return h.remove(ts, quark)
}

func (h *history) remove(ts int64, quark int) error {
	subs, err := h.attrs.SubAttributes(quark, true)
	if err != nil {
		return err
	}
	subs = append(subs, quark)
	if err = h.checkOrder(ts, subs...); err != nil {
		return err
	}
	for _, q := range subs {
		if err = h.modify(ts, q, statevalue.Null()); err != nil {
			return err
		}
	}
	return nil
}

// QueryOngoingState returns the current value of quark while the history is built.
func (ss *StateSystem) QueryOngoingState(quark int) (statevalue.Value, error) {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	if err := h.checkWritable(quark); err != nil {
		return statevalue.Null(), err
	}
	return h.ongoingValue[quark], nil
}

// OngoingStartTime returns the time the current value of quark was set.
func (ss *StateSystem) OngoingStartTime(quark int) (int64, error) {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	if err := h.checkWritable(quark); err != nil {
		return 0, err
	}
	return h.ongoingStart[quark], nil
}

// UpdateOngoingState replaces the current value of quark without starting a new interval.
func (ss *StateSystem) UpdateOngoingState(quark int, v statevalue.Value) error {
	h := ss.h.WLock()
	defer ss.h.WUnlock(&h)
	if err := h.checkWritable(quark); err != nil {
		return err
	}
	h.ongoingValue[quark] = v
	return nil
}

// CloseHistory stores the current state of every attribute as an interval ending at end,
// and seals the state system.
func (ss *StateSystem) CloseHistory(end int64) error {
	h := ss.h.WLock()
	defer ss.h.WUnlock(&h)
	switch h.status {
	case Disposed:
		return ErrDisposed
	case Sealed:
		return ErrSealed
	}
	if end < h.end {
		return fmt.Errorf("%w: closing at %d, before the last change at %d", ErrTimeRange, end, h.end)
	}

	for q, v := range h.ongoingValue {
		iv := interval.Interval{Start: h.ongoingStart[q], End: end, Quark: q, Value: v}
		if err := h.backend.Insert(iv); err != nil {
			return fmt.Errorf("storing %v: %w", iv, err)
		}
	}
	attrs, err := h.attrs.MarshalBinary()
	if err != nil {
		return err
	}
	if err = h.backend.Finish(end, attrs); err != nil {
		return err
	}

	h.end = end
	h.status = Sealed
	h.ongoingStart, h.ongoingValue = nil, nil
	ss.markDone()

	metrics.Add(metrics.IDAttributeCount, metrics.MetricValue(h.attrs.Count()))
	log.Debugf("Closed history [%d, %d] with %d attributes", h.start, end, h.attrs.Count())
	return nil
}

func (h *history) checkQuery(ts int64, quark int) error {
	if h.status == Disposed {
		return ErrDisposed
	}
	if quark < 0 || quark >= h.attrs.Count() {
		return fmt.Errorf("%w: quark %d", ErrAttributeNotFound, quark)
	}
	if ts < h.start || ts > h.end {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrTimeRange, ts, h.start, h.end)
	}
	return nil
}

// query returns the interval of quark containing ts. The ongoing state of a history being
// built ends at the current end time.
func (h *history) query(ts int64, quark int) (interval.Interval, error) {
	if h.status == Building && ts >= h.ongoingStart[quark] {
		return interval.Interval{
			Start: h.ongoingStart[quark],
			End:   h.end,
			Quark: quark,
			Value: h.ongoingValue[quark],
		}, nil
	}
	iv, ok, err := h.backend.Query(ts, quark)
	if err != nil {
		return iv, err
	}
	if !ok {
		return iv, fmt.Errorf("history has no state for quark %d at %d", quark, ts)
	}
	return iv, nil
}

// QuerySingleState returns the interval of quark that contains ts.
func (ss *StateSystem) QuerySingleState(ts int64, quark int) (interval.Interval, error) {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	if err := h.checkQuery(ts, quark); err != nil {
		return interval.Interval{}, err
	}
	return h.query(ts, quark)
}

// QueryFullState returns the interval containing ts of every attribute, indexed by quark.
func (ss *StateSystem) QueryFullState(ts int64) ([]interval.Interval, error) {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	if h.status == Disposed {
		return nil, ErrDisposed
	}
	if ts < h.start || ts > h.end {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrTimeRange, ts, h.start, h.end)
	}

	n := h.attrs.Count()
	out := make([]interval.Interval, n)
	found := make([]bool, n)
	if err := h.backend.QueryAll(ts, out, found); err != nil {
		return nil, err
	}
	for q := range n {
		if h.status == Building && ts >= h.ongoingStart[q] {
			out[q] = interval.Interval{Start: h.ongoingStart[q], End: h.end, Quark: q,
				Value: h.ongoingValue[q]}
			continue
		}
		if !found[q] {
			return nil, fmt.Errorf("history has no state for quark %d at %d", q, ts)
		}
	}
	return out, nil
}

// QueryHistoryRange returns the successive intervals of quark covering [t1, t2].
func (ss *StateSystem) QueryHistoryRange(quark int, t1, t2 int64) ([]interval.Interval, error) {
	h := ss.h.RLock()
	defer ss.h.RUnlock(&h)
	if t2 < t1 {
		return nil, fmt.Errorf("%w: empty range [%d, %d]", ErrTimeRange, t1, t2)
	}
	if err := h.checkQuery(t1, quark); err != nil {
		return nil, err
	}
	if err := h.checkQuery(t2, quark); err != nil {
		return nil, err
	}

	var out []interval.Interval
	for ts := t1; ; {
		iv, err := h.query(ts, quark)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
		if iv.End >= t2 {
			return out, nil
		}
		ts = iv.End + 1
	}
}

// Dispose releases the storage of the state system. Every later operation fails with
// ErrDisposed.
func (ss *StateSystem) Dispose() error {
	h := ss.h.WLock()
	defer ss.h.WUnlock(&h)
	if h.status == Disposed {
		return nil
	}
	h.status = Disposed
	h.ongoingStart, h.ongoingValue = nil, nil
	ss.markDone()
	return h.backend.Dispose()
}
