// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package statesystem // import "go.opentelemetry.io/ctfstate/statesystem"

import (
	"errors"

	"go.opentelemetry.io/ctfstate/statesystem/interval"
	"go.opentelemetry.io/ctfstate/statesystem/statevalue"
)

// Predicate selects state values.
type Predicate func(statevalue.Value) bool

// ValueIs returns a predicate comparing values against ref with op.
func ValueIs(op statevalue.Op, ref statevalue.Value) Predicate {
	return func(v statevalue.Value) bool { return statevalue.Compare(v, op, ref) }
}

// NotNull matches every non-null value.
func NotNull(v statevalue.Value) bool { return !v.IsNull() }

// QueryIntervalsUntil walks the intervals of quark from the one containing t1 and returns
// the first one whose value matches pred, as long as it starts at or before t2. The walk
// visits one interval per value change, not one per event.
//
// Unknown attributes, timestamps outside the history and disposed state systems are
// reported as not found.
func QueryIntervalsUntil(ss *StateSystem, quark int, t1, t2 int64,
	pred Predicate) (interval.Interval, bool, error) {
	for ts := t1; ts <= t2; {
		iv, err := ss.QuerySingleState(ts, quark)
		switch {
		case errors.Is(err, ErrAttributeNotFound),
			errors.Is(err, ErrTimeRange),
			errors.Is(err, ErrDisposed):
			return interval.Interval{}, false, nil
		case err != nil:
			return interval.Interval{}, false, err
		}
		if pred(iv.Value) {
			return iv, true, nil
		}
		if iv.End >= t2 {
			break
		}
		ts = iv.End + 1
	}
	return interval.Interval{}, false, nil
}
