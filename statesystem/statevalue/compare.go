// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package statevalue // import "go.opentelemetry.io/ctfstate/statesystem/statevalue"

import (
	"cmp"
	"fmt"
	"strings"
)

// Op is a comparison operator.
type Op uint8

const (
	// OpNone never holds. It is the operator of conditions that match nothing.
	OpNone Op = iota
	OpEQ
	OpNE
	OpGE
	OpGT
	OpLE
	OpLT
)

var opNames = [...]string{"none", "==", "!=", ">=", ">", "<=", "<"}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// ParseOp returns the operator written as s, e.g. ">=" or "ge".
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(s) {
	case "none":
		return OpNone, nil
	case "==", "=", "eq":
		return OpEQ, nil
	case "!=", "ne":
		return OpNE, nil
	case ">=", "ge":
		return OpGE, nil
	case ">", "gt":
		return OpGT, nil
	case "<=", "le":
		return OpLE, nil
	case "<", "lt":
		return OpLT, nil
	}
	return OpNone, fmt.Errorf("unknown comparison operator %q", s)
}

// family groups tags whose values are ordered against each other.
func family(t Tag) Tag {
	if t == TagInt {
		return TagLong
	}
	return t
}

// Order compares a and b by the natural order of their tag: numeric for integers and
// doubles, lexicographic for strings, by type id then bytes for custom values. Int and
// Long values are ordered together. Values of other different tags are not ordered.
func Order(a, b Value) (int, error) {
	if family(a.tag) != family(b.tag) {
		return 0, fmt.Errorf("%w: %s and %s", ErrTypeMismatch, a.tag, b.tag)
	}
	switch family(a.tag) {
	case TagNull:
		return 0, nil
	case TagLong:
		return cmp.Compare(a.i, b.i), nil
	case TagDouble:
		return cmp.Compare(a.f, b.f), nil
	case TagString:
		return strings.Compare(a.s, b.s), nil
	case TagCustom:
		if c := cmp.Compare(a.customType, b.customType); c != 0 {
			return 0, fmt.Errorf("%w: custom types %d and %d",
				ErrTypeMismatch, a.customType, b.customType)
		}
		return strings.Compare(a.s, b.s), nil
	}
	return 0, fmt.Errorf("%w: unknown tag %s", ErrTypeMismatch, a.tag)
}

func (op Op) holds(c int) bool {
	switch op {
	case OpEQ:
		return c == 0
	case OpNE:
		return c != 0
	case OpGE:
		return c >= 0
	case OpGT:
		return c > 0
	case OpLE:
		return c <= 0
	case OpLT:
		return c < 0
	}
	return false
}

// Compare evaluates a op b. Values that are not ordered against each other compare false
// for every operator, NE included. OpNone is always false.
func Compare(a Value, op Op, b Value) bool {
	c, err := Order(a, b)
	if err != nil {
		return false
	}
	return op.holds(c)
}

// CompareStrict is Compare, but returns ErrTypeMismatch for values that are not ordered
// against each other instead of false.
func CompareStrict(a Value, op Op, b Value) (bool, error) {
	c, err := Order(a, b)
	if err != nil {
		return false, err
	}
	return op.holds(c), nil
}
