// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package statevalue defines the tagged values attributes hold over time.
package statevalue // import "go.opentelemetry.io/ctfstate/statesystem/statevalue"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tag identifies the type of a Value.
type Tag uint8

const (
	TagNull Tag = iota
	TagInt
	TagLong
	TagDouble
	TagString
	TagCustom
)

var tagNames = [...]string{"null", "int", "long", "double", "string", "custom"}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "tag(" + strconv.Itoa(int(t)) + ")"
}

var (
	// ErrTypeMismatch is returned when values of different tags are compared strictly, or
	// when an operation does not apply to a value's tag.
	ErrTypeMismatch = errors.New("state value type mismatch")

	errShortBuffer = errors.New("state value truncated")
)

// Value is an immutable tagged value: null, a 32 or 64 bit integer, a double, a string or
// an opaque custom payload. The zero Value is null. Values are comparable with ==, except
// that a NaN double differs from itself.
type Value struct {
	tag Tag
	// customType is the type id of custom values.
	customType uint8
	i          int64
	f          float64
	// s holds string values and custom payloads.
	s string
}

// Null returns the null value.
func Null() Value { return Value{} }

// Int returns a 32 bit integer value.
func Int(v int32) Value { return Value{tag: TagInt, i: int64(v)} }

// Long returns a 64 bit integer value.
func Long(v int64) Value { return Value{tag: TagLong, i: v} }

// Double returns a floating point value.
func Double(v float64) Value { return Value{tag: TagDouble, f: v} }

// String returns a string value.
func String(v string) Value { return Value{tag: TagString, s: v} }

// Custom returns an opaque value. Custom values compare by type id, then by payload bytes.
func Custom(typeID uint8, payload []byte) Value {
	return Value{tag: TagCustom, customType: typeID, s: string(payload)}
}

// Tag returns the value's tag.
func (v Value) Tag() Tag { return v.tag }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.tag == TagNull }

// Int returns the value of Int values.
func (v Value) Int() (int32, bool) {
	return int32(v.i), v.tag == TagInt
}

// Long returns the value of Int and Long values.
func (v Value) Long() (int64, bool) {
	return v.i, v.tag == TagInt || v.tag == TagLong
}

// Double returns the value of Double values.
func (v Value) Double() (float64, bool) {
	return v.f, v.tag == TagDouble
}

// Str returns the value of String values.
func (v Value) Str() (string, bool) {
	return v.s, v.tag == TagString
}

// Custom returns the type id and payload of Custom values.
func (v Value) Custom() (uint8, []byte, bool) {
	if v.tag != TagCustom {
		return 0, nil, false
	}
	return v.customType, []byte(v.s), true
}

// Equal reports whether v and o have the same tag and value. NaN equals NaN here, so that
// attributes holding NaN do not produce a new interval on every update.
func (v Value) Equal(o Value) bool {
	if v.tag == TagDouble && o.tag == TagDouble && math.IsNaN(v.f) && math.IsNaN(o.f) {
		return true
	}
	return v == o
}

func (v Value) String() string {
	switch v.tag {
	case TagNull:
		return "null"
	case TagInt, TagLong:
		return strconv.FormatInt(v.i, 10)
	case TagDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TagString:
		return strconv.Quote(v.s)
	case TagCustom:
		return fmt.Sprintf("custom(%d, %x)", v.customType, v.s)
	}
	return v.tag.String()
}

// Increment returns v plus one. Null counts as zero; Int values that overflow become Long.
func (v Value) Increment() (Value, error) {
	switch v.tag {
	case TagNull:
		return Int(1), nil
	case TagInt:
		if v.i == math.MaxInt32 {
			return Long(v.i + 1), nil
		}
		return Int(int32(v.i + 1)), nil
	case TagLong:
		return Long(v.i + 1), nil
	}
	return v, fmt.Errorf("%w: cannot increment a %s value", ErrTypeMismatch, v.tag)
}

// EncodedSize returns the number of bytes AppendBinary adds.
func (v Value) EncodedSize() int {
	switch v.tag {
	case TagInt:
		return 1 + 4
	case TagLong, TagDouble:
		return 1 + 8
	case TagString:
		return 1 + uvarintSize(uint64(len(v.s))) + len(v.s)
	case TagCustom:
		return 2 + uvarintSize(uint64(len(v.s))) + len(v.s)
	}
	return 1
}

func uvarintSize(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// AppendBinary appends the encoding of v: the tag byte followed by the little endian value,
// or the length prefixed bytes of strings and custom payloads.
func (v Value) AppendBinary(b []byte) []byte {
	b = append(b, byte(v.tag))
	switch v.tag {
	case TagInt:
		b = binary.LittleEndian.AppendUint32(b, uint32(v.i))
	case TagLong:
		b = binary.LittleEndian.AppendUint64(b, uint64(v.i))
	case TagDouble:
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v.f))
	case TagCustom:
		b = append(b, v.customType)
		fallthrough
	case TagString:
		b = binary.AppendUvarint(b, uint64(len(v.s)))
		b = append(b, v.s...)
	}
	return b
}

// Decode reads a value written by AppendBinary and returns the number of bytes it used.
func Decode(b []byte) (Value, int, error) {
	if len(b) == 0 {
		return Value{}, 0, errShortBuffer
	}
	tag := Tag(b[0])
	n := 1

	switch tag {
	case TagNull:
		return Null(), n, nil
	case TagInt:
		if len(b) < n+4 {
			return Value{}, 0, errShortBuffer
		}
		return Int(int32(binary.LittleEndian.Uint32(b[n:]))), n + 4, nil
	case TagLong, TagDouble:
		if len(b) < n+8 {
			return Value{}, 0, errShortBuffer
		}
		u := binary.LittleEndian.Uint64(b[n:])
		if tag == TagLong {
			return Long(int64(u)), n + 8, nil
		}
		return Double(math.Float64frombits(u)), n + 8, nil
	case TagString, TagCustom:
		var typeID uint8
		if tag == TagCustom {
			if len(b) < n+1 {
				return Value{}, 0, errShortBuffer
			}
			typeID = b[n]
			n++
		}
		l, k := binary.Uvarint(b[n:])
		if k <= 0 || uint64(len(b)-n-k) < l {
			return Value{}, 0, errShortBuffer
		}
		n += k
		s := string(b[n : n+int(l)])
		n += int(l)
		return Value{tag: tag, customType: typeID, s: s}, n, nil
	}
	return Value{}, 0, fmt.Errorf("unknown state value tag %d", tag)
}

// Parse reads the String form of a value back. Integers parse as Long, and numbers
// with a fraction or exponent as Double.
func Parse(s string) (Value, error) {
	switch {
	case s == "null":
		return Null(), nil
	case strings.HasPrefix(s, `"`):
		u, err := strconv.Unquote(s)
		if err != nil {
			return Value{}, err
		}
		return String(u), nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Long(i), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("invalid state value %q", s)
	}
	return Double(f), nil
}
