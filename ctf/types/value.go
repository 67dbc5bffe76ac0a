// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package types // import "go.opentelemetry.io/ctfstate/ctf/types"

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a decoded field.
type Value interface {
	Kind() Kind
	String() string
}

// IntegerValue keeps the raw bit pattern; signed values are already sign extended.
type IntegerValue struct {
	Decl *IntegerDecl
	Raw  uint64
}

func (v *IntegerValue) Kind() Kind     { return KindInteger }
func (v *IntegerValue) Int64() int64   { return int64(v.Raw) }
func (v *IntegerValue) Uint64() uint64 { return v.Raw }

func (v *IntegerValue) String() string {
	if v.Decl != nil && v.Decl.Signed {
		return strconv.FormatInt(int64(v.Raw), 10)
	}
	if v.Decl != nil && v.Decl.Base == 16 {
		return "0x" + strconv.FormatUint(v.Raw, 16)
	}
	return strconv.FormatUint(v.Raw, 10)
}

// FloatValue is a decoded floating point field.
type FloatValue struct {
	Value float64
}

func (v *FloatValue) Kind() Kind     { return KindFloat }
func (v *FloatValue) String() string { return strconv.FormatFloat(v.Value, 'g', -1, 64) }

// StringValue is a decoded string field.
type StringValue struct {
	Value string
}

func (v *StringValue) Kind() Kind     { return KindString }
func (v *StringValue) String() string { return strconv.Quote(v.Value) }

// EnumValue is an integer with the label its value maps to. Label is empty for values
// outside every mapping.
type EnumValue struct {
	Decl  *EnumDecl
	Int   IntegerValue
	Label string
}

func (v *EnumValue) Kind() Kind { return KindEnum }

func (v *EnumValue) String() string {
	if v.Label == "" {
		return v.Int.String()
	}
	return fmt.Sprintf("%s(%s)", v.Label, v.Int.String())
}

// StructValue holds the values of a struct's fields in declaration order.
type StructValue struct {
	Decl   *StructDecl
	Fields []Value
}

func (v *StructValue) Kind() Kind { return KindStruct }

func (v *StructValue) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range v.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(v.Decl.Fields[i].Name)
		sb.WriteString(" = ")
		sb.WriteString(f.String())
	}
	sb.WriteByte('}')
	return sb.String()
}

// Field returns the value of the field called name.
func (v *StructValue) Field(name string) (Value, bool) {
	if v == nil {
		return nil, false
	}
	idx := v.Decl.Field(name)
	if idx < 0 || idx >= len(v.Fields) {
		return nil, false
	}
	return v.Fields[idx], true
}

// Lookup walks nested structs and variants along path.
func (v *StructValue) Lookup(path ...string) (Value, bool) {
	var cur Value = v
	for _, name := range path {
		sv, ok := unwrapVariant(cur).(*StructValue)
		if !ok {
			return nil, false
		}
		if cur, ok = sv.Field(name); !ok {
			return nil, false
		}
	}
	return unwrapVariant(cur), true
}

// ArrayValue holds the elements of an array or sequence.
type ArrayValue struct {
	Decl  Declaration
	Elems []Value
}

func (v *ArrayValue) Kind() Kind { return v.Decl.Kind() }

func (v *ArrayValue) String() string {
	if s, ok := AsString(v); ok {
		return strconv.Quote(s)
	}
	parts := make([]string, 0, len(v.Elems))
	for _, e := range v.Elems {
		parts = append(parts, e.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// VariantValue is the selected option of a variant.
type VariantValue struct {
	Decl  *VariantDecl
	Tag   string
	Value Value
}

func (v *VariantValue) Kind() Kind     { return KindVariant }
func (v *VariantValue) String() string { return v.Tag + ":" + v.Value.String() }

func unwrapVariant(v Value) Value {
	for {
		vv, ok := v.(*VariantValue)
		if !ok {
			return v
		}
		v = vv.Value
	}
}

// AsInt64 returns the numeric value of integer and enum fields.
func AsInt64(v Value) (int64, bool) {
	switch tv := unwrapVariant(v).(type) {
	case *IntegerValue:
		return tv.Int64(), true
	case *EnumValue:
		return tv.Int.Int64(), true
	}
	return 0, false
}

// AsUint64 returns the raw value of integer and enum fields.
func AsUint64(v Value) (uint64, bool) {
	switch tv := unwrapVariant(v).(type) {
	case *IntegerValue:
		return tv.Raw, true
	case *EnumValue:
		return tv.Int.Raw, true
	}
	return 0, false
}

// AsString returns string fields and arrays or sequences of character encoded integers.
func AsString(v Value) (string, bool) {
	switch tv := unwrapVariant(v).(type) {
	case *StringValue:
		return tv.Value, true
	case *ArrayValue:
		var elem Declaration
		switch d := tv.Decl.(type) {
		case *ArrayDecl:
			elem = d.Elem
		case *SequenceDecl:
			elem = d.Elem
		}
		id, ok := elem.(*IntegerDecl)
		if !ok || id.Encoding == EncodingNone || id.Size != 8 {
			return "", false
		}
		b := make([]byte, 0, len(tv.Elems))
		for _, e := range tv.Elems {
			c := byte(e.(*IntegerValue).Raw)
			if c == 0 {
				break
			}
			b = append(b, c)
		}
		return string(b), true
	}
	return "", false
}
