// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package types holds the CTF type declarations built from trace metadata and decodes
// binary data into values according to them.
package types // import "go.opentelemetry.io/ctfstate/ctf/types"

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/ctfstate/ctf/bitbuf"
)

// Kind identifies the class of a declaration.
type Kind uint8

const (
	KindInteger Kind = iota + 1
	KindFloat
	KindEnum
	KindString
	KindStruct
	KindArray
	KindSequence
	KindVariant
)

var kindNames = map[Kind]string{
	KindInteger:  "integer",
	KindFloat:    "floating_point",
	KindEnum:     "enum",
	KindString:   "string",
	KindStruct:   "struct",
	KindArray:    "array",
	KindSequence: "sequence",
	KindVariant:  "variant",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Declaration describes the layout of one field type.
type Declaration interface {
	Kind() Kind
	// Alignment returns the alignment in bits the field starts at.
	Alignment() uint64
	// String renders the declaration in a TSDL-like notation for diagnostics.
	String() string
}

// Encoding is the character encoding of strings and integer-encoded characters.
type Encoding uint8

const (
	EncodingNone Encoding = iota
	EncodingUTF8
	EncodingASCII
)

// IntegerDecl is a fixed width integer of 1 to 64 bits.
type IntegerDecl struct {
	Size      uint
	Align     uint64
	Signed    bool
	ByteOrder bitbuf.ByteOrder
	Base      int
	Encoding  Encoding
	// Clock names the clock this integer is mapped to, e.g. "monotonic".
	Clock string
}

func (d *IntegerDecl) Kind() Kind        { return KindInteger }
func (d *IntegerDecl) Alignment() uint64 { return d.Align }

func (d *IntegerDecl) String() string {
	sign := "unsigned"
	if d.Signed {
		sign = "signed"
	}
	return fmt.Sprintf("integer{size=%d,align=%d,%s,%s}", d.Size, d.Align, sign, d.ByteOrder)
}

// FloatDecl is an IEEE 754 floating point number.
type FloatDecl struct {
	ExpDig    uint
	MantDig   uint
	Align     uint64
	ByteOrder bitbuf.ByteOrder
}

func (d *FloatDecl) Kind() Kind        { return KindFloat }
func (d *FloatDecl) Alignment() uint64 { return d.Align }
func (d *FloatDecl) Size() uint        { return d.ExpDig + d.MantDig }

func (d *FloatDecl) String() string {
	return fmt.Sprintf("floating_point{exp_dig=%d,mant_dig=%d}", d.ExpDig, d.MantDig)
}

// StringDecl is a null terminated string.
type StringDecl struct {
	Encoding Encoding
}

func (d *StringDecl) Kind() Kind        { return KindString }
func (d *StringDecl) Alignment() uint64 { return 8 }
func (d *StringDecl) String() string    { return "string" }

// EnumMapping maps the inclusive range [Low, High] to a label.
type EnumMapping struct {
	Label     string
	Low, High int64
}

// EnumDecl is an integer whose values carry labels.
type EnumDecl struct {
	Container *IntegerDecl
	Mappings  []EnumMapping
}

func (d *EnumDecl) Kind() Kind        { return KindEnum }
func (d *EnumDecl) Alignment() uint64 { return d.Container.Align }

func (d *EnumDecl) String() string {
	labels := make([]string, 0, len(d.Mappings))
	for _, m := range d.Mappings {
		labels = append(labels, m.Label)
	}
	return fmt.Sprintf("enum : %s {%s}", d.Container, strings.Join(labels, ","))
}

// Label returns the first label whose range holds v.
func (d *EnumDecl) Label(v int64) (string, bool) {
	for _, m := range d.Mappings {
		if v >= m.Low && v <= m.High {
			return m.Label, true
		}
	}
	return "", false
}

// Value returns the low value of the range mapped to label.
func (d *EnumDecl) Value(label string) (int64, bool) {
	for _, m := range d.Mappings {
		if m.Label == label {
			return m.Low, true
		}
	}
	return 0, false
}

// Field is a named member of a struct or a variant.
type Field struct {
	Name string
	Decl Declaration
}

// StructDecl is an ordered list of named fields.
type StructDecl struct {
	Fields []Field
	// MinAlign is the explicit align() attribute of the struct, if any.
	MinAlign uint64
}

func (d *StructDecl) Kind() Kind { return KindStruct }

func (d *StructDecl) Alignment() uint64 {
	align := max(d.MinAlign, 1)
	for _, f := range d.Fields {
		align = max(align, f.Decl.Alignment())
	}
	return align
}

func (d *StructDecl) String() string {
	parts := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		parts = append(parts, f.Decl.String()+" "+f.Name)
	}
	return "struct{" + strings.Join(parts, ";") + "}"
}

// Field returns the index of the field named name, or -1.
func (d *StructDecl) Field(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// ArrayDecl is a fixed length array.
type ArrayDecl struct {
	Elem   Declaration
	Length uint64
}

func (d *ArrayDecl) Kind() Kind        { return KindArray }
func (d *ArrayDecl) Alignment() uint64 { return d.Elem.Alignment() }

func (d *ArrayDecl) String() string {
	return fmt.Sprintf("%s[%d]", d.Elem, d.Length)
}

// SequenceDecl is an array whose length is read from a previously decoded integer field.
type SequenceDecl struct {
	Elem      Declaration
	LengthRef string
}

func (d *SequenceDecl) Kind() Kind        { return KindSequence }
func (d *SequenceDecl) Alignment() uint64 { return d.Elem.Alignment() }

func (d *SequenceDecl) String() string {
	return fmt.Sprintf("%s[%s]", d.Elem, d.LengthRef)
}

// VariantDecl selects one of several fields according to a previously decoded enum.
type VariantDecl struct {
	TagRef  string
	Options []Field
}

func (d *VariantDecl) Kind() Kind { return KindVariant }

// Alignment of a variant is the alignment of the selected option, which is applied when
// decoding the option itself.
func (d *VariantDecl) Alignment() uint64 { return 1 }

func (d *VariantDecl) String() string {
	parts := make([]string, 0, len(d.Options))
	for _, f := range d.Options {
		parts = append(parts, f.Decl.String()+" "+f.Name)
	}
	return "variant<" + d.TagRef + ">{" + strings.Join(parts, ";") + "}"
}

// Option returns the option declared under name.
func (d *VariantDecl) Option(name string) (Declaration, bool) {
	for _, f := range d.Options {
		if f.Name == name {
			return f.Decl, true
		}
	}
	return nil, false
}

// WithTag returns a copy of the variant bound to the tag reference ref.
func (d *VariantDecl) WithTag(ref string) *VariantDecl {
	return &VariantDecl{TagRef: ref, Options: d.Options}
}
