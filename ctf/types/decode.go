// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package types // import "go.opentelemetry.io/ctfstate/ctf/types"

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/ctfstate/ctf/bitbuf"
)

var (
	// ErrUnresolvedRef is returned when a sequence length or variant tag names a field that
	// has not been decoded.
	ErrUnresolvedRef = errors.New("unresolved field reference")
	// ErrBadTag is returned when a variant tag selects no option.
	ErrBadTag = errors.New("variant tag selects no option")
)

// Dynamic scope names usable as absolute prefixes of field references.
const (
	ScopeTracePacketHeader   = "trace.packet.header"
	ScopeStreamPacketContext = "stream.packet.context"
	ScopeStreamEventHeader   = "stream.event.header"
	ScopeStreamEventContext  = "stream.event.context"
	ScopeEventContext        = "event.context"
	ScopeEventFields         = "event.fields"
)

// absolute lists the dynamic scopes, longest prefixes first.
var absolute = []string{
	ScopeTracePacketHeader,
	ScopeStreamPacketContext,
	ScopeStreamEventHeader,
	ScopeStreamEventContext,
	ScopeEventContext,
	ScopeEventFields,
}

// Context holds the dynamic scopes decoded so far for the packet and event at hand.
type Context struct {
	roots map[string]*StructValue
}

// NewContext returns an empty decoding context.
func NewContext() *Context {
	return &Context{roots: make(map[string]*StructValue, len(absolute))}
}

// SetScope registers the decoded value of a dynamic scope.
func (c *Context) SetScope(name string, v *StructValue) {
	if v == nil {
		delete(c.roots, name)
		return
	}
	c.roots[name] = v
}

// Scope returns a registered dynamic scope.
func (c *Context) Scope(name string) *StructValue {
	return c.roots[name]
}

// ResetEvent drops the per-event scopes, keeping the packet ones.
func (c *Context) ResetEvent() {
	delete(c.roots, ScopeStreamEventHeader)
	delete(c.roots, ScopeStreamEventContext)
	delete(c.roots, ScopeEventContext)
	delete(c.roots, ScopeEventFields)
}

// scope is the chain of structs being decoded, innermost first.
type scope struct {
	parent *scope
	decl   *StructDecl
	values []Value
}

func (s *scope) lookup(name string) (Value, bool) {
	idx := s.decl.Field(name)
	if idx < 0 || idx >= len(s.values) {
		return nil, false
	}
	return s.values[idx], true
}

// Decode reads one value of type decl at the reader position. Struct fields and the
// options of variants are decoded recursively; sequence lengths and variant tags are
// resolved against fields decoded earlier, then against the dynamic scopes in ctx.
func Decode(r *bitbuf.Reader, decl Declaration, ctx *Context) (Value, error) {
	if ctx == nil {
		ctx = NewContext()
	}
	return decode(r, decl, nil, ctx)
}

func decode(r *bitbuf.Reader, decl Declaration, sc *scope, ctx *Context) (Value, error) {
	if err := r.Align(decl.Alignment()); err != nil {
		return nil, err
	}

	switch d := decl.(type) {
	case *IntegerDecl:
		raw, err := r.ReadInt(d.Size, d.Signed, d.ByteOrder)
		if err != nil {
			return nil, err
		}
		return &IntegerValue{Decl: d, Raw: raw}, nil
	case *FloatDecl:
		f, err := r.ReadFloat(d.Size(), d.ByteOrder)
		if err != nil {
			return nil, err
		}
		return &FloatValue{Value: f}, nil
	case *StringDecl:
		s, err := r.ReadCString()
		if err != nil {
			return nil, err
		}
		return &StringValue{Value: s}, nil
	case *EnumDecl:
		raw, err := r.ReadInt(d.Container.Size, d.Container.Signed, d.Container.ByteOrder)
		if err != nil {
			return nil, err
		}
		label, _ := d.Label(int64(raw))
		return &EnumValue{Decl: d, Int: IntegerValue{Decl: d.Container, Raw: raw},
			Label: label}, nil
	case *StructDecl:
		return decodeStruct(r, d, sc, ctx)
	case *ArrayDecl:
		return decodeElems(r, d, d.Elem, d.Length, sc, ctx)
	case *SequenceDecl:
		lv, err := resolve(d.LengthRef, sc, ctx)
		if err != nil {
			return nil, err
		}
		n, ok := AsUint64(lv)
		if !ok {
			return nil, fmt.Errorf("sequence length %q is a %s, not an integer",
				d.LengthRef, lv.Kind())
		}
		return decodeElems(r, d, d.Elem, n, sc, ctx)
	case *VariantDecl:
		tv, err := resolve(d.TagRef, sc, ctx)
		if err != nil {
			return nil, err
		}
		ev, ok := tv.(*EnumValue)
		if !ok {
			return nil, fmt.Errorf("variant tag %q is a %s, not an enum", d.TagRef, tv.Kind())
		}
		opt, ok := d.Option(ev.Label)
		if !ok {
			return nil, fmt.Errorf("tag %q value %s: %w", d.TagRef, ev, ErrBadTag)
		}
		v, err := decode(r, opt, sc, ctx)
		if err != nil {
			return nil, err
		}
		return &VariantValue{Decl: d, Tag: ev.Label, Value: v}, nil
	}
	return nil, fmt.Errorf("cannot decode declaration %T", decl)
}

func decodeStruct(r *bitbuf.Reader, d *StructDecl, parent *scope,
	ctx *Context) (*StructValue, error) {
	sc := &scope{parent: parent, decl: d, values: make([]Value, 0, len(d.Fields))}
	for _, f := range d.Fields {
		v, err := decode(r, f.Decl, sc, ctx)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		sc.values = append(sc.values, v)
	}
	return &StructValue{Decl: d, Fields: sc.values}, nil
}

func decodeElems(r *bitbuf.Reader, decl, elem Declaration, n uint64, sc *scope,
	ctx *Context) (*ArrayValue, error) {
	// Every element occupies at least one bit, which bounds the allocation on corrupt input.
	if n > r.Remaining() {
		return nil, fmt.Errorf("%d elements do not fit in %d remaining bits: %w",
			n, r.Remaining(), bitbuf.ErrOutOfBounds)
	}
	elems := make([]Value, 0, n)
	for range n {
		v, err := decode(r, elem, sc, ctx)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	return &ArrayValue{Decl: decl, Elems: elems}, nil
}

// resolve finds the value named by ref: absolute references start at a dynamic scope,
// relative ones at the innermost struct that has a field called like the first component.
func resolve(ref string, sc *scope, ctx *Context) (Value, error) {
	for _, prefix := range absolute {
		rest, ok := strings.CutPrefix(ref, prefix+".")
		if !ok {
			continue
		}
		root := ctx.Scope(prefix)
		if root == nil {
			return nil, fmt.Errorf("%q: scope %s not decoded: %w", ref, prefix, ErrUnresolvedRef)
		}
		if v, ok := root.Lookup(strings.Split(rest, ".")...); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%q: %w", ref, ErrUnresolvedRef)
	}

	parts := strings.Split(ref, ".")
	for s := sc; s != nil; s = s.parent {
		v, ok := s.lookup(parts[0])
		if !ok {
			continue
		}
		if len(parts) == 1 {
			return unwrapVariant(v), nil
		}
		sv, ok := unwrapVariant(v).(*StructValue)
		if !ok {
			break
		}
		if v, ok = sv.Lookup(parts[1:]...); ok {
			return v, nil
		}
		break
	}

	// Relative references may also point into an enclosing dynamic scope.
	for i := len(absolute) - 1; i >= 0; i-- {
		if root := ctx.Scope(absolute[i]); root != nil {
			if v, ok := root.Lookup(parts...); ok {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("%q: %w", ref, ErrUnresolvedRef)
}
