// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metadata // import "go.opentelemetry.io/ctfstate/ctf/metadata"

import (
	"fmt"
	"strings"
)

// ErrorKind classifies metadata failures.
type ErrorKind uint8

const (
	KindGrammar ErrorKind = iota + 1
	KindBadMagic
	KindFraming
	KindChecksum
	KindUnsupported
	KindDuplicate
	KindUndeclaredType
	KindRedeclaration
	KindSemantic
)

var errorKindNames = map[ErrorKind]string{
	KindGrammar:        "syntax error",
	KindBadMagic:       "bad magic number",
	KindFraming:        "bad metadata packet framing",
	KindChecksum:       "checksum error",
	KindUnsupported:    "unsupported metadata feature",
	KindDuplicate:      "duplicate declaration",
	KindUndeclaredType: "undeclared type",
	KindRedeclaration:  "inconsistent redeclaration",
	KindSemantic:       "invalid declaration",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", k)
}

// Sentinels for errors.Is. A *ParseError matches the sentinel of its kind.
var (
	ErrGrammar        = &ParseError{Kind: KindGrammar}
	ErrBadMagic       = &ParseError{Kind: KindBadMagic}
	ErrFraming        = &ParseError{Kind: KindFraming}
	ErrChecksum       = &ParseError{Kind: KindChecksum}
	ErrUnsupported    = &ParseError{Kind: KindUnsupported}
	ErrDuplicate      = &ParseError{Kind: KindDuplicate}
	ErrUndeclaredType = &ParseError{Kind: KindUndeclaredType}
	ErrRedeclaration  = &ParseError{Kind: KindRedeclaration}
	ErrSemantic       = &ParseError{Kind: KindSemantic}
)

// ParseError describes why metadata could not be turned into a catalog, and where.
type ParseError struct {
	Kind ErrorKind
	// File is the metadata file name, when known.
	File string
	// Line and Column locate the offending token (1-based). Zero when not applicable.
	Line   int
	Column int
	// Offset is the byte offset for binary framing errors.
	Offset int64
	// Expected lists the names of the tokens that would have been accepted.
	Expected []string
	// Actual names the token that was found.
	Actual string
	Msg    string
}

func (e *ParseError) Error() string {
	var sb strings.Builder
	if e.File != "" {
		sb.WriteString(e.File)
		sb.WriteByte(':')
	}
	if e.Line > 0 {
		fmt.Fprintf(&sb, "%d:%d: ", e.Line, e.Column)
	} else if e.File != "" {
		fmt.Fprintf(&sb, "offset %d: ", e.Offset)
	}
	sb.WriteString(e.Kind.String())
	if len(e.Expected) > 0 {
		fmt.Fprintf(&sb, ": expected %s, found %s", joinAlternatives(e.Expected), e.Actual)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	return sb.String()
}

// Is matches sentinel errors of the same kind.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind && t.Line == 0 && t.Msg == "" && t.File == ""
}

func joinAlternatives(names []string) string {
	switch len(names) {
	case 1:
		return names[0]
	case 2:
		return names[0] + " or " + names[1]
	}
	return strings.Join(names[:len(names)-1], ", ") + " or " + names[len(names)-1]
}
