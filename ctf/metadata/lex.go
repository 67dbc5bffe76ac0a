// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metadata // import "go.opentelemetry.io/ctfstate/ctf/metadata"

import (
	"fmt"
	"strconv"
	"unicode"
)

type tokenType int

const (
	tokenNone tokenType = iota
	tokenEOF
	tokenIdent
	tokenInteger
	tokenString
	tokenChar

	tokenLeftBrace
	tokenRightBrace
	tokenLeftParen
	tokenRightParen
	tokenLeftBracket
	tokenRightBracket
	tokenLess
	tokenGreater
	tokenSemicolon
	tokenComma
	tokenDot
	tokenEllipsis
	tokenAssign
	tokenTypeAssign
	tokenColon
	tokenMinus
	tokenPlus
	tokenStar
)

// tokenNames are used in diagnostics so that errors name what was expected and found
// instead of printing numeric token codes.
var tokenNames = map[tokenType]string{
	tokenNone:         "nothing",
	tokenEOF:          "end of metadata",
	tokenIdent:        "identifier",
	tokenInteger:      "integer literal",
	tokenString:       "string literal",
	tokenChar:         "character literal",
	tokenLeftBrace:    "'{'",
	tokenRightBrace:   "'}'",
	tokenLeftParen:    "'('",
	tokenRightParen:   "')'",
	tokenLeftBracket:  "'['",
	tokenRightBracket: "']'",
	tokenLess:         "'<'",
	tokenGreater:      "'>'",
	tokenSemicolon:    "';'",
	tokenComma:        "','",
	tokenDot:          "'.'",
	tokenEllipsis:     "'...'",
	tokenAssign:       "'='",
	tokenTypeAssign:   "':='",
	tokenColon:        "':'",
	tokenMinus:        "'-'",
	tokenPlus:         "'+'",
	tokenStar:         "'*'",
}

func (t tokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(t))
}

var punctuation = map[string]tokenType{
	"{":   tokenLeftBrace,
	"}":   tokenRightBrace,
	"(":   tokenLeftParen,
	")":   tokenRightParen,
	"[":   tokenLeftBracket,
	"]":   tokenRightBracket,
	"<":   tokenLess,
	">":   tokenGreater,
	";":   tokenSemicolon,
	",":   tokenComma,
	".":   tokenDot,
	"..":  tokenNone,
	"...": tokenEllipsis,
	"=":   tokenAssign,
	":":   tokenColon,
	":=":  tokenTypeAssign,
	"-":   tokenMinus,
	"+":   tokenPlus,
	"*":   tokenStar,
}

type token struct {
	typ  tokenType
	val  string
	line int
	col  int
}

// describe renders a token for "found ..." diagnostics.
func (t token) describe() string {
	switch t.typ {
	case tokenIdent, tokenInteger:
		return fmt.Sprintf("%s %q", t.typ, t.val)
	case tokenString, tokenChar:
		return fmt.Sprintf("%s %s", t.typ, t.val)
	}
	return t.typ.String()
}

// unquote returns the contents of a string or character literal.
func (t token) unquote() string {
	if s, err := strconv.Unquote(t.val); err == nil {
		return s
	}
	if len(t.val) >= 2 {
		return t.val[1 : len(t.val)-1]
	}
	return t.val
}

type lexer struct {
	input  string
	tokens []token
	pos    int
	start  int
	line   int
	col    int
	// line and column of start
	startLine, startCol int
	err                 *ParseError
}

type stateFn func(*lexer) stateFn

// lex splits TSDL text into tokens, dropping whitespace and comments.
func lex(input string) ([]token, error) {
	l := &lexer{input: input, line: 1, col: 1}
	for state := lexAny; state != nil; {
		state = state(l)
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.tokens, nil
}

const eof = -1

func (l *lexer) peek() int {
	if l.pos >= len(l.input) {
		return eof
	}
	return int(l.input[l.pos])
}

func (l *lexer) peekAt(n int) int {
	if l.pos+n >= len(l.input) {
		return eof
	}
	return int(l.input[l.pos+n])
}

func (l *lexer) next() int {
	c := l.peek()
	if c == eof {
		return eof
	}
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *lexer) mark() {
	l.start = l.pos
	l.startLine = l.line
	l.startCol = l.col
}

func (l *lexer) emit(t tokenType) {
	l.tokens = append(l.tokens, token{
		typ:  t,
		val:  l.input[l.start:l.pos],
		line: l.startLine,
		col:  l.startCol,
	})
}

func (l *lexer) errorf(format string, args ...any) stateFn {
	l.err = &ParseError{
		Kind:   KindGrammar,
		Line:   l.startLine,
		Column: l.startCol,
		Msg:    fmt.Sprintf(format, args...),
	}
	return nil
}

// lexAny skips blanks and comments and dispatches on the next character.
func lexAny(l *lexer) stateFn {
	for {
		c := l.peek()
		switch {
		case c == eof:
			l.mark()
			l.emit(tokenEOF)
			return nil
		case isSpace(c):
			l.next()
		case c == '/' && l.peekAt(1) == '*':
			l.mark()
			l.next()
			l.next()
			for !(l.peek() == '*' && l.peekAt(1) == '/') {
				if l.next() == eof {
					return l.errorf("unterminated comment")
				}
			}
			l.next()
			l.next()
		case c == '/' && l.peekAt(1) == '/':
			for l.peek() != '\n' && l.peek() != eof {
				l.next()
			}
		default:
			l.mark()
			switch {
			case c == '"' || c == '\'':
				return lexQuoted
			case isDigit(c):
				return lexNumber
			case isIdentStart(c):
				return lexIdent
			}
			return lexPunctuation
		}
	}
}

func lexQuoted(l *lexer) stateFn {
	quote := l.next()
	for {
		switch l.next() {
		case '\\':
			if l.next() == eof {
				return l.errorf("unterminated literal")
			}
		case eof, '\n':
			return l.errorf("unterminated literal")
		case quote:
			if quote == '"' {
				l.emit(tokenString)
			} else {
				l.emit(tokenChar)
			}
			return lexAny
		}
	}
}

// lexNumber accepts decimal, octal and hexadecimal literals with optional U/L suffixes.
func lexNumber(l *lexer) stateFn {
	for isIdentChar(l.peek()) {
		l.next()
	}
	l.emit(tokenInteger)
	return lexAny
}

func lexIdent(l *lexer) stateFn {
	for isIdentChar(l.peek()) {
		l.next()
	}
	l.emit(tokenIdent)
	return lexAny
}

// lexPunctuation takes the longest operator starting at the current position.
func lexPunctuation(l *lexer) stateFn {
	s := string(rune(l.next()))
	t, ok := punctuation[s]
	if !ok {
		return l.errorf("unexpected character %q", s)
	}
	for {
		c := l.peek()
		if c == eof {
			break
		}
		ns := s + string(rune(c))
		nt, ok := punctuation[ns]
		if !ok {
			break
		}
		l.next()
		s, t = ns, nt
	}
	if t == tokenNone {
		return l.errorf("unexpected %q", s)
	}
	l.emit(t)
	return lexAny
}

func isSpace(c int) bool      { return c >= 0 && unicode.IsSpace(rune(c)) }
func isDigit(c int) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c int) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentChar(c int) bool  { return isIdentStart(c) || isDigit(c) }

// parseIntLiteral converts a C integer literal, ignoring U and L suffixes.
func parseIntLiteral(s string) (uint64, error) {
	end := len(s)
	for end > 0 {
		switch s[end-1] {
		case 'u', 'U', 'l', 'L':
			end--
			continue
		}
		break
	}
	return strconv.ParseUint(s[:end], 0, 64)
}
