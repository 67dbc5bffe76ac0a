// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metadata // import "go.opentelemetry.io/ctfstate/ctf/metadata"

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"

	"go.opentelemetry.io/ctfstate/ctf/bitbuf"
	"go.opentelemetry.io/ctfstate/ctf/types"
)

type litKind uint8

const (
	litInt litKind = iota + 1
	litString
	litIdent
)

// literal is the right hand side of an attribute assignment.
type literal struct {
	tok  token
	kind litKind
	// i holds integers; negative literals are only representable here.
	i int64
	u uint64
	// s holds strings and dotted identifier paths.
	s string
}

// entry is one `key = value;` or `key := type;` line of a block.
type entry struct {
	key  string
	tok  token
	lit  *literal
	decl types.Declaration
}

type parser struct {
	file   string
	tokens []token
	pos    int

	md          *Metadata
	nativeOrder bitbuf.ByteOrder
	// scopes holds type aliases and named compound types; scopes[0] is the global scope.
	scopes []map[string]types.Declaration

	pendingEvents  []pendingEvent
	streamsSeen    bool
	implicitStream bool
}

type pendingEvent struct {
	ev          *Event
	tok         token
	hasID       bool
	hasStreamID bool
}

// parseText builds a catalog out of TSDL text. defaultOrder is used when the trace block does
// not declare a byte order.
func parseText(file, text string, defaultOrder bitbuf.ByteOrder) (*Metadata, error) {
	tokens, err := lex(text)
	if err != nil {
		err.(*ParseError).File = file
		return nil, err
	}
	p := &parser{
		file:   file,
		tokens: tokens,
		md: &Metadata{
			Env:     make(map[string]any),
			Clocks:  make(map[string]*Clock),
			Streams: make(map[uint64]*Stream),
			Text:    text,
		},
		scopes: []map[string]types.Declaration{make(map[string]types.Declaration)},
	}
	p.nativeOrder = p.scanTraceByteOrder(defaultOrder)
	p.md.ByteOrder = p.nativeOrder

	if err := p.parse(); err != nil {
		return nil, err
	}
	p.md.Aliases = p.scopes[0]
	return p.md, nil
}

// scanTraceByteOrder looks ahead for trace { byte_order = ...; } since type aliases
// using the native byte order usually precede the trace block.
func (p *parser) scanTraceByteOrder(def bitbuf.ByteOrder) bitbuf.ByteOrder {
	for i := 0; i+1 < len(p.tokens); i++ {
		if p.tokens[i].typ != tokenIdent || p.tokens[i].val != "trace" ||
			p.tokens[i+1].typ != tokenLeftBrace {
			continue
		}
		depth := 0
		for j := i + 1; j+2 < len(p.tokens); j++ {
			switch p.tokens[j].typ {
			case tokenLeftBrace:
				depth++
			case tokenRightBrace:
				depth--
				if depth == 0 {
					return def
				}
			case tokenIdent:
				if depth == 1 && p.tokens[j].val == "byte_order" &&
					p.tokens[j+1].typ == tokenAssign {
					if order, ok := byteOrderOf(p.tokens[j+2].val, def); ok {
						return order
					}
				}
			}
		}
		return def
	}
	return def
}

func byteOrderOf(s string, native bitbuf.ByteOrder) (bitbuf.ByteOrder, bool) {
	switch s {
	case "le", "little_endian":
		return bitbuf.LittleEndian, true
	case "be", "big_endian", "network":
		return bitbuf.BigEndian, true
	case "native":
		return native, true
	}
	return native, false
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+n]
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.typ != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(typ tokenType) bool {
	if p.peek().typ == typ {
		p.advance()
		return true
	}
	return false
}

func (p *parser) peekIdent(val string) bool {
	t := p.peek()
	return t.typ == tokenIdent && t.val == val
}

func (p *parser) expect(typ ...tokenType) (token, error) {
	t := p.peek()
	for _, want := range typ {
		if t.typ == want {
			return p.advance(), nil
		}
	}
	names := make([]string, 0, len(typ))
	for _, want := range typ {
		names = append(names, want.String())
	}
	return t, p.unexpected(t, names...)
}

func (p *parser) unexpected(t token, expected ...string) error {
	return &ParseError{
		Kind:     KindGrammar,
		File:     p.file,
		Line:     t.line,
		Column:   t.col,
		Expected: expected,
		Actual:   t.describe(),
	}
}

func (p *parser) errorf(kind ErrorKind, t token, format string, args ...any) error {
	return &ParseError{
		Kind:   kind,
		File:   p.file,
		Line:   t.line,
		Column: t.col,
		Msg:    fmt.Sprintf(format, args...),
	}
}

func (p *parser) pushScope() { p.scopes = append(p.scopes, make(map[string]types.Declaration)) }
func (p *parser) popScope()  { p.scopes = p.scopes[:len(p.scopes)-1] }

func (p *parser) lookupType(name string) (types.Declaration, bool) {
	for i := len(p.scopes) - 1; i >= 0; i-- {
		if d, ok := p.scopes[i][name]; ok {
			return d, true
		}
	}
	return nil, false
}

// declareType binds name in the innermost scope. Binding an existing name again is only
// allowed with an identical declaration.
func (p *parser) declareType(t token, name string, decl types.Declaration) error {
	scope := p.scopes[len(p.scopes)-1]
	if prev, ok := scope[name]; ok {
		if reflect.DeepEqual(prev, decl) {
			return nil
		}
		return p.errorf(KindRedeclaration, t, "%q redeclared as %s, previously %s",
			name, decl, prev)
	}
	scope[name] = decl
	return nil
}

func (p *parser) parse() error {
	for {
		t := p.peek()
		if t.typ == tokenEOF {
			return p.finish()
		}
		if p.accept(tokenSemicolon) {
			continue
		}
		if t.typ != tokenIdent {
			return p.unexpected(t, "declaration")
		}

		var err error
		switch t.val {
		case "trace":
			err = p.parseTrace()
		case "env":
			err = p.parseEnv()
		case "clock":
			err = p.parseClock()
		case "stream":
			err = p.parseStream()
		case "event":
			err = p.parseEvent()
		case "callsite":
			err = p.parseCallsite()
		case "typealias":
			err = p.parseTypealias()
		case "typedef":
			err = p.parseTypedef()
		default:
			if _, err = p.parseTypeSpec(); err == nil {
				_, err = p.expect(tokenSemicolon)
			}
		}
		if err != nil {
			return err
		}
	}
}

// parseBlock parses `{ entries } ;` where every entry is an assignment or a local type
// declaration. The keyword introducing the block must already be consumed.
func (p *parser) parseBlock() ([]entry, error) {
	if _, err := p.expect(tokenLeftBrace); err != nil {
		return nil, err
	}
	p.pushScope()
	defer p.popScope()

	var entries []entry
	for !p.accept(tokenRightBrace) {
		if p.accept(tokenSemicolon) {
			continue
		}
		switch {
		case p.peekIdent("typealias"):
			if err := p.parseTypealias(); err != nil {
				return nil, err
			}
			continue
		case p.peekIdent("typedef"):
			if err := p.parseTypedef(); err != nil {
				return nil, err
			}
			continue
		}

		keyTok, err := p.expect(tokenIdent)
		if err != nil {
			return nil, err
		}
		key := keyTok.val
		for p.accept(tokenDot) {
			part, err := p.expect(tokenIdent)
			if err != nil {
				return nil, err
			}
			key += "." + part.val
		}

		op, err := p.expect(tokenAssign, tokenTypeAssign)
		if err != nil {
			return nil, err
		}
		e := entry{key: key, tok: keyTok}
		if op.typ == tokenAssign {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			e.lit = lit
		} else {
			if e.decl, err = p.parseTypeSpec(); err != nil {
				return nil, err
			}
		}
		if _, err := p.expect(tokenSemicolon); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// parseTopBlock parses `keyword { ... };`.
func (p *parser) parseTopBlock() ([]entry, error) {
	p.advance()
	entries, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	_, err = p.expect(tokenSemicolon)
	return entries, err
}

func (p *parser) parseLiteral() (*literal, error) {
	neg := false
	if p.accept(tokenMinus) {
		neg = true
	} else {
		p.accept(tokenPlus)
	}

	t := p.peek()
	switch t.typ {
	case tokenInteger:
		p.advance()
		u, err := parseIntLiteral(t.val)
		if err != nil {
			return nil, p.errorf(KindGrammar, t, "invalid integer literal %q", t.val)
		}
		l := &literal{tok: t, kind: litInt, u: u, i: int64(u)}
		if neg {
			l.i = -l.i
		}
		return l, nil
	case tokenString:
		p.advance()
		return &literal{tok: t, kind: litString, s: t.unquote()}, nil
	case tokenChar:
		p.advance()
		s := t.unquote()
		if len(s) != 1 {
			return nil, p.errorf(KindGrammar, t, "invalid character literal %s", t.val)
		}
		return &literal{tok: t, kind: litInt, u: uint64(s[0]), i: int64(s[0])}, nil
	case tokenIdent:
		p.advance()
		path := t.val
		for p.peek().typ == tokenDot && p.peekAt(1).typ == tokenIdent {
			p.advance()
			path += "." + p.advance().val
		}
		return &literal{tok: t, kind: litIdent, s: path}, nil
	}
	return nil, p.unexpected(t, tokenInteger.String(), tokenString.String(),
		tokenIdent.String())
}

func (p *parser) intValue(e entry) (int64, error) {
	if e.lit == nil || e.lit.kind != litInt {
		return 0, p.errorf(KindSemantic, e.tok, "%s must be an integer", e.key)
	}
	return e.lit.i, nil
}

func (p *parser) uintValue(e entry) (uint64, error) {
	v, err := p.intValue(e)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, p.errorf(KindSemantic, e.tok, "%s must not be negative", e.key)
	}
	return e.lit.u, nil
}

func (p *parser) stringValue(e entry) (string, error) {
	if e.lit == nil || (e.lit.kind != litString && e.lit.kind != litIdent) {
		return "", p.errorf(KindSemantic, e.tok, "%s must be a string", e.key)
	}
	return e.lit.s, nil
}

func (p *parser) boolValue(e entry) (bool, error) {
	if e.lit == nil {
		return false, p.errorf(KindSemantic, e.tok, "%s must be a boolean", e.key)
	}
	switch e.lit.kind {
	case litInt:
		return e.lit.i != 0, nil
	case litIdent:
		switch strings.ToLower(e.lit.s) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, p.errorf(KindSemantic, e.tok, "%s must be a boolean", e.key)
}

func (p *parser) uuidValue(e entry) (uuid.UUID, error) {
	s, err := p.stringValue(e)
	if err != nil {
		return uuid.UUID{}, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, p.errorf(KindSemantic, e.tok, "invalid uuid %q: %v", s, err)
	}
	return id, nil
}

func (p *parser) structValue(e entry) (*types.StructDecl, error) {
	if e.decl == nil {
		return nil, p.errorf(KindSemantic, e.tok, "%s must be assigned a type with ':='", e.key)
	}
	sd, ok := e.decl.(*types.StructDecl)
	if !ok {
		return nil, p.errorf(KindSemantic, e.tok, "%s must be a struct, not %s",
			e.key, e.decl.Kind())
	}
	return sd, nil
}

func (p *parser) parseTrace() error {
	t := p.peek()
	entries, err := p.parseTopBlock()
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.key {
		case "major":
			p.md.Major, err = p.uintValue(e)
		case "minor":
			p.md.Minor, err = p.uintValue(e)
		case "uuid":
			p.md.UUID, err = p.uuidValue(e)
		case "byte_order":
			if e.lit == nil {
				err = p.errorf(KindSemantic, e.tok, "byte_order must be an identifier")
			} else if _, ok := byteOrderOf(e.lit.s, p.nativeOrder); !ok {
				err = p.errorf(KindSemantic, e.tok, "unknown byte order %q", e.lit.s)
			}
		case "packet.header":
			p.md.PacketHeader, err = p.structValue(e)
		}
		if err != nil {
			return err
		}
	}
	if p.md.Major != 0 && p.md.Major != 1 {
		return p.errorf(KindUnsupported, t, "CTF major version %d", p.md.Major)
	}
	return nil
}

func (p *parser) parseEnv() error {
	entries, err := p.parseTopBlock()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.lit == nil {
			continue
		}
		if e.lit.kind == litInt {
			p.md.Env[e.key] = e.lit.i
		} else {
			p.md.Env[e.key] = e.lit.s
		}
	}
	return nil
}

func (p *parser) parseClock() error {
	t := p.peek()
	entries, err := p.parseTopBlock()
	if err != nil {
		return err
	}
	c := &Clock{Freq: 1_000_000_000}
	for _, e := range entries {
		switch e.key {
		case "name":
			c.Name, err = p.stringValue(e)
		case "uuid":
			c.UUID, err = p.uuidValue(e)
		case "description":
			c.Description, err = p.stringValue(e)
		case "freq":
			c.Freq, err = p.uintValue(e)
		case "offset_s":
			c.OffsetS, err = p.intValue(e)
		case "offset":
			c.Offset, err = p.intValue(e)
		case "precision":
			c.Precision, err = p.uintValue(e)
		case "absolute":
			c.Absolute, err = p.boolValue(e)
		}
		if err != nil {
			return err
		}
	}
	if c.Name == "" {
		return p.errorf(KindSemantic, t, "clock without a name")
	}
	if c.Freq == 0 {
		return p.errorf(KindSemantic, t, "clock %s has a zero frequency", c.Name)
	}
	if _, ok := p.md.Clocks[c.Name]; ok {
		return p.errorf(KindDuplicate, t, "clock %q declared twice", c.Name)
	}
	p.md.Clocks[c.Name] = c
	return nil
}

func (p *parser) parseStream() error {
	t := p.peek()
	entries, err := p.parseTopBlock()
	if err != nil {
		return err
	}
	var id uint64
	s := newStream(0)
	for _, e := range entries {
		switch e.key {
		case "id":
			id, err = p.uintValue(e)
		case "packet.context":
			s.PacketContext, err = p.structValue(e)
		case "event.header":
			s.EventHeader, err = p.structValue(e)
		case "event.context":
			s.EventContext, err = p.structValue(e)
		}
		if err != nil {
			return err
		}
	}
	s.ID = id
	if _, ok := p.md.Streams[id]; ok {
		return p.errorf(KindDuplicate, t, "stream id %d declared twice", id)
	}
	p.md.Streams[id] = s
	p.streamsSeen = true
	return nil
}

func (p *parser) parseEvent() error {
	t := p.peek()
	entries, err := p.parseTopBlock()
	if err != nil {
		return err
	}
	pe := pendingEvent{ev: &Event{}, tok: t}
	for _, e := range entries {
		switch e.key {
		case "name":
			pe.ev.Name, err = p.stringValue(e)
		case "id":
			pe.ev.ID, err = p.uintValue(e)
			pe.hasID = true
		case "stream_id":
			pe.ev.StreamID, err = p.uintValue(e)
			pe.hasStreamID = true
		case "loglevel":
			pe.ev.LogLevel, err = p.intValue(e)
		case "model.emf.uri":
			pe.ev.ModelEMFURI, err = p.stringValue(e)
		case "context":
			pe.ev.Context, err = p.structValue(e)
		case "fields":
			pe.ev.Fields, err = p.structValue(e)
		}
		if err != nil {
			return err
		}
	}
	if pe.ev.Name == "" {
		return p.errorf(KindSemantic, t, "event without a name")
	}
	p.pendingEvents = append(p.pendingEvents, pe)
	return nil
}

func (p *parser) parseCallsite() error {
	entries, err := p.parseTopBlock()
	if err != nil {
		return err
	}
	var cs Callsite
	for _, e := range entries {
		switch e.key {
		case "name":
			cs.Name, err = p.stringValue(e)
		case "func":
			cs.Func, err = p.stringValue(e)
		case "file":
			cs.File, err = p.stringValue(e)
		case "ip":
			cs.IP, err = p.uintValue(e)
		case "line":
			cs.Line, err = p.uintValue(e)
		}
		if err != nil {
			return err
		}
	}
	p.md.Callsites = append(p.md.Callsites, cs)
	return nil
}

// finish attaches the events to their streams once every stream is known.
func (p *parser) finish() error {
	if !p.streamsSeen && len(p.pendingEvents) > 0 {
		p.md.Streams[0] = newStream(0)
		p.implicitStream = true
	}
	for _, pe := range p.pendingEvents {
		ev := pe.ev
		if !pe.hasStreamID {
			if len(p.md.Streams) != 1 {
				return p.errorf(KindSemantic, pe.tok,
					"event %q needs a stream_id in a trace with %d streams",
					ev.Name, len(p.md.Streams))
			}
			for id := range p.md.Streams {
				ev.StreamID = id
			}
		}
		s, ok := p.md.Streams[ev.StreamID]
		if !ok {
			return p.errorf(KindSemantic, pe.tok, "event %q refers to undeclared stream %d",
				ev.Name, ev.StreamID)
		}
		if !pe.hasID {
			ev.ID = uint64(len(s.events))
		}
		if prev, ok := s.events[ev.ID]; ok {
			return p.errorf(KindDuplicate, pe.tok, "event id %d of %q already used by %q",
				ev.ID, ev.Name, prev.Name)
		}
		if _, ok := s.byName[ev.Name]; ok {
			return p.errorf(KindDuplicate, pe.tok, "event %q declared twice in stream %d",
				ev.Name, s.ID)
		}
		s.events[ev.ID] = ev
		s.byName[ev.Name] = ev
	}
	return nil
}

func (p *parser) parseTypealias() error {
	p.advance()
	decl, err := p.parseTypeSpec()
	if err != nil {
		return err
	}
	if _, err := p.expect(tokenTypeAssign); err != nil {
		return err
	}
	nameTok := p.peek()
	var words []string
	for {
		t := p.peek()
		if t.typ == tokenIdent {
			words = append(words, p.advance().val)
			continue
		}
		if t.typ == tokenStar {
			words = append(words, p.advance().val)
			continue
		}
		break
	}
	if len(words) == 0 {
		return p.unexpected(nameTok, "alias name")
	}
	if _, err := p.expect(tokenSemicolon); err != nil {
		return err
	}
	return p.declareType(nameTok, strings.Join(words, " "), decl)
}

func (p *parser) parseTypedef() error {
	p.advance()
	base, err := p.parseTypeSpec()
	if err != nil {
		return err
	}
	for {
		nameTok := p.peek()
		name, decl, err := p.parseDeclarator(base)
		if err != nil {
			return err
		}
		if err := p.declareType(nameTok, name, decl); err != nil {
			return err
		}
		if !p.accept(tokenComma) {
			break
		}
	}
	_, err = p.expect(tokenSemicolon)
	return err
}

// parseDeclarator parses `name`, `name[4]`, `name[len]` and multi-dimensional forms.
func (p *parser) parseDeclarator(base types.Declaration) (string, types.Declaration, error) {
	nameTok, err := p.expect(tokenIdent)
	if err != nil {
		return "", nil, err
	}

	type dim struct {
		n   uint64
		ref string
	}
	var dims []dim
	for p.accept(tokenLeftBracket) {
		t := p.peek()
		switch t.typ {
		case tokenInteger:
			p.advance()
			n, err := parseIntLiteral(t.val)
			if err != nil {
				return "", nil, p.errorf(KindGrammar, t, "invalid array length %q", t.val)
			}
			dims = append(dims, dim{n: n})
		case tokenIdent:
			lit, err := p.parseLiteral()
			if err != nil {
				return "", nil, err
			}
			dims = append(dims, dim{ref: lit.s})
		default:
			return "", nil, p.unexpected(t, tokenInteger.String(), tokenIdent.String())
		}
		if _, err := p.expect(tokenRightBracket); err != nil {
			return "", nil, err
		}
	}

	decl := base
	for i := len(dims) - 1; i >= 0; i-- {
		if dims[i].ref != "" {
			decl = &types.SequenceDecl{Elem: decl, LengthRef: dims[i].ref}
		} else {
			decl = &types.ArrayDecl{Elem: decl, Length: dims[i].n}
		}
	}
	return nameTok.val, decl, nil
}

func (p *parser) parseTypeSpec() (types.Declaration, error) {
	for p.peekIdent("const") || p.peekIdent("volatile") {
		p.advance()
	}
	t := p.peek()
	if t.typ != tokenIdent {
		return nil, p.unexpected(t, "type specifier")
	}
	switch t.val {
	case "integer":
		p.advance()
		entries, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		return p.buildInteger(t, entries)
	case "floating_point":
		p.advance()
		entries, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		return p.buildFloat(t, entries)
	case "string":
		p.advance()
		sd := &types.StringDecl{Encoding: types.EncodingUTF8}
		if p.peek().typ == tokenLeftBrace {
			entries, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if e.key == "encoding" && e.lit != nil {
					sd.Encoding = encodingOf(e.lit.s)
				}
			}
		}
		return sd, nil
	case "struct":
		return p.parseStruct()
	case "variant":
		return p.parseVariant()
	case "enum":
		return p.parseEnum()
	}
	return p.parseAliasRef()
}

// parseAliasRef resolves the longest run of identifiers naming a known alias, so that
// multi-word aliases such as `unsigned long` work in front of a declarator.
func (p *parser) parseAliasRef() (types.Declaration, error) {
	start := p.peek()
	var words []string
	for i := 0; p.peekAt(i).typ == tokenIdent; i++ {
		words = append(words, p.peekAt(i).val)
	}
	for n := len(words); n > 0; n-- {
		if decl, ok := p.lookupType(strings.Join(words[:n], " ")); ok {
			p.pos += n
			return decl, nil
		}
	}
	return nil, p.errorf(KindUndeclaredType, start, "unknown type %q", start.val)
}

func (p *parser) parseFields() ([]types.Field, error) {
	if _, err := p.expect(tokenLeftBrace); err != nil {
		return nil, err
	}
	p.pushScope()
	defer p.popScope()

	var fields []types.Field
	seen := make(map[string]bool)
	for !p.accept(tokenRightBrace) {
		if p.accept(tokenSemicolon) {
			continue
		}
		switch {
		case p.peekIdent("typealias"):
			if err := p.parseTypealias(); err != nil {
				return nil, err
			}
			continue
		case p.peekIdent("typedef"):
			if err := p.parseTypedef(); err != nil {
				return nil, err
			}
			continue
		}

		base, err := p.parseTypeSpec()
		if err != nil {
			return nil, err
		}
		if p.accept(tokenSemicolon) {
			// A nested named type declaration without a field.
			continue
		}
		for {
			nameTok := p.peek()
			name, decl, err := p.parseDeclarator(base)
			if err != nil {
				return nil, err
			}
			if seen[name] {
				return nil, p.errorf(KindDuplicate, nameTok, "field %q declared twice", name)
			}
			seen[name] = true
			fields = append(fields, types.Field{Name: name, Decl: decl})
			if !p.accept(tokenComma) {
				break
			}
		}
		if _, err := p.expect(tokenSemicolon); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

func (p *parser) parseStruct() (types.Declaration, error) {
	p.advance()
	var nameTok token
	if p.peek().typ == tokenIdent && !p.peekIdent("align") {
		nameTok = p.advance()
	}
	if p.peek().typ != tokenLeftBrace {
		if nameTok.val == "" {
			return nil, p.unexpected(p.peek(), tokenLeftBrace.String(), "struct name")
		}
		decl, ok := p.lookupType("struct " + nameTok.val)
		if !ok {
			return nil, p.errorf(KindUndeclaredType, nameTok, "unknown struct %q", nameTok.val)
		}
		return decl, nil
	}

	fields, err := p.parseFields()
	if err != nil {
		return nil, err
	}
	sd := &types.StructDecl{Fields: fields}
	if p.peekIdent("align") {
		p.advance()
		if _, err := p.expect(tokenLeftParen); err != nil {
			return nil, err
		}
		at, err := p.expect(tokenInteger)
		if err != nil {
			return nil, err
		}
		if sd.MinAlign, err = parseIntLiteral(at.val); err != nil {
			return nil, p.errorf(KindGrammar, at, "invalid alignment %q", at.val)
		}
		if _, err := p.expect(tokenRightParen); err != nil {
			return nil, err
		}
	}
	if nameTok.val != "" {
		if err := p.declareType(nameTok, "struct "+nameTok.val, sd); err != nil {
			return nil, err
		}
	}
	return sd, nil
}

func (p *parser) parseVariant() (types.Declaration, error) {
	p.advance()
	var nameTok token
	if p.peek().typ == tokenIdent {
		nameTok = p.advance()
	}
	tag := ""
	if p.accept(tokenLess) {
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if lit.kind != litIdent {
			return nil, p.unexpected(lit.tok, tokenIdent.String())
		}
		tag = lit.s
		if _, err := p.expect(tokenGreater); err != nil {
			return nil, err
		}
	}

	if p.peek().typ != tokenLeftBrace {
		if nameTok.val == "" {
			return nil, p.unexpected(p.peek(), tokenLeftBrace.String(), "variant name")
		}
		decl, ok := p.lookupType("variant " + nameTok.val)
		if !ok {
			return nil, p.errorf(KindUndeclaredType, nameTok, "unknown variant %q", nameTok.val)
		}
		vd := decl.(*types.VariantDecl)
		if tag != "" {
			vd = vd.WithTag(tag)
		}
		return vd, nil
	}

	options, err := p.parseFields()
	if err != nil {
		return nil, err
	}
	vd := &types.VariantDecl{TagRef: tag, Options: options}
	if nameTok.val != "" {
		if err := p.declareType(nameTok, "variant "+nameTok.val, vd.WithTag("")); err != nil {
			return nil, err
		}
	}
	return vd, nil
}

func (p *parser) parseEnum() (types.Declaration, error) {
	kw := p.advance()
	var nameTok token
	if p.peek().typ == tokenIdent {
		nameTok = p.advance()
	}

	var container *types.IntegerDecl
	if p.accept(tokenColon) {
		ct := p.peek()
		decl, err := p.parseTypeSpec()
		if err != nil {
			return nil, err
		}
		var ok bool
		if container, ok = decl.(*types.IntegerDecl); !ok {
			return nil, p.errorf(KindSemantic, ct, "enum container must be an integer, not %s",
				decl.Kind())
		}
	}

	if p.peek().typ != tokenLeftBrace {
		if nameTok.val == "" {
			return nil, p.unexpected(p.peek(), tokenLeftBrace.String(), "enum name")
		}
		decl, ok := p.lookupType("enum " + nameTok.val)
		if !ok {
			return nil, p.errorf(KindUndeclaredType, nameTok, "unknown enum %q", nameTok.val)
		}
		return decl, nil
	}

	if container == nil {
		decl, ok := p.lookupType("int")
		if !ok {
			return nil, p.errorf(KindUndeclaredType, kw,
				"enum without container type requires an \"int\" alias")
		}
		if container, ok = decl.(*types.IntegerDecl); !ok {
			return nil, p.errorf(KindSemantic, kw, "\"int\" is not an integer")
		}
	}

	p.advance()
	ed := &types.EnumDecl{Container: container}
	next := int64(0)
	for !p.accept(tokenRightBrace) {
		lt := p.peek()
		var label string
		switch lt.typ {
		case tokenIdent:
			label = p.advance().val
		case tokenString:
			label = p.advance().unquote()
		default:
			return nil, p.unexpected(lt, "enumerator", tokenRightBrace.String())
		}
		m := types.EnumMapping{Label: label, Low: next, High: next}
		if p.accept(tokenAssign) {
			lo, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			if lo.kind != litInt {
				return nil, p.unexpected(lo.tok, tokenInteger.String())
			}
			m.Low, m.High = lo.i, lo.i
			if p.accept(tokenEllipsis) {
				hi, err := p.parseLiteral()
				if err != nil {
					return nil, err
				}
				if hi.kind != litInt {
					return nil, p.unexpected(hi.tok, tokenInteger.String())
				}
				if hi.i < lo.i {
					return nil, p.errorf(KindSemantic, hi.tok, "empty enum range %d ... %d",
						lo.i, hi.i)
				}
				m.High = hi.i
			}
		}
		ed.Mappings = append(ed.Mappings, m)
		next = m.High + 1
		if !p.accept(tokenComma) {
			if _, err := p.expect(tokenRightBrace); err != nil {
				return nil, err
			}
			break
		}
	}

	if nameTok.val != "" {
		if err := p.declareType(nameTok, "enum "+nameTok.val, ed); err != nil {
			return nil, err
		}
	}
	return ed, nil
}

func encodingOf(s string) types.Encoding {
	switch strings.ToUpper(s) {
	case "UTF8":
		return types.EncodingUTF8
	case "ASCII":
		return types.EncodingASCII
	}
	return types.EncodingNone
}

func (p *parser) buildInteger(t token, entries []entry) (*types.IntegerDecl, error) {
	d := &types.IntegerDecl{ByteOrder: p.nativeOrder, Base: 10}
	alignSet := false
	var err error
	for _, e := range entries {
		switch e.key {
		case "size":
			var size uint64
			size, err = p.uintValue(e)
			d.Size = uint(size)
		case "align":
			d.Align, err = p.uintValue(e)
			alignSet = true
		case "signed":
			d.Signed, err = p.boolValue(e)
		case "byte_order":
			if e.lit == nil {
				err = p.errorf(KindSemantic, e.tok, "byte_order must be an identifier")
				break
			}
			order, ok := byteOrderOf(e.lit.s, p.nativeOrder)
			if !ok {
				err = p.errorf(KindSemantic, e.tok, "unknown byte order %q", e.lit.s)
			}
			d.ByteOrder = order
		case "base":
			d.Base, err = p.baseOf(e)
		case "encoding":
			if e.lit != nil {
				d.Encoding = encodingOf(e.lit.s)
			}
		case "map":
			if e.lit == nil || e.lit.kind != litIdent {
				err = p.errorf(KindSemantic, e.tok, "map must name a clock")
				break
			}
			parts := strings.Split(e.lit.s, ".")
			if len(parts) != 3 || parts[0] != "clock" || parts[2] != "value" {
				err = p.errorf(KindSemantic, e.tok, "unsupported mapping %q", e.lit.s)
				break
			}
			d.Clock = parts[1]
		}
		if err != nil {
			return nil, err
		}
	}
	if d.Size == 0 || d.Size > 64 {
		return nil, p.errorf(KindSemantic, t, "integer size %d out of range [1,64]", d.Size)
	}
	if !alignSet {
		d.Align = 1
		if d.Size%8 == 0 {
			d.Align = 8
		}
	}
	if d.Align == 0 || d.Align&(d.Align-1) != 0 {
		return nil, p.errorf(KindSemantic, t, "alignment %d is not a power of two", d.Align)
	}
	return d, nil
}

func (p *parser) baseOf(e entry) (int, error) {
	if e.lit == nil {
		return 0, p.errorf(KindSemantic, e.tok, "invalid base")
	}
	if e.lit.kind == litInt {
		switch e.lit.i {
		case 2, 8, 10, 16:
			return int(e.lit.i), nil
		}
	}
	switch e.lit.s {
	case "decimal", "dec", "d", "i", "u":
		return 10, nil
	case "hexadecimal", "hex", "x", "X", "p":
		return 16, nil
	case "octal", "oct", "o":
		return 8, nil
	case "binary", "b":
		return 2, nil
	}
	return 0, p.errorf(KindSemantic, e.tok, "invalid base")
}

func (p *parser) buildFloat(t token, entries []entry) (*types.FloatDecl, error) {
	d := &types.FloatDecl{ByteOrder: p.nativeOrder, Align: 8}
	var err error
	for _, e := range entries {
		var v uint64
		switch e.key {
		case "exp_dig":
			v, err = p.uintValue(e)
			d.ExpDig = uint(v)
		case "mant_dig":
			v, err = p.uintValue(e)
			d.MantDig = uint(v)
		case "align":
			d.Align, err = p.uintValue(e)
		case "byte_order":
			if e.lit != nil {
				order, ok := byteOrderOf(e.lit.s, p.nativeOrder)
				if !ok {
					err = p.errorf(KindSemantic, e.tok, "unknown byte order %q", e.lit.s)
				}
				d.ByteOrder = order
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if size := d.Size(); size != 32 && size != 64 {
		return nil, p.errorf(KindUnsupported, t, "floating point of %d bits", size)
	}
	return d, nil
}
