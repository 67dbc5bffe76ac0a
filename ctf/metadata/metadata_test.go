// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/ctfstate/ctf/bitbuf"
	"go.opentelemetry.io/ctfstate/ctf/types"
)

const kernelMetadata = `/* CTF 1.8 */
typealias integer { size = 8; align = 8; signed = false; } := uint8_t;
typealias integer { size = 16; align = 8; signed = false; } := uint16_t;
typealias integer { size = 32; align = 8; signed = false; } := uint32_t;
typealias integer { size = 64; align = 8; signed = false; } := uint64_t;
typealias integer { size = 64; align = 8; signed = false; } := unsigned long;
typealias integer { size = 5; align = 1; signed = false; } := uint5_t;

trace {
	major = 1;
	minor = 8;
	uuid = "2a6422d0-6cee-11e0-8c08-cb07d7b3a564";
	byte_order = be;
	packet.header := struct {
		uint32_t magic;
		uint8_t  uuid[16];
		uint32_t stream_id;
	};
};

env {
	hostname = "node1";
	tracer_major = 2;
	skew = -5;
};

clock {
	name = monotonic;
	freq = 1000000000;
	offset = 1000;
	absolute = TRUE;
};

typealias integer { size = 27; align = 1; signed = false; map = clock.monotonic.value; } := uint27_clock_monotonic_t;
typealias integer { size = 64; align = 8; signed = false; map = clock.monotonic.value; } := uint64_clock_monotonic_t;

// Event header with compact and extended forms.
stream {
	id = 0;
	event.header := struct {
		enum : uint5_t { compact = 0 ... 30, extended = 31 } id;
		variant <id> {
			struct { uint27_clock_monotonic_t timestamp; } compact;
			struct { uint32_t id; uint64_clock_monotonic_t timestamp; } extended;
		} v;
	} align(8);
	packet.context := struct {
		uint64_clock_monotonic_t timestamp_begin;
		uint64_clock_monotonic_t timestamp_end;
		uint64_t content_size;
		uint64_t packet_size;
		uint32_t cpu_id;
	};
};

event {
	name = "sched_switch";
	id = 0;
	stream_id = 0;
	loglevel = 13;
	fields := struct {
		string prev_comm;
		uint32_t prev_tid;
		uint8_t len;
		uint16_t data[len];
		uint8_t matrix[2][3];
	};
};

event {
	name = "irq";
	id = 1;
	stream_id = 0;
	fields := struct { unsigned long vec; };
};

callsite { name = "irq"; func = "do_irq"; ip = 0x1000; file = "irq.c"; line = 42; };
`

func TestParseText(t *testing.T) {
	md, err := Parse([]byte(kernelMetadata))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), md.Major)
	assert.Equal(t, uint64(8), md.Minor)
	assert.Equal(t, uuid.MustParse("2a6422d0-6cee-11e0-8c08-cb07d7b3a564"), md.UUID)
	assert.Equal(t, bitbuf.BigEndian, md.ByteOrder)
	assert.False(t, md.Packetized)

	assert.Equal(t, "node1", md.Env["hostname"])
	assert.Equal(t, int64(2), md.Env["tracer_major"])
	assert.Equal(t, int64(-5), md.Env["skew"])

	clock := md.Clock("monotonic")
	assert.Equal(t, int64(1000), clock.Offset)
	assert.Equal(t, uint64(1_000_000_000), clock.Freq)
	assert.True(t, clock.Absolute)
	assert.Same(t, DefaultClock, md.Clock("realtime"))

	require.NotNil(t, md.PacketHeader)
	require.Len(t, md.PacketHeader.Fields, 3)
	uuidField, ok := md.PacketHeader.Fields[1].Decl.(*types.ArrayDecl)
	require.True(t, ok)
	assert.Equal(t, uint64(16), uuidField.Length)

	u8, ok := md.Aliases["uint8_t"].(*types.IntegerDecl)
	require.True(t, ok)
	assert.Equal(t, bitbuf.BigEndian, u8.ByteOrder)
	assert.Contains(t, md.Aliases, "unsigned long")

	s, ok := md.Stream(0)
	require.True(t, ok)
	require.NotNil(t, s.EventHeader)
	assert.Equal(t, uint64(8), s.EventHeader.MinAlign)

	id, ok := s.EventHeader.Fields[0].Decl.(*types.EnumDecl)
	require.True(t, ok)
	assert.Equal(t, []types.EnumMapping{
		{Label: "compact", Low: 0, High: 30},
		{Label: "extended", Low: 31, High: 31},
	}, id.Mappings)
	assert.Equal(t, uint(5), id.Container.Size)

	v, ok := s.EventHeader.Fields[1].Decl.(*types.VariantDecl)
	require.True(t, ok)
	assert.Equal(t, "id", v.TagRef)
	ext, ok := v.Option("extended")
	require.True(t, ok)
	ts := ext.(*types.StructDecl).Fields[1].Decl.(*types.IntegerDecl)
	assert.Equal(t, "monotonic", ts.Clock)
	assert.Equal(t, uint(64), ts.Size)

	require.NotNil(t, s.PacketContext)
	assert.Equal(t, 4, s.PacketContext.Field("cpu_id"))

	evs := md.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, "sched_switch", evs[0].Name)
	assert.Equal(t, int64(13), evs[0].LogLevel)
	assert.Equal(t, "irq", evs[1].Name)

	sw, ok := s.EventByName("sched_switch")
	require.True(t, ok)
	data := sw.Fields.Fields[sw.Fields.Field("data")].Decl
	assert.Equal(t, &types.SequenceDecl{Elem: md.Aliases["uint16_t"], LengthRef: "len"}, data)
	matrix, ok := sw.Fields.Fields[sw.Fields.Field("matrix")].Decl.(*types.ArrayDecl)
	require.True(t, ok)
	assert.Equal(t, uint64(2), matrix.Length)
	assert.Equal(t, uint64(3), matrix.Elem.(*types.ArrayDecl).Length)

	irq, ok := s.Event(1)
	require.True(t, ok)
	assert.Equal(t, uint(64), irq.Fields.Fields[0].Decl.(*types.IntegerDecl).Size)

	cs := md.CallsitesOf("irq")
	require.Len(t, cs, 1)
	assert.Equal(t, Callsite{Name: "irq", Func: "do_irq", IP: 0x1000, File: "irq.c", Line: 42},
		cs[0])
}

func TestParseDeterministic(t *testing.T) {
	a, err := Parse([]byte(kernelMetadata))
	require.NoError(t, err)
	b, err := Parse([]byte(kernelMetadata))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestImplicitStreamAndIDs(t *testing.T) {
	md, err := Parse([]byte(`
typealias integer { size = 32; } := u32;
event { name = "first"; fields := struct { u32 x; }; };
event { name = "second"; };
`))
	require.NoError(t, err)
	assert.Equal(t, bitbuf.LittleEndian, md.ByteOrder)
	assert.Equal(t, []uint64{0}, md.StreamIDs())

	s, _ := md.Stream(0)
	first, ok := s.EventByName("first")
	require.True(t, ok)
	second, ok := s.EventByName("second")
	require.True(t, ok)
	assert.Equal(t, uint64(0), first.ID)
	assert.Equal(t, uint64(1), second.ID)
	assert.Nil(t, second.Fields)
}

func TestNamedTypes(t *testing.T) {
	md, err := Parse([]byte(`
typealias integer { size = 8; } := u8;
typealias integer { size = 32; signed = true; } := int;
enum state { RUNNING, BLOCKED = 5, ZOMBIE, DEAD = 10 ... 12 };
struct point { u8 x; u8 y; };
typedef struct point pair[2];
event {
	name = "e";
	fields := struct {
		enum state s;
		pair p;
		variant choice { u8 a; struct point b; } ;
		u8 which;
		variant choice <which> c;
	};
};
`))
	require.NoError(t, err)

	s, _ := md.Stream(0)
	ev, ok := s.EventByName("e")
	require.True(t, ok)

	state := ev.Fields.Fields[0].Decl.(*types.EnumDecl)
	assert.Equal(t, []types.EnumMapping{
		{Label: "RUNNING", Low: 0, High: 0},
		{Label: "BLOCKED", Low: 5, High: 5},
		{Label: "ZOMBIE", Low: 6, High: 6},
		{Label: "DEAD", Low: 10, High: 12},
	}, state.Mappings)
	assert.True(t, state.Container.Signed)
	label, ok := state.Label(11)
	assert.True(t, ok)
	assert.Equal(t, "DEAD", label)

	pair := ev.Fields.Fields[1].Decl.(*types.ArrayDecl)
	assert.Equal(t, uint64(2), pair.Length)
	assert.Len(t, pair.Elem.(*types.StructDecl).Fields, 2)

	c := ev.Fields.Fields[ev.Fields.Field("c")].Decl.(*types.VariantDecl)
	assert.Equal(t, "which", c.TagRef)
	assert.Len(t, c.Options, 2)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]struct {
		text string
		kind ErrorKind
		msg  string
	}{
		"missing semicolon": {
			text: `trace { major = 1 }`,
			kind: KindGrammar,
			msg:  `1:19: syntax error: expected ';', found '}'`,
		},
		"unknown top level": {
			text: `42;`,
			kind: KindGrammar,
			msg:  `1:1: syntax error: expected declaration, found integer literal "42"`,
		},
		"undeclared type": {
			text: `event { name = "a"; fields := struct { foo_t x; }; };`,
			kind: KindUndeclaredType,
		},
		"duplicate event id": {
			text: `event { name = "a"; id = 1; }; event { name = "b"; id = 1; };`,
			kind: KindDuplicate,
		},
		"duplicate event name": {
			text: `event { name = "a"; id = 1; }; event { name = "a"; id = 2; };`,
			kind: KindDuplicate,
		},
		"duplicate stream": {
			text: `stream { id = 1; }; stream { id = 1; };`,
			kind: KindDuplicate,
		},
		"duplicate field": {
			text: `typealias integer { size = 8; } := u8;
event { name = "a"; fields := struct { u8 x; u8 x; }; };`,
			kind: KindDuplicate,
		},
		"redeclaration": {
			text: `typealias integer { size = 8; } := t;
typealias integer { size = 16; } := t;`,
			kind: KindRedeclaration,
		},
		"identical redeclaration": {
			text: `typealias integer { size = 8; } := t;
typealias integer { size = 8; } := t;`,
		},
		"unsupported float": {
			text: `typealias floating_point { exp_dig = 5; mant_dig = 11; } := half;`,
			kind: KindUnsupported,
		},
		"integer too wide": {
			text: `typealias integer { size = 65; } := wide;`,
			kind: KindSemantic,
		},
		"enum over float": {
			text: `typealias floating_point { exp_dig = 8; mant_dig = 24; } := f32;
typealias enum : f32 { A } := e;`,
			kind: KindSemantic,
		},
		"undeclared stream": {
			text: `stream { id = 0; }; stream { id = 1; }; event { name = "a"; stream_id = 7; };`,
			kind: KindSemantic,
		},
		"ambiguous stream": {
			text: `stream { id = 0; }; stream { id = 1; }; event { name = "a"; };`,
			kind: KindSemantic,
		},
		"bad uuid": {
			text: `trace { uuid = "nope"; };`,
			kind: KindSemantic,
		},
		"unterminated comment": {
			text: `/* CTF 1.8`,
			kind: KindGrammar,
		},
		"binary data": {
			text: "\x7fELF\x00\x01",
			kind: KindBadMagic,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.text))
			if tc.kind == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tc.kind, perr.Kind)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, err.Error())
			}
		})
	}
}

func TestErrorSentinels(t *testing.T) {
	_, err := Parse([]byte(`event { name = "a"; fields := struct { foo_t x; }; };`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUndeclaredType)
	assert.NotErrorIs(t, err, ErrGrammar)
}

const smallMetadata = `/* CTF 1.8 */
typealias integer { size = 32; } := u32;
event { name = "e"; fields := struct { u32 x; }; };
`

// packetize splits text into metadata packets of at most chunk content bytes.
func packetize(t *testing.T, text string, order binary.ByteOrder, id uuid.UUID, chunk int,
	edit func(i int, h *packetHeader)) []byte {
	t.Helper()
	var out []byte
	for i := 0; len(text) > 0; i++ {
		n := min(chunk, len(text))
		content := text[:n]
		text = text[n:]

		const padding = 3
		h := packetHeader{
			Magic:       PacketMagic,
			UUID:        id,
			ContentSize: uint32(packetHeaderSize+n) * 8,
			PacketSize:  uint32(packetHeaderSize+n+padding) * 8,
			Major:       1,
			Minor:       8,
		}
		if edit != nil {
			edit(i, &h)
		}
		var err error
		out, err = binary.Append(out, order, &h)
		require.NoError(t, err)
		out = append(out, content...)
		out = append(out, make([]byte, padding)...)
	}
	return out
}

func TestPacketized(t *testing.T) {
	id := uuid.MustParse("c7a8e0b0-3a39-4d3b-9f8e-2f8b6b1c9a11")
	text, err := Parse([]byte(smallMetadata))
	require.NoError(t, err)

	tests := map[string]struct {
		order binary.ByteOrder
		want  bitbuf.ByteOrder
	}{
		"little endian": {order: binary.LittleEndian, want: bitbuf.LittleEndian},
		"big endian":    {order: binary.BigEndian, want: bitbuf.BigEndian},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			data := packetize(t, smallMetadata, tc.order, id, 16, nil)
			require.True(t, IsPacketized(data))

			md, err := Parse(data)
			require.NoError(t, err)
			assert.True(t, md.Packetized)
			assert.Equal(t, tc.want, md.ByteOrder)
			assert.Equal(t, tc.want, md.Aliases["u32"].(*types.IntegerDecl).ByteOrder)
			assert.Equal(t, text.Text, md.Text)
			assert.Equal(t, len(text.Events()), len(md.Events()))
		})
	}
}

func TestPacketizedErrors(t *testing.T) {
	id := uuid.MustParse("c7a8e0b0-3a39-4d3b-9f8e-2f8b6b1c9a11")
	other := uuid.MustParse("00000000-3a39-4d3b-9f8e-2f8b6b1c9a11")

	tests := map[string]struct {
		data []byte
		kind ErrorKind
	}{
		"uuid mismatch": {
			data: packetize(t, smallMetadata, binary.LittleEndian, id, 16,
				func(i int, h *packetHeader) {
					if i == 2 {
						h.UUID = other
					}
				}),
			kind: KindFraming,
		},
		"checksum scheme": {
			data: packetize(t, smallMetadata, binary.LittleEndian, id, 64,
				func(_ int, h *packetHeader) { h.ChecksumScheme = 1 }),
			kind: KindChecksum,
		},
		"compressed": {
			data: packetize(t, smallMetadata, binary.LittleEndian, id, 64,
				func(_ int, h *packetHeader) { h.CompressionScheme = 1 }),
			kind: KindUnsupported,
		},
		"content larger than packet": {
			data: packetize(t, smallMetadata, binary.BigEndian, id, 64,
				func(_ int, h *packetHeader) { h.PacketSize = h.ContentSize - 8 }),
			kind: KindFraming,
		},
		"truncated": {
			data: packetize(t, smallMetadata, binary.LittleEndian, id, 1024, nil)[:30],
			kind: KindFraming,
		},
		"trace uuid differs": {
			data: packetize(t, `trace { major = 1; minor = 8; uuid = "`+other.String()+`"; };`,
				binary.LittleEndian, id, 1024, nil),
			kind: KindSemantic,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(tc.data)
			var perr *ParseError
			require.True(t, errors.As(err, &perr), "unexpected error %v", err)
			assert.Equal(t, tc.kind, perr.Kind)
		})
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(smallMetadata), 0o644))

	md, err := ReadFile(dir)
	require.NoError(t, err)
	assert.Len(t, md.Events(), 1)

	_, err = ReadFile(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestClockConversion(t *testing.T) {
	c := &Clock{Freq: 1000, OffsetS: 2, Offset: 500}
	// 2s + 500 cycles at 1kHz (0.5s) + 1500 cycles (1.5s)
	assert.Equal(t, int64(4_000_000_000), c.CyclesToNs(1500))
	assert.Equal(t, int64(42), DefaultClock.CyclesToNs(42))

	tests := map[string]struct {
		clock  Clock
		cycles uint64
		want   int64
	}{
		"negative offset": {
			clock:  Clock{Freq: 1_000_000_000, Offset: -50},
			cycles: 100,
			want:   50,
		},
		"negative offset before origin": {
			clock:  Clock{Freq: 1000, OffsetS: 1, Offset: -1500},
			cycles: 0,
			want:   -500_000_000,
		},
		"minimal offset": {
			clock: Clock{Freq: 1_000_000_000, OffsetS: -10, Offset: math.MinInt64},
			want:  math.MinInt64,
		},
		"saturates high": {
			clock:  Clock{Freq: 1_000_000_000, OffsetS: 10},
			cycles: math.MaxUint64,
			want:   math.MaxInt64,
		},
		"saturates offset_s": {
			clock: Clock{Freq: 1000, OffsetS: math.MaxInt64},
			want:  math.MaxInt64,
		},
		"high frequency": {
			clock:  Clock{Freq: 40_000_000_000},
			cycles: 39_999_999_999,
			want:   999_999_999,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.clock.CyclesToNs(tc.cycles))
		})
	}
}
