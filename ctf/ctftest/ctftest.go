// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ctftest writes small CTF traces for tests. Every trace shares the metadata in
// Metadata: two streams with a packet context and a byte aligned event header carrying a
// 32 bit timestamp mapped to a 1 GHz clock.
package ctftest // import "go.opentelemetry.io/ctfstate/ctf/ctftest"

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TraceUUID is the uuid written to the metadata and to every packet header.
var TraceUUID = uuid.MustParse("2a6422d0-6cee-11e0-8c08-cb07d7b3a564")

// Event ids. Stream 0 declares StateChange and Tick, stream 1 declares IRQ.
const (
	StateChange = 0
	Tick        = 1
	IRQ         = 0
)

// Metadata is the TSDL description of the traces this package writes.
const Metadata = `/* CTF 1.8 */
typealias integer { size = 8; align = 8; signed = false; } := uint8_t;
typealias integer { size = 16; align = 8; signed = false; } := uint16_t;
typealias integer { size = 32; align = 8; signed = false; } := uint32_t;
typealias integer { size = 64; align = 8; signed = false; } := uint64_t;
typealias integer { size = 64; align = 8; signed = true; } := int64_t;

trace {
	major = 1;
	minor = 8;
	uuid = "2a6422d0-6cee-11e0-8c08-cb07d7b3a564";
	byte_order = le;
	packet.header := struct {
		uint32_t magic;
		uint8_t  uuid[16];
		uint32_t stream_id;
	};
};

env {
	hostname = "ctftest";
	tracer_major = 2;
};

clock {
	name = "monotonic";
	freq = 1000000000;
	offset = 0;
};

typealias integer {
	size = 32; align = 8; signed = false;
	map = clock.monotonic.value;
} := uint32_clock_monotonic_t;

typealias integer {
	size = 64; align = 8; signed = false;
	map = clock.monotonic.value;
} := uint64_clock_monotonic_t;

struct packet_context {
	uint64_clock_monotonic_t timestamp_begin;
	uint64_clock_monotonic_t timestamp_end;
	uint64_t content_size;
	uint64_t packet_size;
	uint64_t packet_seq_num;
	uint64_t events_discarded;
	uint32_t cpu_id;
};

struct event_header {
	uint16_t id;
	uint32_clock_monotonic_t timestamp;
};

stream {
	id = 0;
	packet.context := struct packet_context;
	event.header := struct event_header;
};

stream {
	id = 1;
	packet.context := struct packet_context;
	event.header := struct event_header;
};

event {
	name = "state_change";
	id = 0;
	stream_id = 0;
	fields := struct {
		int64_t value;
		string comm;
	};
};

event {
	name = "tick";
	id = 1;
	stream_id = 0;
	fields := struct {
		uint32_t count;
	};
};

event {
	name = "irq";
	id = 0;
	stream_id = 1;
	fields := struct {
		uint32_t count;
	};
};
`

// Event is one event record. Only the payload fields of the event's type are written.
// Ids without a declaration are written with an empty payload.
type Event struct {
	ID        uint16
	Timestamp uint64

	// state_change
	Value int64
	Comm  string
	// tick and irq
	Count uint32
}

// Packet is one stream packet.
type Packet struct {
	StreamID uint32
	CPU      uint32
	Seq      uint64
	// Begin and End default to the first and last event timestamps.
	Begin, End uint64
	Discarded  uint64
	// Padding is added after the content and counted in packet_size only.
	Padding int
	Events  []Event

	// Corruptions.
	BadMagic bool
	BadUUID  bool
	// Truncate drops bytes from the end of the encoded packet.
	Truncate int
}

const (
	packetMagic = 0xC1FC1FC1
	headerSize  = 4 + 16 + 4
	contextSize = 6*8 + 4
)

// EncodeEvent returns the binary record of ev in a packet of stream streamID.
func EncodeEvent(streamID uint32, ev Event) []byte {
	b := binary.LittleEndian.AppendUint16(nil, ev.ID)
	b = binary.LittleEndian.AppendUint32(b, uint32(ev.Timestamp))
	switch {
	case streamID == 0 && ev.ID == StateChange:
		b = binary.LittleEndian.AppendUint64(b, uint64(ev.Value))
		b = append(b, ev.Comm...)
		b = append(b, 0)
	case streamID == 0 && ev.ID == Tick, streamID == 1 && ev.ID == IRQ:
		b = binary.LittleEndian.AppendUint32(b, ev.Count)
	}
	return b
}

// EncodePacket returns the binary packet, header and context included.
func EncodePacket(p Packet) []byte {
	var events []byte
	for _, ev := range p.Events {
		events = append(events, EncodeEvent(p.StreamID, ev)...)
	}
	begin, end := p.Begin, p.End
	if n := len(p.Events); n > 0 {
		if begin == 0 {
			begin = p.Events[0].Timestamp
		}
		if end == 0 {
			end = p.Events[n-1].Timestamp
		}
	}
	contentBytes := headerSize + contextSize + len(events)

	magic := uint32(packetMagic)
	if p.BadMagic {
		magic = 0xDEADBEEF
	}
	id := TraceUUID
	if p.BadUUID {
		id[0] ^= 0xff
	}

	b := binary.LittleEndian.AppendUint32(nil, magic)
	b = append(b, id[:]...)
	b = binary.LittleEndian.AppendUint32(b, p.StreamID)
	b = binary.LittleEndian.AppendUint64(b, begin)
	b = binary.LittleEndian.AppendUint64(b, end)
	b = binary.LittleEndian.AppendUint64(b, uint64(contentBytes)*8)
	b = binary.LittleEndian.AppendUint64(b, uint64(contentBytes+p.Padding)*8)
	b = binary.LittleEndian.AppendUint64(b, p.Seq)
	b = binary.LittleEndian.AppendUint64(b, p.Discarded)
	b = binary.LittleEndian.AppendUint32(b, p.CPU)
	b = append(b, events...)
	b = append(b, make([]byte, p.Padding)...)
	return b[:len(b)-min(p.Truncate, len(b))]
}

// EncodeStream concatenates packets into the content of a stream file.
func EncodeStream(packets ...Packet) []byte {
	var b []byte
	for _, p := range packets {
		b = append(b, EncodePacket(p)...)
	}
	return b
}

// WriteTrace writes Metadata and one stream file per entry of files into dir.
func WriteTrace(tb testing.TB, dir string, files map[string][]Packet) {
	tb.Helper()
	WriteFile(tb, dir, "metadata", []byte(Metadata))
	for name, packets := range files {
		WriteFile(tb, dir, name, EncodeStream(packets...))
	}
}

// WriteFile writes data to dir/name.
func WriteFile(tb testing.TB, dir, name string, data []byte) {
	tb.Helper()
	require.NoError(tb, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

// NewTrace writes a trace into a fresh temporary directory and returns it.
func NewTrace(tb testing.TB, files map[string][]Packet) string {
	tb.Helper()
	dir := tb.TempDir()
	WriteTrace(tb, dir, files)
	return dir
}

// Scenario is a trace of two packets on cpu 0: state_change events with values 1 and 2 at
// 100 and 200 in the first packet and a tick at 300 in the second.
func Scenario(tb testing.TB) string {
	tb.Helper()
	return NewTrace(tb, map[string][]Packet{
		"channel0_0": {
			{CPU: 0, Seq: 0, Events: []Event{
				{ID: StateChange, Timestamp: 100, Value: 1, Comm: "init"},
				{ID: StateChange, Timestamp: 200, Value: 2, Comm: "init"},
			}},
			{CPU: 0, Seq: 1, Begin: 250, Events: []Event{
				{ID: Tick, Timestamp: 300, Count: 1},
			}},
		},
	})
}
