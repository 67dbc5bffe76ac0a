// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata parses CTF trace metadata (the TSDL description of a trace, either as
// plain text or split into binary metadata packets) into a catalog of stream, event and
// clock declarations.
package metadata // import "go.opentelemetry.io/ctfstate/ctf/metadata"

import (
	"cmp"
	"math"
	"math/bits"
	"slices"

	"github.com/google/uuid"

	"go.opentelemetry.io/ctfstate/ctf/bitbuf"
	"go.opentelemetry.io/ctfstate/ctf/types"
)

// Metadata is the catalog built from a trace's metadata.
type Metadata struct {
	Major, Minor uint64
	// UUID identifies the trace. Zero when the metadata declares none.
	UUID      uuid.UUID
	ByteOrder bitbuf.ByteOrder
	// PacketHeader is the layout of trace.packet.header, nil if undeclared.
	PacketHeader *types.StructDecl

	Env       map[string]any
	Clocks    map[string]*Clock
	Streams   map[uint64]*Stream
	Callsites []Callsite
	// Aliases are the top-level type aliases and typedefs.
	Aliases map[string]types.Declaration

	// Packetized is set when the metadata was read from binary metadata packets.
	Packetized bool
	// Text is the TSDL source the catalog was built from.
	Text string
}

// Stream groups the events sharing packet and event header layouts.
type Stream struct {
	ID            uint64
	PacketContext *types.StructDecl
	EventHeader   *types.StructDecl
	EventContext  *types.StructDecl

	events map[uint64]*Event
	byName map[string]*Event
}

func newStream(id uint64) *Stream {
	return &Stream{
		ID:     id,
		events: make(map[uint64]*Event),
		byName: make(map[string]*Event),
	}
}

// Event returns the event declared with id in this stream.
func (s *Stream) Event(id uint64) (*Event, bool) {
	ev, ok := s.events[id]
	return ev, ok
}

// EventByName returns the event declared as name in this stream.
func (s *Stream) EventByName(name string) (*Event, bool) {
	ev, ok := s.byName[name]
	return ev, ok
}

// Events returns the stream's events ordered by id.
func (s *Stream) Events() []*Event {
	evs := make([]*Event, 0, len(s.events))
	for _, ev := range s.events {
		evs = append(evs, ev)
	}
	slices.SortFunc(evs, func(a, b *Event) int { return cmp.Compare(a.ID, b.ID) })
	return evs
}

// Event is one event type declaration.
type Event struct {
	ID          uint64
	Name        string
	StreamID    uint64
	LogLevel    int64
	ModelEMFURI string
	Context     *types.StructDecl
	Fields      *types.StructDecl
}

// Clock describes a clock that integer fields can be mapped to.
type Clock struct {
	Name        string
	UUID        uuid.UUID
	Description string
	// Freq is the clock frequency in Hz.
	Freq uint64
	// OffsetS and Offset (in cycles) locate the clock origin relative to the epoch.
	OffsetS   int64
	Offset    int64
	Precision uint64
	Absolute  bool
}

// DefaultClock is used for timestamps that are not mapped to a declared clock.
var DefaultClock = &Clock{Name: "default", Freq: 1_000_000_000}

// CyclesToNs converts a raw clock value to nanoseconds since the epoch. Results outside
// the int64 range saturate.
func (c *Clock) CyclesToNs(cycles uint64) int64 {
	freq := c.Freq
	if freq == 0 {
		freq = 1_000_000_000
	}
	var base int64
	switch {
	case c.OffsetS > math.MaxInt64/1_000_000_000:
		base = math.MaxInt64
	case c.OffsetS < math.MinInt64/1_000_000_000:
		base = math.MinInt64
	default:
		base = c.OffsetS * 1_000_000_000
	}
	if c.Offset < 0 {
		base = addSat(base, -scale(uint64(-(c.Offset+1))+1, freq))
	} else {
		base = addSat(base, scale(uint64(c.Offset), freq))
	}
	return addSat(base, scale(cycles, freq))
}

// scale converts cycles at freq Hz to nanoseconds, saturating at math.MaxInt64.
func scale(cycles, freq uint64) int64 {
	secs := cycles / freq
	if secs > math.MaxInt64/1_000_000_000 {
		return math.MaxInt64
	}
	// rem < freq keeps the 128 bit quotient in range.
	hi, lo := bits.Mul64(cycles%freq, 1_000_000_000)
	frac, _ := bits.Div64(hi, lo, freq)
	return addSat(int64(secs*1_000_000_000), int64(frac))
}

func addSat(a, b int64) int64 {
	sum := a + b
	switch {
	case a > 0 && b > 0 && sum < 0:
		return math.MaxInt64
	case a < 0 && b < 0 && sum >= 0:
		return math.MinInt64
	}
	return sum
}

// Callsite is the source location information LTTng attaches to events.
type Callsite struct {
	Name string
	Func string
	IP   uint64
	File string
	Line uint64
}

// Stream returns the stream declared with id.
func (m *Metadata) Stream(id uint64) (*Stream, bool) {
	s, ok := m.Streams[id]
	return s, ok
}

// StreamIDs returns the declared stream ids in ascending order.
func (m *Metadata) StreamIDs() []uint64 {
	ids := make([]uint64, 0, len(m.Streams))
	for id := range m.Streams {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Events returns every event declaration ordered by stream id then event id.
func (m *Metadata) Events() []*Event {
	var evs []*Event
	for _, id := range m.StreamIDs() {
		evs = append(evs, m.Streams[id].Events()...)
	}
	return evs
}

// Clock returns the clock called name, or DefaultClock.
func (m *Metadata) Clock(name string) *Clock {
	if c, ok := m.Clocks[name]; ok {
		return c
	}
	return DefaultClock
}

// CallsitesOf returns the callsites declared for an event name.
func (m *Metadata) CallsitesOf(name string) []Callsite {
	var out []Callsite
	for _, cs := range m.Callsites {
		if cs.Name == name {
			out = append(out, cs)
		}
	}
	return out
}
