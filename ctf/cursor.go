// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ctf // import "go.opentelemetry.io/ctfstate/ctf"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/ctfstate/ctf/bitbuf"
	"go.opentelemetry.io/ctfstate/ctf/metadata"
	"go.opentelemetry.io/ctfstate/ctf/types"
)

// errNoProgress is reported when an event decodes without consuming any bits.
var errNoProgress = errors.New("event layout decodes to zero bits")

// cursor decodes the events of one stream file in order.
type cursor struct {
	t   *Trace
	sf  *streamFile
	pkt int
	r   bitbuf.Reader
	ctx *types.Context

	// raw is the last full clock value, used to extend narrow timestamp fields.
	raw   uint64
	clock *metadata.Clock

	// ev is the event the cursor is on, nil before the first call to next.
	ev   *Event
	done bool
}

func newCursor(t *Trace, sf *streamFile) *cursor {
	return &cursor{t: t, sf: sf, ctx: types.NewContext(), clock: metadata.DefaultClock}
}

// seekPacket positions the cursor in front of the first event of packet i.
func (c *cursor) seekPacket(i int) error {
	c.pkt = i
	c.ev = nil
	if i >= len(c.sf.packets) {
		c.done = true
		return nil
	}
	c.done = false

	p := &c.sf.packets[i]
	data, err := c.sf.file.Subslice(int(p.offset), int(p.packetBits/8))
	if err != nil {
		return c.fail(err)
	}
	c.r.Reset(data)
	if err := c.r.SetLimit(p.contentBits); err != nil {
		return c.fail(err)
	}
	if err := c.r.Seek(p.eventsStart); err != nil {
		return c.fail(err)
	}
	c.ctx.SetScope(types.ScopeTracePacketHeader, p.header)
	c.ctx.SetScope(types.ScopeStreamPacketContext, p.context)
	c.clock = p.clock
	if p.hasTime {
		c.raw = p.beginRaw
	}
	return nil
}

func (c *cursor) fail(err error) error {
	c.done = true
	c.ev = nil
	var off int64
	if c.pkt < len(c.sf.packets) {
		off = c.sf.packets[c.pkt].offset
	}
	return &DecodeError{File: c.sf.name, PacketOffset: off, BitOffset: c.r.Position(), Err: err}
}

// next decodes the following event, moving across packets as needed. It returns false
// once the file is exhausted or after an error, which stops the cursor for good.
func (c *cursor) next() (bool, error) {
	for !c.done {
		if c.r.Remaining() > 0 {
			pos := c.r.Position()
			ev, err := c.decodeEvent()
			if err != nil {
				return false, c.fail(err)
			}
			if c.r.Position() == pos {
				return false, c.fail(errNoProgress)
			}
			c.ev = ev
			return true, nil
		}
		if err := c.seekPacket(c.pkt + 1); err != nil {
			return false, err
		}
	}
	c.ev = nil
	return false, nil
}

// eventID reads the event id from a header, preferring the id of an extended header.
func eventID(hdr *types.StructValue) (uint64, bool) {
	if v, ok := hdr.Lookup("v", "id"); ok {
		return types.AsUint64(v)
	}
	if v, ok := hdr.Lookup("id"); ok {
		return types.AsUint64(v)
	}
	return 0, false
}

func timestampField(hdr *types.StructValue) (*types.IntegerValue, bool) {
	for _, path := range [][]string{{"v", "timestamp"}, {"timestamp"}} {
		if v, ok := hdr.Lookup(path...); ok {
			iv, ok := v.(*types.IntegerValue)
			return iv, ok
		}
	}
	return nil, false
}

// updateClock extends a timestamp field of fewer than 64 bits with the high bits of the
// previous clock value, assuming at most one wrap around since then.
func (c *cursor) updateClock(v *types.IntegerValue) {
	size := v.Decl.Size
	if size >= 64 {
		c.raw = v.Raw
		return
	}
	mask := uint64(1)<<size - 1
	low := v.Raw & mask
	next := c.raw&^mask | low
	if low < c.raw&mask {
		next += mask + 1
	}
	c.raw = next
}

func (c *cursor) decodeEvent() (*Event, error) {
	md := c.t.Metadata
	s := c.sf.stream
	p := &c.sf.packets[c.pkt]
	c.ctx.ResetEvent()

	ev := &Event{
		StreamID:      s.ID,
		StreamFile:    c.sf.name,
		CPU:           p.cpu,
		PacketContext: p.context,
	}
	if ev.CPU < 0 {
		ev.CPU = int64(c.sf.index)
	}

	var id uint64
	if s.EventHeader != nil {
		hdr, err := decodeStruct(&c.r, s.EventHeader, c.ctx)
		if err != nil {
			return nil, fmt.Errorf("event header: %w", err)
		}
		ev.Header = hdr
		c.ctx.SetScope(types.ScopeStreamEventHeader, hdr)
		id, _ = eventID(hdr)
		if tv, ok := timestampField(hdr); ok {
			c.updateClock(tv)
			c.clock = clockOf(md, tv.Decl)
		}
	}
	decl, ok := s.Event(id)
	if !ok {
		return nil, fmt.Errorf("undeclared event id %d in stream %d", id, s.ID)
	}
	ev.Decl = decl
	ev.Timestamp = c.clock.CyclesToNs(c.raw)

	var err error
	if s.EventContext != nil {
		if ev.StreamContext, err = decodeStruct(&c.r, s.EventContext, c.ctx); err != nil {
			return nil, fmt.Errorf("%s: stream event context: %w", decl.Name, err)
		}
		c.ctx.SetScope(types.ScopeStreamEventContext, ev.StreamContext)
	}
	if decl.Context != nil {
		if ev.Context, err = decodeStruct(&c.r, decl.Context, c.ctx); err != nil {
			return nil, fmt.Errorf("%s: event context: %w", decl.Name, err)
		}
		c.ctx.SetScope(types.ScopeEventContext, ev.Context)
	}
	if decl.Fields != nil {
		if ev.Fields, err = decodeStruct(&c.r, decl.Fields, c.ctx); err != nil {
			return nil, fmt.Errorf("%s: payload: %w", decl.Name, err)
		}
		c.ctx.SetScope(types.ScopeEventFields, ev.Fields)
	}
	return ev, nil
}

func decodeStruct(r *bitbuf.Reader, d *types.StructDecl,
	ctx *types.Context) (*types.StructValue, error) {
	v, err := types.Decode(r, d, ctx)
	if err != nil {
		return nil, err
	}
	return v.(*types.StructValue), nil
}
