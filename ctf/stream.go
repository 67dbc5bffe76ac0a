// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ctf // import "go.opentelemetry.io/ctfstate/ctf"

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"go.opentelemetry.io/ctfstate/ctf/bitbuf"
	"go.opentelemetry.io/ctfstate/ctf/internal/mmap"
	"go.opentelemetry.io/ctfstate/ctf/metadata"
	"go.opentelemetry.io/ctfstate/ctf/types"
	"go.opentelemetry.io/ctfstate/internal/log"
)

// PacketMagic starts the packet header of stream packets.
const PacketMagic = 0xC1FC1FC1

var (
	errBadPacketMagic = errors.New("bad packet magic number")
	errUUIDMismatch   = errors.New("packet uuid differs from trace uuid")
	errPacketSize     = errors.New("inconsistent packet size")
)

// streamFile is one mapped stream file with the index of its packets.
type streamFile struct {
	name    string
	path    string
	file    *mmap.File
	size    int64
	modTime int64

	streamID uint64
	stream   *metadata.Stream
	packets  []packetInfo
	// index is the position of the file in the trace's merge order.
	index int
}

// packetInfo is what indexing learned about one packet from its header and context.
type packetInfo struct {
	// offset of the packet in the file, in bytes.
	offset int64
	// eventsStart is the bit offset of the first event inside the packet.
	eventsStart uint64
	contentBits uint64
	packetBits  uint64

	header  *types.StructValue
	context *types.StructValue

	hasTime          bool
	beginRaw, endRaw uint64
	begin, end       int64
	clock            *metadata.Clock

	cpu       int64
	discarded uint64
	seq       uint64
}

func fieldUint(sv *types.StructValue, name string) (uint64, bool) {
	v, ok := sv.Field(name)
	if !ok {
		return 0, false
	}
	return types.AsUint64(v)
}

// fieldBytes returns an array of 8 bit integers as bytes.
func fieldBytes(sv *types.StructValue, name string) ([]byte, bool) {
	v, ok := sv.Field(name)
	if !ok {
		return nil, false
	}
	av, ok := v.(*types.ArrayValue)
	if !ok {
		return nil, false
	}
	b := make([]byte, 0, len(av.Elems))
	for _, e := range av.Elems {
		u, ok := types.AsUint64(e)
		if !ok {
			return nil, false
		}
		b = append(b, byte(u))
	}
	return b, true
}

// clockOf returns the clock an integer field is mapped to. Unmapped fields use the only
// declared clock, if there is exactly one.
func clockOf(md *metadata.Metadata, d *types.IntegerDecl) *metadata.Clock {
	if d != nil && d.Clock != "" {
		return md.Clock(d.Clock)
	}
	if len(md.Clocks) == 1 {
		for _, c := range md.Clocks {
			return c
		}
	}
	return metadata.DefaultClock
}

func (sf *streamFile) indexPackets(ctx context.Context, md *metadata.Metadata) error {
	data := sf.file.Bytes()
	if err := sf.file.AdviseSequential(); err != nil {
		log.Debugf("madvise %s: %v", sf.path, err)
	}
	for off := int64(0); off < int64(len(data)); {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := sf.readPacket(md, data[off:], off)
		if err != nil {
			return err
		}
		sf.packets = append(sf.packets, p)
		off += int64(p.packetBits / 8)
	}
	if sf.stream == nil {
		// Empty file: attach it to the lowest declared stream.
		sf.streamID = md.StreamIDs()[0]
		sf.stream, _ = md.Stream(sf.streamID)
	}
	log.Debugf("Indexed %s: stream %d, %d packets", sf.name, sf.streamID, len(sf.packets))
	return nil
}

// readPacket decodes the packet header and context at the start of data.
func (sf *streamFile) readPacket(md *metadata.Metadata, data []byte,
	off int64) (packetInfo, error) {
	r := bitbuf.New(data)
	tctx := types.NewContext()
	fail := func(err error) error {
		return &DecodeError{File: sf.name, PacketOffset: off, BitOffset: r.Position(), Err: err}
	}

	p := packetInfo{offset: off, cpu: -1, clock: clockOf(md, nil)}
	var streamID uint64
	hasStreamID := false
	if md.PacketHeader != nil {
		v, err := types.Decode(r, md.PacketHeader, tctx)
		if err != nil {
			return p, fail(err)
		}
		hdr := v.(*types.StructValue)
		tctx.SetScope(types.ScopeTracePacketHeader, hdr)
		p.header = hdr

		if magic, ok := fieldUint(hdr, "magic"); ok && magic != PacketMagic {
			return p, fail(fmt.Errorf("%w: %#x", errBadPacketMagic, magic))
		}
		if id, ok := fieldBytes(hdr, "uuid"); ok && md.UUID != (uuid.UUID{}) &&
			(len(id) != len(md.UUID) || uuid.UUID(id) != md.UUID) {
			return p, fail(errUUIDMismatch)
		}
		streamID, hasStreamID = fieldUint(hdr, "stream_id")
	}
	if !hasStreamID {
		if len(md.Streams) != 1 {
			return p, fail(errors.New("packet header has no stream_id"))
		}
		streamID = md.StreamIDs()[0]
	}
	s, ok := md.Stream(streamID)
	if !ok {
		return p, fail(fmt.Errorf("undeclared stream id %d", streamID))
	}
	if sf.stream == nil {
		sf.streamID, sf.stream = streamID, s
	} else if sf.streamID != streamID {
		return p, fail(fmt.Errorf("packet of stream %d in a file of stream %d",
			streamID, sf.streamID))
	}

	p.contentBits = uint64(len(data)) * 8
	p.packetBits = p.contentBits
	if s.PacketContext != nil {
		v, err := types.Decode(r, s.PacketContext, tctx)
		if err != nil {
			return p, fail(err)
		}
		pc := v.(*types.StructValue)
		p.context = pc
		if cs, ok := fieldUint(pc, "content_size"); ok {
			p.contentBits, p.packetBits = cs, cs
		}
		if ps, ok := fieldUint(pc, "packet_size"); ok {
			p.packetBits = ps
		}
		p.readTimes(md, pc)
		if cpu, ok := fieldUint(pc, "cpu_id"); ok {
			p.cpu = int64(cpu)
		}
		p.discarded, _ = fieldUint(pc, "events_discarded")
		p.seq, _ = fieldUint(pc, "packet_seq_num")
	}

	switch {
	case p.packetBits == 0 || p.packetBits%8 != 0:
		return p, fail(fmt.Errorf("%w: packet_size %d bits", errPacketSize, p.packetBits))
	case p.contentBits > p.packetBits:
		return p, fail(fmt.Errorf("%w: content_size %d > packet_size %d",
			errPacketSize, p.contentBits, p.packetBits))
	case p.packetBits > uint64(len(data))*8:
		return p, fail(fmt.Errorf("%w: packet of %d bytes, %d left in file",
			bitbuf.ErrOutOfBounds, p.packetBits/8, len(data)))
	case p.contentBits < r.Position():
		return p, fail(fmt.Errorf("%w: content_size %d inside the packet context",
			errPacketSize, p.contentBits))
	}
	if p.discarded > 0 {
		log.Debugf("%s: packet at %d reports %d discarded events", sf.name, off, p.discarded)
	}
	p.eventsStart = r.Position()
	return p, nil
}

func (p *packetInfo) readTimes(md *metadata.Metadata, pc *types.StructValue) {
	bv, okBegin := pc.Field("timestamp_begin")
	ev, okEnd := pc.Field("timestamp_end")
	if !okBegin || !okEnd {
		return
	}
	begin, okBegin := bv.(*types.IntegerValue)
	end, okEnd := ev.(*types.IntegerValue)
	if !okBegin || !okEnd {
		return
	}
	p.clock = clockOf(md, begin.Decl)
	p.hasTime = true
	p.beginRaw, p.endRaw = begin.Raw, end.Raw
	p.begin = p.clock.CyclesToNs(begin.Raw)
	p.end = p.clock.CyclesToNs(end.Raw)
}

// packetFor returns the first packet that may hold events at or after ts.
func (sf *streamFile) packetFor(ts int64) int {
	return sort.Search(len(sf.packets), func(i int) bool {
		p := &sf.packets[i]
		return !p.hasTime || p.end >= ts
	})
}

// bounds returns the timestamps of the first and last events of the file, widened to the
// packet time ranges. Decode errors are left for iteration to report.
func (sf *streamFile) bounds(ctx context.Context, t *Trace) (start, end int64, err error) {
	start, end = math.MaxInt64, math.MinInt64
	if first := &sf.packets[0]; first.hasTime {
		start = first.begin
	}
	if last := &sf.packets[len(sf.packets)-1]; last.hasTime {
		end = last.end
	}

	c := newCursor(t, sf)
	if err := c.seekPacket(0); err == nil {
		ok, err := c.next()
		if errors.Is(err, errNoProgress) {
			return 0, 0, err
		}
		if ok {
			start = min(start, c.ev.Timestamp)
		}
	}

	for j := len(sf.packets) - 1; j >= 0; j-- {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		if err := c.seekPacket(j); err != nil {
			break
		}
		found := false
		for {
			if err := ctx.Err(); err != nil {
				return 0, 0, err
			}
			ok, err := c.next()
			if errors.Is(err, errNoProgress) {
				return 0, 0, err
			}
			if err != nil {
				log.Debugf("%s: bounds of packet %d: %v", sf.name, j, err)
			}
			if !ok || c.pkt != j {
				break
			}
			end = max(end, c.ev.Timestamp)
			found = true
		}
		if found {
			break
		}
	}
	return start, end, nil
}
