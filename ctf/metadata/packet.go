// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metadata // import "go.opentelemetry.io/ctfstate/ctf/metadata"

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/google/uuid"

	"go.opentelemetry.io/ctfstate/ctf/bitbuf"
)

const (
	// PacketMagic starts every binary metadata packet.
	PacketMagic = 0x75D11D57
	// packetHeaderSize is the size in bytes of a metadata packet header.
	packetHeaderSize = 37
)

// packetHeader is the fixed header in front of every metadata packet.
type packetHeader struct {
	Magic             uint32
	UUID              [16]byte
	Checksum          uint32
	ContentSize       uint32 // bits
	PacketSize        uint32 // bits
	CompressionScheme uint8
	EncryptionScheme  uint8
	ChecksumScheme    uint8
	Major             uint8
	Minor             uint8
}

// IsPacketized reports whether data starts with a metadata packet in either byte order.
func IsPacketized(data []byte) bool {
	_, ok := packetOrder(data)
	return ok
}

func packetOrder(data []byte) (binary.ByteOrder, bool) {
	if len(data) < 4 {
		return nil, false
	}
	switch {
	case binary.LittleEndian.Uint32(data) == PacketMagic:
		return binary.LittleEndian, true
	case binary.BigEndian.Uint32(data) == PacketMagic:
		return binary.BigEndian, true
	}
	return nil, false
}

// unpacketize concatenates the text of all metadata packets. It returns the byte order the
// packets were written in, which is the trace's native byte order.
func unpacketize(file string, data []byte) ([]byte, bitbuf.ByteOrder, uuid.UUID, error) {
	order, ok := packetOrder(data)
	if !ok {
		return nil, 0, uuid.UUID{}, &ParseError{Kind: KindBadMagic, File: file,
			Msg: "metadata does not start with a packet magic number"}
	}
	nativeOrder := bitbuf.LittleEndian
	if order == binary.BigEndian {
		nativeOrder = bitbuf.BigEndian
	}

	var text bytes.Buffer
	var traceUUID uuid.UUID
	for off := 0; off < len(data); {
		framing := func(format string) error {
			return &ParseError{Kind: KindFraming, File: file, Offset: int64(off), Msg: format}
		}
		if len(data)-off < packetHeaderSize {
			return nil, 0, uuid.UUID{}, framing("truncated packet header")
		}
		var h packetHeader
		if _, err := binary.Decode(data[off:off+packetHeaderSize], order, &h); err != nil {
			return nil, 0, uuid.UUID{}, framing(err.Error())
		}
		if h.Magic != PacketMagic {
			return nil, 0, uuid.UUID{}, &ParseError{Kind: KindBadMagic, File: file,
				Offset: int64(off), Msg: "bad metadata packet magic number"}
		}
		switch {
		case h.CompressionScheme != 0:
			return nil, 0, uuid.UUID{}, &ParseError{Kind: KindUnsupported, File: file,
				Offset: int64(off), Msg: "compressed metadata packets"}
		case h.EncryptionScheme != 0:
			return nil, 0, uuid.UUID{}, &ParseError{Kind: KindUnsupported, File: file,
				Offset: int64(off), Msg: "encrypted metadata packets"}
		case h.ChecksumScheme != 0:
			return nil, 0, uuid.UUID{}, &ParseError{Kind: KindChecksum, File: file,
				Offset: int64(off), Msg: "metadata packet checksums cannot be verified"}
		}

		contentSize := int(h.ContentSize / 8)
		packetSize := int(h.PacketSize / 8)
		if h.ContentSize%8 != 0 || h.PacketSize%8 != 0 ||
			contentSize < packetHeaderSize || packetSize < contentSize {
			return nil, 0, uuid.UUID{}, framing("inconsistent packet sizes")
		}
		if off+contentSize > len(data) {
			return nil, 0, uuid.UUID{}, framing("packet content past end of metadata")
		}

		id := uuid.UUID(h.UUID)
		if off == 0 {
			traceUUID = id
		} else if id != traceUUID {
			return nil, 0, uuid.UUID{}, framing("metadata packets carry different UUIDs")
		}

		text.Write(bytes.TrimRight(data[off+packetHeaderSize:off+contentSize], "\x00"))
		off += min(packetSize, len(data)-off)
	}
	return text.Bytes(), nativeOrder, traceUUID, nil
}

// checkText rejects data that cannot be TSDL text, so that arbitrary binary files are
// reported as not being metadata at all.
func checkText(file string, data []byte) error {
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return &ParseError{Kind: KindBadMagic, File: file,
			Msg: "metadata is neither packetized nor text"}
	}
	return nil
}
