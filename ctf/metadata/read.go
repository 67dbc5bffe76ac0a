// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metadata // import "go.opentelemetry.io/ctfstate/ctf/metadata"

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"go.opentelemetry.io/ctfstate/ctf/bitbuf"
	"go.opentelemetry.io/ctfstate/internal/log"
)

// FileName is the name of the metadata file inside a trace directory.
const FileName = "metadata"

// Parse builds the catalog described by raw metadata bytes, packetized or text.
func Parse(data []byte) (*Metadata, error) {
	return parseNamed("", data)
}

// Read parses metadata from r. name is used in error messages.
func Read(r io.Reader, name string) (*Metadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %s: %w", name, err)
	}
	return parseNamed(name, data)
}

// ReadFile parses the metadata file at path. A directory is taken to be a trace directory.
func ReadFile(path string) (*Metadata, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseNamed(path, data)
}

func parseNamed(name string, data []byte) (*Metadata, error) {
	packetized := IsPacketized(data)
	order := bitbuf.LittleEndian
	var packetUUID uuid.UUID
	if packetized {
		var err error
		if data, order, packetUUID, err = unpacketize(name, data); err != nil {
			return nil, err
		}
	} else if err := checkText(name, data); err != nil {
		return nil, err
	}

	md, err := parseText(name, string(data), order)
	if err != nil {
		return nil, err
	}
	md.Packetized = packetized
	if packetized && md.UUID != (uuid.UUID{}) && md.UUID != packetUUID {
		return nil, &ParseError{Kind: KindSemantic, File: name,
			Msg: fmt.Sprintf("trace uuid %s differs from metadata packet uuid %s",
				md.UUID, packetUUID)}
	}
	log.Debugf("Parsed metadata %s: CTF %d.%d, %d streams, %d events",
		name, md.Major, md.Minor, len(md.Streams), len(md.Events()))
	return md, nil
}
