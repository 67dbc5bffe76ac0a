// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ctf reads traces in the Common Trace Format: a metadata file describing the
// layout of the data, and binary stream files made of packets of events. Events of all
// stream files are returned merged in timestamp order.
package ctf // import "go.opentelemetry.io/ctfstate/ctf"

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/ctfstate/ctf/internal/mmap"
	"go.opentelemetry.io/ctfstate/ctf/metadata"
	"go.opentelemetry.io/ctfstate/internal/log"
	"go.opentelemetry.io/ctfstate/metrics"
)

// Trace is an open CTF trace directory.
type Trace struct {
	Dir      string
	Metadata *metadata.Metadata

	// streams are ordered by stream id, then file name. This is also the order in which
	// events with equal timestamps are returned.
	streams     []*streamFile
	fingerprint string
	start, end  int64
}

// Open reads the metadata of the trace in dir, maps its stream files and indexes their
// packets. Errors match ErrNotCTF when dir does not hold a CTF trace and ErrCorrupt when
// it does but cannot be read.
func Open(ctx context.Context, dir string) (*Trace, error) {
	mdPath := filepath.Join(dir, metadata.FileName)
	raw, err := os.ReadFile(mdPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w: no %s file", dir, ErrNotCTF, metadata.FileName)
		}
		return nil, err
	}
	md, err := metadata.Read(bytes.NewReader(raw), mdPath)
	if err != nil {
		return nil, classifyMetadataError(err)
	}
	if len(md.Streams) == 0 {
		return nil, fmt.Errorf("%s: %w: metadata declares no stream", dir, ErrCorrupt)
	}

	t := &Trace{Dir: dir, Metadata: md}
	if err := t.openStreams(); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.indexStreams(ctx); err != nil {
		t.Close()
		return nil, err
	}
	t.fingerprint = t.computeFingerprint(raw)
	if err := t.computeBounds(ctx); err != nil {
		t.Close()
		return nil, err
	}

	log.Infof("Opened trace %s: %d stream files, %d packets, [%d, %d]",
		dir, len(t.streams), t.packetCount(), t.start, t.end)
	return t, nil
}

func (t *Trace) openStreams() error {
	entries, err := os.ReadDir(t.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || name == metadata.FileName || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(t.Dir, name)
		info, err := e.Info()
		if err != nil {
			return err
		}
		m, err := mmap.Open(path)
		if err != nil {
			return err
		}
		t.streams = append(t.streams, &streamFile{
			name:    name,
			path:    path,
			file:    m,
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		})
	}
	if len(t.streams) == 0 {
		return fmt.Errorf("%s: %w: no stream files", t.Dir, ErrCorrupt)
	}
	return nil
}

// indexStreams reads the packet headers of every stream file concurrently.
func (t *Trace) indexStreams(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sf := range t.streams {
		g.Go(func() error {
			return sf.indexPackets(ctx, t.Metadata)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slices.SortFunc(t.streams, func(a, b *streamFile) int {
		if c := cmp.Compare(a.streamID, b.streamID); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
	packets := 0
	for i, sf := range t.streams {
		sf.index = i
		packets += len(sf.packets)
	}
	metrics.Add(metrics.IDPacketsIndexed, metrics.MetricValue(packets))
	return nil
}

func (t *Trace) packetCount() int {
	n := 0
	for _, sf := range t.streams {
		n += len(sf.packets)
	}
	return n
}

// computeBounds derives the trace time range from the packet contexts, decoding the
// first and last events of streams whose packets carry no timestamps.
func (t *Trace) computeBounds(ctx context.Context) error {
	t.start, t.end = math.MaxInt64, math.MinInt64
	for _, sf := range t.streams {
		if len(sf.packets) == 0 {
			continue
		}
		start, end, err := sf.bounds(ctx, t)
		if err != nil {
			return err
		}
		t.start = min(t.start, start)
		t.end = max(t.end, end)
	}
	if t.start > t.end {
		t.start, t.end = 0, 0
	}
	return nil
}

// computeFingerprint hashes the metadata and the identity of each stream file, so that
// caches derived from the trace notice when any file changes.
func (t *Trace) computeFingerprint(metadataBytes []byte) string {
	h := sha256.New()
	h.Write(metadataBytes)
	var buf [16]byte
	for _, sf := range t.streams {
		h.Write([]byte(sf.name))
		binary.LittleEndian.PutUint64(buf[:8], uint64(sf.size))
		binary.LittleEndian.PutUint64(buf[8:], uint64(sf.modTime))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint identifies the content of the trace. It changes when the metadata or any
// stream file is modified.
func (t *Trace) Fingerprint() string { return t.fingerprint }

// StartTime returns the timestamp of the first event in nanoseconds.
func (t *Trace) StartTime() int64 { return t.start }

// EndTime returns the timestamp of the last event in nanoseconds.
func (t *Trace) EndTime() int64 { return t.end }

// StreamFiles returns the names of the stream files in merge order.
func (t *Trace) StreamFiles() []string {
	names := make([]string, 0, len(t.streams))
	for _, sf := range t.streams {
		names = append(names, sf.name)
	}
	return names
}

// Close unmaps the stream files. Events already returned stay valid; iterators do not.
func (t *Trace) Close() error {
	var errs []error
	for _, sf := range t.streams {
		if err := sf.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", sf.path, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports whether dir holds a readable CTF trace by opening it and decoding every
// event. The error matches ErrNotCTF or ErrCorrupt.
func Validate(ctx context.Context, dir string) error {
	t, err := Open(ctx, dir)
	if err != nil {
		return err
	}
	defer t.Close()

	it := t.Iterator()
	defer it.Close()
	var firstErr error
	for {
		_, err := it.Next(ctx)
		if err == io.EOF {
			return firstErr
		}
		if err != nil {
			if !errors.Is(err, ErrCorrupt) {
				return err
			}
			// Keep going so that every broken stream file gets reported in the log.
			log.Warnf("%v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
}
