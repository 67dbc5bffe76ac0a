// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint // import "go.opentelemetry.io/ctfstate/checkpoint"

// # File format
//
// >>> magic: [8]char
// >>> fingerprint_len: u64 LE
// >>> fingerprint: [fingerprint_len]char
// >>> interval: u64 LE
// >>> events: u64 LE
// >>> start: i64 LE
// >>> end: i64 LE
// >>> number_of_checkpoints: u64 LE
// >>> for checkpoint in number_of_checkpoints:
// >>>   record: [32]byte            # see Checkpoint.MarshalBinary
// >>> checksum: u64 LE              # xxh3 of everything above

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/ctfstate/ctf"
	"go.opentelemetry.io/ctfstate/internal/log"
)

const magic = "CTFCKP01"

// maxFingerprintLen bounds the fingerprint read from a file.
const maxFingerprintLen = 1024

// ErrBadIndex is returned for checkpoint files that are truncated or fail the checksum.
var ErrBadIndex = errors.New("invalid checkpoint file")

// WriteTo writes the index in the checkpoint file format.
func (ix *Index) WriteTo(w io.Writer) (int64, error) {
	b := make([]byte, 0, 64+len(ix.Fingerprint)+len(ix.Checkpoints)*RecordSize)
	b = append(b, magic...)
	b = binary.LittleEndian.AppendUint64(b, uint64(len(ix.Fingerprint)))
	b = append(b, ix.Fingerprint...)
	b = binary.LittleEndian.AppendUint64(b, ix.Interval)
	b = binary.LittleEndian.AppendUint64(b, ix.Events)
	b = binary.LittleEndian.AppendUint64(b, uint64(ix.Start))
	b = binary.LittleEndian.AppendUint64(b, uint64(ix.End))
	b = binary.LittleEndian.AppendUint64(b, uint64(len(ix.Checkpoints)))
	for _, cp := range ix.Checkpoints {
		b = cp.appendBinary(b)
	}
	b = binary.LittleEndian.AppendUint64(b, xxh3.Hash(b))
	n, err := w.Write(b)
	return int64(n), err
}

// ReadIndex parses a checkpoint file. Ranks must increase by the index interval.
func ReadIndex(r io.Reader) (*Index, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < len(magic)+8 || !bytes.Equal(data[:len(magic)], []byte(magic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrBadIndex)
	}
	body, sum := data[:len(data)-8], binary.LittleEndian.Uint64(data[len(data)-8:])
	if xxh3.Hash(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadIndex)
	}

	rd := bytes.NewReader(body[len(magic):])
	var fpLen uint64
	if err := binary.Read(rd, binary.LittleEndian, &fpLen); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadIndex, err)
	}
	if fpLen > maxFingerprintLen {
		return nil, fmt.Errorf("%w: fingerprint of %d bytes", ErrBadIndex, fpLen)
	}
	fp := make([]byte, fpLen)
	if _, err := io.ReadFull(rd, fp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadIndex, err)
	}
	var hdr struct {
		Interval, Events uint64
		Start, End       int64
		Count            uint64
	}
	if err := binary.Read(rd, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadIndex, err)
	}
	if hdr.Interval == 0 || uint64(rd.Len()) != hdr.Count*RecordSize {
		return nil, fmt.Errorf("%w: %d checkpoints in %d bytes", ErrBadIndex, hdr.Count, rd.Len())
	}

	ix := &Index{
		Fingerprint: string(fp),
		Interval:    hdr.Interval,
		Events:      hdr.Events,
		Start:       hdr.Start,
		End:         hdr.End,
		Checkpoints: make([]Checkpoint, hdr.Count),
	}
	var rec [RecordSize]byte
	for i := range ix.Checkpoints {
		if _, err := io.ReadFull(rd, rec[:]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadIndex, err)
		}
		cp := &ix.Checkpoints[i]
		if err := cp.UnmarshalBinary(rec[:]); err != nil {
			return nil, err
		}
		if cp.Rank != uint64(i)*ix.Interval {
			return nil, fmt.Errorf("%w: checkpoint %d has rank %d", ErrBadIndex, i, cp.Rank)
		}
	}
	return ix, nil
}

// Save writes the index to path, replacing any previous file atomically.
func (ix *Index) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if _, err := ix.WriteTo(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the checkpoint file at path.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadIndex(bufio.NewReader(f))
}

// LoadOrBuild returns the index stored at path if it was built from the same trace content
// with the same interval. Otherwise the index is rebuilt and saved to path. The boolean
// reports whether the index was rebuilt.
func (x Indexer) LoadOrBuild(ctx context.Context, tr *ctf.Trace, path string) (*Index, bool,
	error) {
	interval := x.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	ix, err := Load(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		log.Warnf("Discarding checkpoint file %s: %v", path, err)
	case ix.Fingerprint != tr.Fingerprint():
		log.Warnf("Discarding checkpoint file %s: trace changed since it was written", path)
	case ix.Interval != interval:
		log.Infof("Rebuilding checkpoint file %s: interval %d, want %d",
			path, ix.Interval, interval)
	default:
		return ix, false, nil
	}

	if ix, err = x.Build(ctx, tr); err != nil {
		return nil, false, err
	}
	if err := ix.Save(path); err != nil {
		return nil, false, fmt.Errorf("saving checkpoints: %w", err)
	}
	return ix, true, nil
}
