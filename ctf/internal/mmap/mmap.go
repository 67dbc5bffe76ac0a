// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mmap maps CTF stream files read-only into memory. Packets are then decoded
// straight from the mapping without copying.
package mmap // import "go.opentelemetry.io/ctfstate/ctf/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by reads on a closed mapping.
var ErrClosed = errors.New("mmap: closed")

// File is a read-only memory mapped file.
//
// Reads may run concurrently, but Close must not be called while reads are in flight.
type File struct {
	data   []byte
	closed bool
}

// Open memory-maps the named file for reading.
func Open(filename string) (*File, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	switch {
	case size == 0:
		// mmap rejects zero lengths.
		return &File{data: []byte{}}, nil
	case size < 0:
		return nil, fmt.Errorf("mmap: file %q has negative size", filename)
	case size != int64(int(size)):
		return nil, fmt.Errorf("mmap: file %q is too large", filename)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", filename, err)
	}
	m := &File{data: data}
	runtime.SetFinalizer(m, (*File).Close)
	return m, nil
}

// Close unmaps the file. Slices returned by Bytes and Subslice become invalid.
func (m *File) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	data := m.data
	m.data = nil
	runtime.SetFinalizer(m, nil)
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

// Len returns the size of the mapping.
func (m *File) Len() int {
	return len(m.data)
}

// Bytes returns the whole mapping.
func (m *File) Bytes() []byte {
	return m.data
}

// ReadAt implements io.ReaderAt.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 || int64(len(m.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Subslice returns length bytes of the mapping starting at offset.
func (m *File) Subslice(offset, length int) ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return nil, fmt.Errorf("%d bytes at 0x%x exceed mapping of %d bytes: %w",
			length, offset, len(m.data), io.EOF)
	}
	return m.data[offset : offset+length : offset+length], nil
}

// AdviseSequential tells the kernel the mapping is about to be read front to back.
func (m *File) AdviseSequential() error {
	if len(m.data) == 0 {
		return nil
	}
	return unix.Madvise(m.data, unix.MADV_SEQUENTIAL)
}
