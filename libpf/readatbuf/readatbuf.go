// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package readatbuf adds a page cache to io.ReaderAt implementations. History files are
// read through it, either directly or through their zstpak compressed form.
package readatbuf // import "go.opentelemetry.io/ctfstate/libpf/readatbuf"

import (
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/elastic/go-freelru"

	"go.opentelemetry.io/ctfstate/libpf/hash"
)

// page represents a cached region from the underlying reader.
type page struct {
	// data contains the data cached from a previous read.
	data []byte
	// eof determines whether we encountered an EOF when reading the page originally.
	eof bool
}

// Statistics contains statistics about cache efficiency.
type Statistics struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Reader implements buffering for random access reads via the `ReaderAt` interface. It is
// safe for concurrent use; reads through the cache are serialized.
type Reader struct {
	inner    io.ReaderAt
	pageSize uint

	// mu guards the fields below.
	mu           sync.Mutex
	cache        *lru.LRU[uint, page]
	stats        Statistics
	sparePageBuf []byte
}

// New creates a new buffered reader supporting random access. The pageSize argument decides the
// size of each region (page) tracked in the cache. cacheSize defines the maximum number of pages
// to cache.
func New(inner io.ReaderAt, pageSize, cacheSize uint) (reader *Reader, err error) {
	if pageSize == 0 {
		return nil, errors.New("pageSize cannot be zero")
	}
	if cacheSize == 0 {
		return nil, errors.New("cacheSize cannot be zero")
	}

	reader = &Reader{
		inner:    inner,
		pageSize: pageSize,
	}

	reader.cache, err = lru.New[uint, page](uint32(cacheSize), hash.Key[uint])
	if err != nil {
		return nil, fmt.Errorf("failed to create internal cache: %w", err)
	}

	reader.cache.SetOnEvict(func(_ uint, page page) {
		reader.stats.Evictions++
		// EOF pages may have been truncated, but every page was allocated with the full page
		// size, so the capacity allows growing it back.
		reader.sparePageBuf = page.data[:pageSize]
	})

	return reader, nil
}

// InvalidateCache flushes the internal cache. Resets the statistics.
func (reader *Reader) InvalidateCache() {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	reader.cache.Purge()
	reader.stats = Statistics{}
}

// Statistics returns statistics about cache efficiency.
func (reader *Reader) Statistics() Statistics {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	return reader.stats
}

// ReadAt implements the `ReaderAt` interface.
func (reader *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset value %d given", off)
	}

	// Large reads bypass the cache so that a single one does not evict everything.
	if uint(len(p)) > reader.pageSize*3/2 {
		return reader.inner.ReadAt(p, off)
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()

	writeOffset := uint(0)
	remaining := uint(len(p))
	skipOffset := uint(off) % reader.pageSize
	pageIdx := uint(off) / reader.pageSize

	for remaining > 0 {
		data, eof, err := reader.getOrReadPage(pageIdx)
		if err != nil {
			return int(writeOffset), err
		}
		if skipOffset > uint(len(data)) {
			return 0, io.EOF
		}

		copyLen := min(remaining, uint(len(data))-skipOffset)
		copy(p[writeOffset:][:copyLen], data[skipOffset:][:copyLen])

		skipOffset = 0
		pageIdx++
		writeOffset += copyLen
		remaining -= copyLen

		if eof {
			if remaining == 0 {
				break
			}
			return int(writeOffset), io.EOF
		}
	}

	return int(writeOffset), nil
}

// getOrReadPage returns the page at pageIdx. reader.mu must be held.
func (reader *Reader) getOrReadPage(pageIdx uint) (data []byte, eof bool, err error) {
	if cachedPage, exists := reader.cache.Get(pageIdx); exists {
		reader.stats.Hits++
		return cachedPage.data, cachedPage.eof, nil
	}

	reader.stats.Misses++

	var buffer []byte
	if reader.sparePageBuf != nil {
		buffer = reader.sparePageBuf
		reader.sparePageBuf = nil
	} else {
		buffer = make([]byte, reader.pageSize)
	}

	n, err := reader.inner.ReadAt(buffer, int64(pageIdx*reader.pageSize))
	if err != nil {
		// Pages are read speculatively, so running into EOF is expected.
		if err != io.EOF {
			return nil, false, err
		}
		buffer = buffer[:n]
		eof = true
	}

	if !eof && uint(n) < reader.pageSize {
		return nil, false, errors.New("failed to read whole page")
	}

	reader.cache.Add(pageIdx, page{data: buffer, eof: eof})
	return buffer, eof, nil
}
