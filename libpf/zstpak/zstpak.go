// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package zstpak implements reading and writing for an efficiently seekable compressed file
// format. Sealed history files are stored in it: the data is compressed in small chunks and an
// index of the chunks is kept in a footer, so the chunk holding any offset is found without
// decompressing the rest of the file.
//
// # File format
//
// >>> <compressed data>
// >>> for chunk in number_of_chunks:
// >>>   compressed_data_offset: u64 LE   # offset in compressed data
// >>> number_of_chunks: u64 LE
// >>> decompressed_size: u64 LE
// >>> chunk_size: u64 LE
// >>> magic: [8]char
package zstpak // import "go.opentelemetry.io/ctfstate/libpf/zstpak"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// footerSize is the size of the static portion of the footer (without the index data).
const footerSize = 32

// magic defines the file magic that uniquely identifies zstpak files.
const magic = "ZSTPAK00"

// ErrFormat is returned when a file is not a valid zstpak file.
var ErrFormat = errors.New("not a zstpak file")

// decoder is shared by all readers. DecodeAll is safe for concurrent use.
var decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// footer contains the meta-information stored at the end of zstpak files.
type footer struct {
	chunkSize        uint64
	uncompressedSize uint64
	index            []uint64
}

// IsZstpak reports whether the file at path ends with the zstpak magic.
func IsZstpak(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() < footerSize {
		return false
	}
	var buf [len(magic)]byte
	if _, err := f.ReadAt(buf[:], info.Size()-int64(len(magic))); err != nil {
		return false
	}
	return string(buf[:]) == magic
}

func readFooter(input io.ReaderAt, fileSize uint64) (*footer, error) {
	var buf [footerSize]byte

	if fileSize < footerSize {
		return nil, fmt.Errorf("%w: file is too small", ErrFormat)
	}
	if _, err := input.ReadAt(buf[:], int64(fileSize-footerSize)); err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}
	if !bytes.Equal(buf[24:], []byte(magic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}

	chunkSize := binary.LittleEndian.Uint64(buf[16:])
	uncompressedSize := binary.LittleEndian.Uint64(buf[8:])
	numberOfChunks := binary.LittleEndian.Uint64(buf[0:])
	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: zero chunk size", ErrFormat)
	}

	if numberOfChunks > (fileSize-footerSize)/8 {
		return nil, fmt.Errorf("%w: file too small to hold index table", ErrFormat)
	}
	rawIndex := make([]byte, numberOfChunks*8)
	indexOffset := fileSize - footerSize - numberOfChunks*8
	if _, err := input.ReadAt(rawIndex, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("failed to read index from file: %w", err)
	}

	index := make([]uint64, 0, numberOfChunks)
	for i := range numberOfChunks {
		entry := binary.LittleEndian.Uint64(rawIndex[i*8:])
		if i > 0 && entry < index[i-1] {
			return nil, fmt.Errorf("%w: index entries aren't monotonically increasing", ErrFormat)
		}
		if entry > indexOffset {
			return nil, fmt.Errorf("%w: index entry beyond compressed data", ErrFormat)
		}
		index = append(index, entry)
	}

	return &footer{
		chunkSize:        chunkSize,
		uncompressedSize: uncompressedSize,
		index:            index,
	}, nil
}

func (ftr *footer) write(out io.Writer) error {
	buf := make([]byte, 0, len(ftr.index)*8+footerSize)
	for _, offset := range ftr.index {
		buf = binary.LittleEndian.AppendUint64(buf, offset)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(ftr.index)))
	buf = binary.LittleEndian.AppendUint64(buf, ftr.uncompressedSize)
	buf = binary.LittleEndian.AppendUint64(buf, ftr.chunkSize)
	buf = append(buf, magic...)
	if _, err := out.Write(buf); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	return nil
}

// CompressInto reads data from an input reader, writing it out in compressed form. The chunk size
// determines how often to create new chunks. Higher numbers increase compression rates, but come
// at the cost of making random access less efficient.
func CompressInto(in io.Reader, out io.Writer, chunkSize uint64) error {
	if chunkSize == 0 {
		return errors.New("chunk size cannot be zero")
	}
	readBuf := make([]byte, chunkSize)
	compressBuf := make([]byte, chunkSize)

	// Compress chunks, memorizing their start offsets.
	index := []uint64{0}
	writeOffset := uint64(0)
	uncompressedSize := uint64(0)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	defer enc.Close()
	for {
		n, err := io.ReadFull(in, readBuf)
		if err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				// Last chunk: truncate our buffer and continue. Next read will
				// return EOF and thus break the loop.
				readBuf = readBuf[:n]
			} else {
				return err
			}
		}

		compressed := enc.EncodeAll(readBuf, compressBuf[:0])

		uncompressedSize += uint64(n)
		writeOffset += uint64(len(compressed))
		index = append(index, writeOffset)

		if _, err = out.Write(compressed); err != nil {
			return fmt.Errorf("failed to write compressed data: %w", err)
		}
	}

	ftr := footer{
		uncompressedSize: uncompressedSize,
		chunkSize:        chunkSize,
		index:            index,
	}
	return ftr.write(out)
}

// CompressFile compresses the file at src into dst. dst is written to a temporary file in the
// same directory first and renamed into place, so readers never see a partial file.
func CompressFile(src, dst string, chunkSize uint64) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err = CompressInto(in, tmp, chunkSize); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to compress %s: %w", src, err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Reader allows random access reads within zstpak files. Created via the `Open` method.
// It is safe for concurrent use.
type Reader struct {
	file   *os.File
	footer *footer
}

// Open a zstpak file for random access reading.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	hdr, err := readFooter(file, uint64(fileInfo.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Reader{
		file:   file,
		footer: hdr,
	}, nil
}

// UncompressedSize returns the size of the packed file if it was fully decompressed.
func (reader *Reader) UncompressedSize() uint64 {
	return reader.footer.uncompressedSize
}

// ChunkSize returns the size of the compressed chunks in this file.
func (reader *Reader) ChunkSize() uint64 {
	return reader.footer.chunkSize
}

// Close implements the `Closer` interface.
func (reader *Reader) Close() error {
	return reader.file.Close()
}

// ReadAt implements the `ReaderAt` interface.
func (reader *Reader) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset value %d given", off)
	}
	writeOffset := 0
	remaining := len(p)
	chunkIdx := int(uint64(off) / reader.footer.chunkSize)
	skipOffset := int(uint64(off) % reader.footer.chunkSize)

	for remaining > 0 {
		if chunkIdx+1 >= len(reader.footer.index) {
			return writeOffset, io.EOF
		}

		compressedChunkStart := reader.footer.index[chunkIdx]
		compressedChunkLen := reader.footer.index[chunkIdx+1] - compressedChunkStart
		decompressed, err := reader.getDecompressedChunk(compressedChunkStart, compressedChunkLen)
		if err != nil {
			return writeOffset, err
		}

		if skipOffset > len(decompressed) {
			return 0, errors.New("corrupted chunk data")
		}
		copyLen := min(remaining, len(decompressed)-skipOffset)
		copy(p[writeOffset:][:copyLen], decompressed[skipOffset:][:copyLen])

		// Only apply skipping in first iteration.
		skipOffset = 0

		writeOffset += copyLen
		remaining -= copyLen
		chunkIdx++
	}

	return writeOffset, nil
}

func (reader *Reader) getDecompressedChunk(start, length uint64) ([]byte, error) {
	compressedChunk := make([]byte, length)
	if _, err := reader.file.ReadAt(compressedChunk, int64(start)); err != nil {
		return nil, fmt.Errorf("failed to read chunk data: %w", err)
	}

	decompressed, err := decoder.DecodeAll(compressedChunk, make([]byte, 0, reader.footer.chunkSize))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk: %w", err)
	}

	return decompressed, nil
}
