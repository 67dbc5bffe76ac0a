// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// zstpak compresses history files into the seekable zstpak format and unpacks them again.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/ctfstate/libpf/zstpak"
)

func tryMain(args []string) error {
	fs := flag.NewFlagSet("zstpak", flag.ContinueOnError)
	compress := fs.Bool("c", false, "Compress data into zstpak format")
	decompress := fs.Bool("d", false, "Decompress data from zstpak format")
	in := fs.String("i", "", "The input file path")
	out := fs.String("o", "", "The output file path")
	chunkSize := fs.Uint64("chunk-size", 65536, "The chunk size to use")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *compress == *decompress {
		return errors.New("must specify either `-c` or `-d`")
	}
	if *in == "" {
		return errors.New("missing required argument `i`")
	}
	if *out == "" {
		return errors.New("missing required argument `o`")
	}

	if *compress {
		return zstpak.CompressFile(*in, *out, *chunkSize)
	}

	pak, err := zstpak.Open(*in)
	if err != nil {
		return fmt.Errorf("failed to open zstpak file: %w", err)
	}
	defer pak.Close()

	outputFile, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outputFile.Close()

	size := int64(pak.UncompressedSize())
	if _, err = io.Copy(outputFile, io.NewSectionReader(pak, 0, size)); err != nil {
		return fmt.Errorf("failed to unpack: %w", err)
	}
	return outputFile.Close()
}

func main() {
	if err := tryMain(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
