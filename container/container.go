// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package container implements the transparent input layer (C1):
// detection and decoding of compressed and split backup-image containers,
// exposing either a sequential or a seekable byte source to the format
// parsers in the format package.
package container

import (
	"context"
	"fmt"
	"io"
)

// ByteSource is a sequential source of image bytes.
type ByteSource interface {
	io.Reader
}

// SeekableSource is a ByteSource that additionally supports random access.
// container.Open only ever returns a value satisfying this interface when
// the underlying container is uncompressed (plain or split-but-uncompressed).
type SeekableSource interface {
	ByteSource
	io.Seeker
	io.Closer
	Size() (int64, error)
}

// Error is the error kind returned directly by this package; callers
// typically see it wrapped by the core's own error kinds.
type Error string

func (e Error) Error() string { return string(e) }

// ErrUnseekableCompressed is returned by Open when RequireSeek is
// requested over a container whose detected encoding cannot be seeked
// (any block-compressed format).
const ErrUnseekableCompressed = Error("container: seeking is not supported over compressed input")

type openOpts struct {
	requireSeek bool
}

// Option configures Open.
type Option func(*openOpts)

// RequireSeek requests a SeekableSource; Open fails with
// ErrUnseekableCompressed if the detected container cannot provide one.
func RequireSeek(v bool) Option {
	return func(o *openOpts) { o.requireSeek = v }
}

// Open opens path, transparently resolving split-file concatenation and
// compression, and returns either a sequential or (when possible, or when
// RequireSeek is set) a seekable byte source over the decoded image bytes.
func Open(ctx context.Context, path string, opts ...Option) (ByteSource, error) {
	o := openOpts{}
	for _, fn := range opts {
		fn(&o)
	}

	raw, err := openConcatenated(path)
	if err != nil {
		return nil, err
	}

	kind, err := sniff(raw)
	if err != nil {
		raw.Close()
		return nil, err
	}

	if kind == kindPlain {
		return raw, nil
	}

	if o.requireSeek {
		raw.Close()
		return nil, ErrUnseekableCompressed
	}

	dec, err := newDecoder(ctx, kind, raw)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return dec, nil
}

// sniff peeks at the first 16 bytes of src (which must be positioned at
// offset 0) and classifies the container, leaving src repositioned at 0
// for subsequent reads, per the precedence in spec.md §4.1/§6: zstd, xz,
// lzma, bzip2, gzip, lz4 frame, else plain.
func sniff(src *segmentedSource) (containerKind, error) {
	var head [16]byte
	n, err := io.ReadFull(src, head[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return kindPlain, fmt.Errorf("container: reading magic bytes: %w", err)
	}
	if _, serr := src.Seek(0, io.SeekStart); serr != nil {
		return kindPlain, fmt.Errorf("container: rewinding after magic sniff: %w", serr)
	}
	return detect(head[:n]), nil
}
