// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cloneimage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cosnicolaou/cloneimage/container"
	"github.com/cosnicolaou/cloneimage/format"
	"github.com/cosnicolaou/cloneimage/format/checksum"
	"github.com/cosnicolaou/cloneimage/format/ntfsclone"
	"github.com/cosnicolaou/cloneimage/format/partclone"
	"github.com/cosnicolaou/cloneimage/format/partimage"
)

type openOpts struct {
	indexWindow     int
	verifyChecksums bool
	progress        Progress
	cacheCapacity   int
	requireSeek     bool
}

// OpenOption configures Open.
type OpenOption func(*openOpts)

// IndexWindow sets the popcount index window W (PC/PI only); default
// 1024, per spec.md §4.3.
func IndexWindow(w int) OpenOption {
	return func(o *openOpts) { o.indexWindow = w }
}

// VerifyChecksums requests a checksum verification pass over the blocks
// section at open time (PC/PI only); the result is advisory, per spec.md
// §7's propagation policy.
func VerifyChecksums(v bool) OpenOption {
	return func(o *openOpts) { o.verifyChecksums = v }
}

// WithProgress supplies a Progress to report on during the checksum
// verification pass.
func WithProgress(p Progress) OpenOption {
	return func(o *openOpts) { o.progress = p }
}

// CacheCapacity sets the BlockIO LRU capacity, in blocks; 0 disables
// caching. Default DefaultCacheCapacity.
func CacheCapacity(k int) OpenOption {
	return func(o *openOpts) { o.cacheCapacity = k }
}

// RequireSeek controls whether Open insists on a seekable underlying
// source. Callers that only need the header (e.g. `cloneimage inspect`
// over a compressed image) may pass false; in that case Open may return a
// non-nil *ImageHeader with a nil *BlockIO when the source turned out to
// be sequential-only.
func RequireSeek(v bool) OpenOption {
	return func(o *openOpts) { o.requireSeek = v }
}

// Open opens the image at path, detects its format, and — when the
// underlying source is seekable — constructs a BlockIO ready to serve
// ReadAt calls over the logical partition. It is the sole entry point
// consumed by external collaborators (the FUSE adapter, CLIs), per
// spec.md §4.7.
func Open(ctx context.Context, path string, opts ...OpenOption) (*ImageHeader, *BlockIO, error) {
	o := &openOpts{
		indexWindow:   1024,
		cacheCapacity: DefaultCacheCapacity,
		requireSeek:   true,
	}
	for _, fn := range opts {
		fn(o)
	}
	progress := o.progress
	if progress == nil {
		progress = noopProgress{}
	}

	src, err := container.Open(ctx, path, container.RequireSeek(o.requireSeek))
	if err != nil {
		if errors.Is(err, container.ErrUnseekableCompressed) {
			return nil, nil, ErrUnseekableCompressed
		}
		return nil, nil, fmt.Errorf("cloneimage: opening %s: %w", path, err)
	}

	parsed, err := format.Detect(src, format.VerifyHeaderChecksums(o.verifyChecksums))
	if err != nil {
		return nil, nil, mapFormatErr(err)
	}
	header := parsed.Header

	seekable, ok := src.(container.SeekableSource)
	if !ok {
		return &header, nil, nil
	}

	resolver, err := newResolver(parsed, o.indexWindow)
	if err != nil {
		return &header, nil, err
	}

	bio, err := newBlockIO(seekable, resolver, header.BlockSize, header.TotalBlocks, o.cacheCapacity)
	if err != nil {
		return &header, nil, err
	}

	if o.verifyChecksums && header.Checksum.Algorithm != checksum.None {
		if verr := runVerify(seekable, header, progress); verr != nil {
			return &header, bio, verr
		}
	}

	return &header, bio, nil
}

func newResolver(p format.Parsed, window int) (Resolver, error) {
	switch p.Header.Format {
	case format.PC, format.PI:
		return newBitmapResolver(p, window)
	case format.NC:
		return &ncResolver{runs: p.Runs, blockSize: p.Header.BlockSize, blocksSectionOffset: p.Header.BlocksSectionOffset}, nil
	default:
		return nil, ErrUnknownFormat
	}
}

// runVerify seeks to the blocks section and streams a checksum
// verification pass; it must not interleave with ReadAt, per spec.md §5,
// so it runs before BlockIO is handed to the caller.
func runVerify(src container.SeekableSource, header ImageHeader, progress Progress) error {
	if _, err := src.Seek(header.BlocksSectionOffset, io.SeekStart); err != nil {
		return fmt.Errorf("cloneimage: seeking to blocks section: %w", err)
	}
	progress.Start(int64(header.UsedBlocks))
	defer progress.Finish()

	ok, atBlock, err := checksum.Verify(src, header.BlockSize, header.UsedBlocks, header.Checksum)
	if err != nil {
		return fmt.Errorf("cloneimage: verifying checksums: %w", err)
	}
	progress.Advance(int64(header.UsedBlocks))
	if !ok {
		return &VerifyError{AtBlock: atBlock}
	}
	return nil
}

func mapFormatErr(err error) error {
	switch {
	case errors.Is(err, format.ErrUnknownFormat()):
		return ErrUnknownFormat
	case errors.Is(err, partclone.ErrCorruptHeader), errors.Is(err, partimage.ErrCorruptHeader):
		return ErrCorruptHeader
	case errors.Is(err, partclone.ErrCorruptBitmap), errors.Is(err, partimage.ErrCorruptBitmap):
		return ErrCorruptBitmap
	case errors.Is(err, ntfsclone.ErrCorruptStream()):
		return ErrCorruptStream
	default:
		return err
	}
}
