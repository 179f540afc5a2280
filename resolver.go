// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cloneimage

import (
	"github.com/cosnicolaou/cloneimage/format"
	"github.com/cosnicolaou/cloneimage/format/checksum"
	"github.com/cosnicolaou/cloneimage/internal/popcount"
)

// Location is the result of resolving a logical block index: either a
// byte offset in the image (Present), or a zero-filled region (absent).
type Location struct {
	Present     bool
	ImageOffset int64
}

// Resolver translates a logical partition block index into its location
// in the backing image, per spec.md §4.5.
type Resolver interface {
	Resolve(blockIndex int) (Location, error)
}

// bitmapResolver implements the PC/PI resolution rule: consult the
// bitmap; if present, compute the image offset from the popcount index
// and the checksum batching stride.
type bitmapResolver struct {
	idx                 *popcount.Index
	blocksSectionOffset int64
	blockSize           int
	checksum            checksum.Spec
}

func newBitmapResolver(p format.Parsed, window int) (*bitmapResolver, error) {
	idx, err := popcount.NewIndex(p.Bitmap, window)
	if err != nil {
		return nil, err
	}
	return &bitmapResolver{
		idx:                 idx,
		blocksSectionOffset: p.Header.BlocksSectionOffset,
		blockSize:           p.Header.BlockSize,
		checksum:            p.Header.Checksum,
	}, nil
}

func (r *bitmapResolver) Resolve(blockIndex int) (Location, error) {
	idxInImage, ok := r.idx.ImageBlockIndexFor(blockIndex)
	if !ok {
		return Location{Present: false}, nil
	}
	var offset int64
	if r.checksum.Algorithm == checksum.None || r.checksum.BlocksPerSum <= 1 {
		stride := int64(r.blockSize) + checksumOverheadPerBlock(r.checksum)
		offset = r.blocksSectionOffset + int64(idxInImage)*stride
	} else {
		offset = r.blocksSectionOffset +
			int64(idxInImage)*int64(r.blockSize) +
			int64(idxInImage/r.checksum.BlocksPerSum)*int64(r.checksum.SizeBytes)
	}
	return Location{Present: true, ImageOffset: offset}, nil
}

// checksumOverheadPerBlock returns the per-block trailer size for the
// blocks_per_sum == 1 case, where every block is immediately followed by
// its own checksum.
func checksumOverheadPerBlock(spec checksum.Spec) int64 {
	if spec.Algorithm == checksum.None {
		return 0
	}
	return int64(spec.SizeBytes)
}

// ncResolver implements the NC resolution rule: consult the run index; a
// gap region maps to absent. The run index's offsets are relative to the
// start of the command stream (see format.go's NC branch), so Resolve
// rebases them onto the image by adding blocksSectionOffset.
type ncResolver struct {
	runs                format.RunIndexer
	blockSize           int
	blocksSectionOffset int64
}

func (r *ncResolver) Resolve(blockIndex int) (Location, error) {
	offset, present, _ := r.runs.Locate(int64(blockIndex) * int64(r.blockSize))
	if !present {
		return Location{Present: false}, nil
	}
	return Location{Present: true, ImageOffset: r.blocksSectionOffset + offset}, nil
}
