// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package popcount implements the bitmap popcount index (C3): a sparse
// cumulative popcount table that reduces per-query bit counting to a
// bounded window, as used by the PC and PI block resolvers.
package popcount

import (
	"fmt"
	"math/bits"
)

// Bitmap is an ordered sequence of totalBlocks bits, normalized to one bit
// per block, LSB-first within each byte (BIT mode per spec.md §3), no
// matter which on-disk encoding (BIT or BYTE) produced it.
type Bitmap struct {
	raw   []byte
	total int
}

// NewBitmapFromBIT wraps raw, which must already be in BIT-mode encoding
// (bit i of block i at byte i/8, bit position i%8, LSB-first).
func NewBitmapFromBIT(raw []byte, totalBlocks int) *Bitmap {
	return &Bitmap{raw: raw, total: totalBlocks}
}

// NewBitmapFromBYTE normalizes a BYTE-mode bitmap (one byte per block,
// nonzero means present) into the internal BIT representation.
func NewBitmapFromBYTE(raw []byte, totalBlocks int) *Bitmap {
	bm := &Bitmap{raw: make([]byte, (totalBlocks+7)/8), total: totalBlocks}
	for i := 0; i < totalBlocks; i++ {
		if raw[i] != 0 {
			bm.raw[i/8] |= 1 << uint(i%8)
		}
	}
	return bm
}

// Len returns the number of blocks the bitmap describes.
func (b *Bitmap) Len() int { return b.total }

// Get reports whether block i is present.
func (b *Bitmap) Get(i int) bool {
	return b.raw[i/8]&(1<<uint(i%8)) != 0
}

// PopCount returns the total number of set bits in the bitmap.
func (b *Bitmap) PopCount() int {
	return b.popCountRange(0, b.total)
}

// popCountRange returns the number of set bits in the half-open bit range
// [lo, hi); lo must be byte-aligned.
func (b *Bitmap) popCountRange(lo, hi int) int {
	if lo == hi {
		return 0
	}
	byteLo := lo / 8
	byteHi := hi / 8
	extraBits := hi % 8

	n := 0
	for _, by := range b.raw[byteLo:byteHi] {
		n += bits.OnesCount8(by)
	}
	if extraBits > 0 {
		mask := byte(1<<uint(extraBits)) - 1
		n += bits.OnesCount8(b.raw[byteHi] & mask)
	}
	return n
}

// Index is the sparse cumulative popcount table described in spec.md §4.3:
// cum[k] = popcount(bitmap[0, k*W)).
type Index struct {
	bm  *Bitmap
	w   int
	cum []int
}

// NewIndex builds the popcount index for bm with window w (must be a
// positive multiple of 8; 1024 is the documented default).
func NewIndex(bm *Bitmap, w int) (*Index, error) {
	if w <= 0 || w%8 != 0 {
		return nil, fmt.Errorf("popcount: window %d must be a positive multiple of 8", w)
	}
	n := (bm.total + w - 1) / w
	cum := make([]int, n+1)
	for k := 0; k < n; k++ {
		hi := (k + 1) * w
		if hi > bm.total {
			hi = bm.total
		}
		cum[k+1] = cum[k] + bm.popCountRange(k*w, hi)
	}
	return &Index{bm: bm, w: w, cum: cum}, nil
}

// Window returns the index's window size W.
func (idx *Index) Window() int { return idx.w }

// UsedBlocks returns the total number of set bits, i.e. cum[last].
func (idx *Index) UsedBlocks() int { return idx.cum[len(idx.cum)-1] }

// ImageBlockIndexFor translates a logical partition block index into its
// 0-based position in the sequence of used blocks as stored in the image,
// per spec.md §4.3. It reports false if the block is not present.
func (idx *Index) ImageBlockIndexFor(partitionBlock int) (int, bool) {
	if partitionBlock < 0 || partitionBlock >= idx.bm.total {
		return 0, false
	}
	if !idx.bm.Get(partitionBlock) {
		return 0, false
	}
	k := partitionBlock / idx.w
	base := idx.cum[k]
	within := idx.bm.popCountRange(k*idx.w, partitionBlock)
	return base + within, true
}
