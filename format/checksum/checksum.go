// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package checksum implements the checksum engine (C6): streaming
// verification of the blocks section of PC/PI images, batched per
// spec.md §4.2's `blocks_per_sum`/`reseed_each_sum` contract.
package checksum

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/adler32"
	"hash/crc32"
	"io"
)

// Algorithm identifies the per-block checksum function.
type Algorithm int

const (
	// None means no checksum trailer is present in the blocks section.
	None Algorithm = iota
	// CRC32 is the IEEE polynomial CRC32, as used by partclone-style images.
	CRC32
	// Adler32Like is the rolling-sum checksum used by some partimage-style
	// images; hash/adler32 is bit-for-bit the documented algorithm.
	Adler32Like
)

// Spec describes how a single image's blocks section is checksummed, per
// spec.md's ImageHeader.checksum field.
type Spec struct {
	Algorithm     Algorithm
	SizeBytes     int
	BlocksPerSum  int
	ReseedEachSum bool
}

// Stride returns the number of bytes occupied by blocksPerSum data blocks
// plus their trailing checksum, for block payloads of size blockSize.
func (s Spec) Stride(blockSize int) int {
	if s.Algorithm == None || s.BlocksPerSum <= 0 {
		return blockSize
	}
	return s.BlocksPerSum*blockSize + s.SizeBytes
}

func (s Spec) newHash() hash.Hash32 {
	switch s.Algorithm {
	case CRC32:
		return crc32.NewIEEE()
	case Adler32Like:
		return adler32.New()
	default:
		return nil
	}
}

// Verify streams the blocks section of an already-positioned reader (the
// image cursor must be at the first data block), checking each batch of
// BlocksPerSum blocks against its trailing checksum. It returns the
// zero-based index (within the used-blocks sequence) of the first
// mismatching batch, or ok=true if every batch verifies.
func Verify(r io.Reader, blockSize int, usedBlocks int, spec Spec) (ok bool, atBlock int, err error) {
	if spec.Algorithm == None {
		return true, 0, nil
	}
	perBatch := spec.BlocksPerSum
	if perBatch <= 0 {
		perBatch = 1
	}

	h := spec.newHash()
	block := make([]byte, blockSize)
	trailer := make([]byte, spec.SizeBytes)

	blocksDone := 0
	for blocksDone < usedBlocks {
		batchStart := blocksDone
		batchLen := perBatch
		if blocksDone+batchLen > usedBlocks {
			batchLen = usedBlocks - blocksDone
		}
		if spec.ReseedEachSum {
			h = spec.newHash()
		}
		for i := 0; i < batchLen; i++ {
			if _, err := io.ReadFull(r, block); err != nil {
				return false, batchStart, fmt.Errorf("checksum: reading block %d: %w", blocksDone+i, err)
			}
			h.Write(block)
		}
		if _, err := io.ReadFull(r, trailer); err != nil {
			return false, batchStart, fmt.Errorf("checksum: reading trailer for batch at block %d: %w", batchStart, err)
		}
		if binary.LittleEndian.Uint32(pad4(trailer)) != h.Sum32() {
			return false, batchStart, nil
		}
		blocksDone += batchLen
	}
	return true, 0, nil
}

// pad4 right-pads (or truncates) trailer to exactly 4 bytes so that
// non-4-byte checksum sizes (which the format documents do not use in
// practice, but this guards against malformed headers) can still be
// compared as a little-endian uint32, matching the header and bitmap CRC
// convention used by partclone.go and partimage.go.
func pad4(trailer []byte) []byte {
	if len(trailer) == 4 {
		return trailer
	}
	out := make([]byte, 4)
	n := len(trailer)
	if n > 4 {
		n = 4
	}
	copy(out[:n], trailer[:n])
	return out
}
