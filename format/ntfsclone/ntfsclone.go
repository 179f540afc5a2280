// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package ntfsclone decodes ntfsclone-style ("NC") image headers and
// builds the run index (C4) over the alternating used-data/zero-gap
// command stream that follows the header.
package ntfsclone

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Magic is the literal byte string identifying an ntfsclone-style image.
var Magic = []byte("NTFSCLONE-IMAGE")

// Header is the decoded fixed-format NC header; there is no bitmap and no
// header checksum.
type Header struct {
	MajorVersion       uint8
	MinorVersion       uint8
	BlockSize          uint32
	DeviceSize         uint64
	NrClusters         uint64
	Inuse              uint64
	OffsetToImageData  uint64
}

var ErrUnknownMagic = fmt.Errorf("ntfsclone: magic did not match")

// Parse reads the fixed NC header from r, which must be positioned at the
// magic bytes.
func Parse(r io.Reader) (Header, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return Header{}, fmt.Errorf("ntfsclone: reading magic: %w", err)
	}
	if !bytes.Equal(magic, Magic) {
		return Header{}, ErrUnknownMagic
	}

	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h.MajorVersion); err != nil {
		return Header{}, fmt.Errorf("ntfsclone: reading version: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.MinorVersion); err != nil {
		return Header{}, fmt.Errorf("ntfsclone: reading version: %w", err)
	}
	fields := struct {
		BlockSize         uint32
		DeviceSize        uint64
		NrClusters        uint64
		Inuse             uint64
		OffsetToImageData uint64
	}{}
	if err := binary.Read(r, binary.LittleEndian, &fields); err != nil {
		return Header{}, fmt.Errorf("ntfsclone: reading fixed fields: %w", err)
	}
	h.BlockSize = fields.BlockSize
	h.DeviceSize = fields.DeviceSize
	h.NrClusters = fields.NrClusters
	h.Inuse = fields.Inuse
	h.OffsetToImageData = fields.OffsetToImageData
	return h, nil
}

type runKind uint8

const (
	kindGap runKind = iota
	kindData
)

type run struct {
	pOff int64
	iOff int64 // meaningful only for kindData
	len  int64
	kind runKind
}

// RunIndex is the table of used-data/zero-gap runs built by a single
// sequential scan of the NC command stream (C4, spec.md §4.4).
type RunIndex struct {
	runs  []run
	total int64
}

const (
	cmdGap  = 0x00
	cmdData = 0x01
)

// BuildRunIndex performs the single sequential scan described in spec.md
// §4.4: `0x00 <count:le64>` for a run of count unused blocks, or
// `0x01 <data[blockSize]>` for a single used block. Consecutive gap
// commands are coalesced into one run. Consecutive data commands are not:
// the 0x01 tag byte before each block leaves their image bytes
// non-adjacent, so each used block is its own data run.
func BuildRunIndex(r io.Reader, blockSize int) (*RunIndex, error) {
	idx := &RunIndex{}
	var pOff, iOff int64
	block := make([]byte, blockSize)

	for {
		var cmd [1]byte
		_, err := io.ReadFull(r, cmd[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ntfsclone: reading command byte: %w", err)
		}

		switch cmd[0] {
		case cmdGap:
			var count uint64
			if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
				return nil, fmt.Errorf("ntfsclone: reading gap count: %w", err)
			}
			iOff += 1 + 8 // the command byte plus the 8-byte count field
			gapLen := int64(count) * int64(blockSize)
			idx.appendOrCoalesce(run{pOff: pOff, len: gapLen, kind: kindGap})
			pOff += gapLen
		case cmdData:
			iOff++
			if _, err := io.ReadFull(r, block); err != nil {
				return nil, fmt.Errorf("ntfsclone: reading data block: %w", err)
			}
			idx.appendOrCoalesce(run{pOff: pOff, iOff: iOff, len: int64(blockSize), kind: kindData})
			pOff += int64(blockSize)
			iOff += int64(blockSize)
		default:
			return nil, fmt.Errorf("ntfsclone: %w: byte 0x%02x", errCorruptStream, cmd[0])
		}
	}
	idx.total = pOff
	return idx, nil
}

var errCorruptStream = fmt.Errorf("ntfsclone: unrecognised run command byte")

// ErrCorruptStream identifies an NC command stream with an unrecognised
// leading command byte.
func ErrCorruptStream() error { return errCorruptStream }

func (idx *RunIndex) appendOrCoalesce(r run) {
	if n := len(idx.runs); n > 0 {
		last := &idx.runs[n-1]
		if last.kind == r.kind && last.pOff+last.len == r.pOff {
			if r.kind == kindData && last.iOff+last.len != r.iOff {
				// not contiguous in the image; cannot merge a data run
				// whose image bytes are non-adjacent.
				idx.runs = append(idx.runs, r)
				return
			}
			last.len += r.len
			return
		}
	}
	idx.runs = append(idx.runs, r)
}

// TotalLen returns the total logical length, in bytes, covered by the run
// index; invariant N3 requires this equal total_blocks * block_size.
func (idx *RunIndex) TotalLen() int64 { return idx.total }

// UsedBlocks returns the number of blocks covered by data runs, derived
// from the run index per invariant H2 ("for NC, used_blocks is derived
// after C4 is built").
func (idx *RunIndex) UsedBlocks(blockSize int) int {
	var n int64
	for _, r := range idx.runs {
		if r.kind == kindData {
			n += r.len
		}
	}
	return int(n / int64(blockSize))
}

// Locate implements format.RunIndexer: it binary-searches for the run
// containing offset and reports either a present image offset or a gap of
// the given length.
func (idx *RunIndex) Locate(offset int64) (imageOffset int64, present bool, runLen int64) {
	i := sort.Search(len(idx.runs), func(i int) bool {
		return idx.runs[i].pOff+idx.runs[i].len > offset
	})
	if i >= len(idx.runs) {
		return 0, false, 0
	}
	r := idx.runs[i]
	remaining := r.len - (offset - r.pOff)
	if r.kind == kindGap {
		return 0, false, remaining
	}
	return r.iOff + (offset - r.pOff), true, remaining
}
