// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/cosnicolaou/cloneimage/internal/bitstream"
	"github.com/cosnicolaou/cloneimage/internal/bzip2"
)

// See https://en.wikipedia.org/wiki/Bzip2 for an explanation of the file
// format. bzScanner splits a bzip2-compressed image container into its
// constituent blocks so that bzDecompressor can decode them concurrently;
// the image's own contents are opaque bytes to the scanner.
var (
	pretestBlockMagicLookup                       [256]bool
	firstBlockMagicLookup, secondBlockMagicLookup map[uint32]uint8
	bzBlockMagic                                  [6]byte
	bzEOSMagic                                    [6]byte
)

func init() {
	pretestBlockMagicLookup, firstBlockMagicLookup, secondBlockMagicLookup = bitstream.Init(bzip2.BlockMagic)
	copy(bzBlockMagic[:], bzip2.BlockMagic[:])
	copy(bzEOSMagic[:], bzip2.EOSMagic[:])
}

type bzScannerOpts struct {
	maxPreamble int
}

// bzScannerOption represents an option to newBZScanner.
type bzScannerOption func(*bzScannerOpts)

// bzScanBlockOverhead sets the size of the overhead, in bytes, assumed
// sufficient to capture all of the bzip2 per-block data structures.
func bzScanBlockOverhead(b int) bzScannerOption {
	return func(o *bzScannerOpts) {
		o.maxPreamble = b
	}
}

// bzScanner returns runs of entire bzip2 blocks by splitting the input on
// the bzip2 block magic or end-of-stream magic number sequences. The first
// block discovered is the stream header; it is validated and consumed.
// The last block is the stream trailer, also consumed and validated.
type bzScanner struct {
	rd                     io.Reader
	brd                    *bufio.Reader
	err                    error
	block                  bzCompressedBlock
	prevBitOffset          int
	first, done            bool
	maxPreamble            int
	currentStreamBlockSize int
}

// newBZScanner returns a new instance of bzScanner.
func newBZScanner(rd io.Reader, opts ...bzScannerOption) *bzScanner {
	o := bzScannerOpts{
		// Allow enough overhead for the bzip2 block overhead of the coding
		// tables before the content stats.
		maxPreamble: 30 * 1024,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &bzScanner{
		rd:          rd,
		first:       true,
		maxPreamble: o.maxPreamble,
	}
}

func bzParseHeader(buf []byte) (int, error) {
	// .magic:16              = 'BZ' signature/magic number
	// .version:8             = 'h' for Bzip2 (Huffman coding)
	// .hundred_k_blocksize:8 = '1'..'9' block-size 100 kB-900 kB
	if !bytes.Equal(buf[0:2], bzip2.FileMagic) {
		return -1, fmt.Errorf("wrong file magic: %x", buf[0:2])
	}
	if buf[2] != 'h' {
		return -1, fmt.Errorf("wrong version: %c", buf[2])
	}
	if s := buf[3]; s < '1' || s > '9' {
		return -1, fmt.Errorf("bad block size: %c", s)
	}
	return 100 * 1000 * int(buf[3]-'0'), nil
}

func (sc *bzScanner) scanHeader() bool {
	var header [4]byte
	n, err := sc.rd.Read(header[:])
	if err != nil {
		sc.err = fmt.Errorf("failed to read stream header: %v", err)
		return false
	}
	if n != 4 {
		sc.err = fmt.Errorf("stream header is too small: %v", n)
		return false
	}
	sc.currentStreamBlockSize, sc.err = bzParseHeader(header[:])
	if sc.err != nil {
		return false
	}
	// Allow for the maximum possible block size.
	sc.brd = bufio.NewReaderSize(sc.rd, 9*100*1000+sc.maxPreamble)
	return true
}

func bzReadCRC(block []byte, shift int) uint32 {
	if len(block) < 4 {
		return 0
	}
	tmp := make([]byte, 5)
	copy(tmp, block[:5])
	for i := 8; i > shift; i-- {
		tmp = bitstream.ShiftRight(tmp)
	}
	return binary.BigEndian.Uint32(tmp[1:5])
}

// Scan returns true if there is a block to be returned.
func (sc *bzScanner) Scan(ctx context.Context) bool {
	if sc.err != nil || sc.done {
		return false
	}
	select {
	case <-ctx.Done():
		sc.err = ctx.Err()
		return false
	default:
	}
	if sc.first {
		if !sc.scanHeader() {
			return false
		}
	}
	defer func() {
		sc.first = false
	}()

	eof := false
	lookahead := 9*100*1000 + sc.maxPreamble
	buf, err := sc.brd.Peek(lookahead)
	if err != nil {
		if err != io.EOF {
			sc.err = err
			return false
		}
		eof = true
	}

	if sc.first {
		// The block magic indicates the start of a block, not the end of
		// one: if the first block starts with a block magic number,
		// discard it and search for the next one.
		if bytes.HasPrefix(buf, bzBlockMagic[:]) {
			sc.brd.Discard(len(bzBlockMagic))
			buf = buf[len(bzBlockMagic):]
			sc.block.BitOffset = 0
			sc.prevBitOffset = 0
		}
	}

	byteOffset, bitOffset := bitstream.Scan(pretestBlockMagicLookup, firstBlockMagicLookup, secondBlockMagicLookup, buf)
	if byteOffset == -1 {
		if !eof {
			sc.err = fmt.Errorf("failed to find next block within expected max buffer size of %v", lookahead)
			return false
		}
		buf, _ := bzTrimTrailingEmptyFiles(buf)
		return sc.handleEOF(buf)
	}

	if bitOffset == 0 {
		if newStreamBlockSize, prevStreamCRC, consumed, trailerOffset, ok := bzHandleSkippedEOS(buf[:byteOffset], byteOffset); ok {
			szBits := ((byteOffset - consumed) * 8) + trailerOffset - sc.prevBitOffset
			szBytes := szBits / 8
			if szBits%8 != 0 {
				szBytes++
			}
			if sc.prevBitOffset > 0 {
				szBytes++
			}
			sc.initBlockValues(true, buf, szBytes, szBits, prevStreamCRC)
			sc.currentStreamBlockSize = newStreamBlockSize
			sc.prevBitOffset = bitOffset
			sc.brd.Discard(byteOffset + len(bzBlockMagic))
			return true
		}
	}
	sz := byteOffset
	if bitOffset > 0 {
		sz++
	}
	sc.initBlockValues(false, buf, sz, (byteOffset*8)+bitOffset-sc.prevBitOffset, 0)
	sc.prevBitOffset = bitOffset
	sc.brd.Discard(byteOffset + len(bzBlockMagic))
	return true
}

func (sc *bzScanner) initBlockValues(eos bool, buf []byte, sz, szInBits int, streamCRC uint32) {
	sc.block = bzCompressedBlock{}
	sc.block.EOS = eos
	if sz > 0 {
		sc.block.Data = make([]byte, sz)
		copy(sc.block.Data, buf[:sz])
		sc.block.CRC = bzReadCRC(buf, sc.prevBitOffset)
	}
	sc.block.BitOffset = sc.prevBitOffset
	sc.block.SizeInBits = szInBits
	sc.block.StreamBlockSize = sc.currentStreamBlockSize
	sc.block.StreamCRC = streamCRC
}

// bzTrimTrailingEmptyFiles removes a trailing run of 1 or more empty files;
// an empty file has the following format:
// .magic:16 .version:8 .hundred_k_blocksize:8 .eos_magic:48 .crc:32 .padding:0..7
// where the crc is all zeros and the hundred_k_block_size is 1..9.
func bzTrimTrailingEmptyFiles(buf []byte) (trimmed []byte, n int) {
	for {
		var ok bool
		buf, ok = bzTrimEmptyFile(buf)
		if !ok {
			return buf, n
		}
		n++
	}
}

func bzTrimEmptyFile(buf []byte) ([]byte, bool) {
	trailer, trailerSize, trailerOffset := bitstream.FindTrailingMagicAndCRC(buf, bzEOSMagic[:])
	if trailerSize != 10 || !bytes.Equal(trailer, []byte{0x0, 0x0, 0x0, 0x0}) {
		return buf, false
	}
	offset := 14 // 10 bytes of trailer, plus optional padding
	if trailerOffset > 0 {
		offset++
	}
	l := len(buf)
	if l < offset {
		return buf, false
	}
	if _, err := bzParseHeader(buf[l-offset:]); err != nil {
		return buf, false
	}
	return buf[:l-offset], true
}

// bzHandleSkippedEOS checks for having skipped past an end-of-stream block.
//
// ...EOS[<empty-file>]*<hdr><blockMagic>
func bzHandleSkippedEOS(buf []byte, byteOffset int) (newBlockSize int, prevCRC uint32, consumed, trailerOffset int, ok bool) {
	if byteOffset <= 4 {
		return
	}
	l := len(buf)
	newBlockSize, err := bzParseHeader(buf[l-4:])
	if err != nil {
		return
	}
	trimmed, n := bzTrimTrailingEmptyFiles(buf[:l-4])

	trailer, trailerSize, trailerOffset := bitstream.FindTrailingMagicAndCRC(trimmed, bzEOSMagic[:])
	if trailerSize != 10 {
		return
	}

	prevCRC = binary.BigEndian.Uint32(trailer)
	consumed = 4 + trailerSize + (n * 14)
	if trailerOffset > 0 {
		consumed++
	}
	ok = true
	return
}

func (sc *bzScanner) handleEOF(buf []byte) bool {
	trailer, trailerSize, trailerOffset := bitstream.FindTrailingMagicAndCRC(buf, bzEOSMagic[:])
	if trailerSize != 10 {
		sc.err = fmt.Errorf("failed to find trailer")
		return false
	}
	szBytes := len(buf) - trailerSize
	szBits := szBytes * 8
	if trailerOffset > 0 {
		szBits += -8 + trailerOffset
	}
	if sc.prevBitOffset > 0 {
		szBits -= sc.prevBitOffset
	}
	sc.initBlockValues(true, buf, szBytes, szBits, binary.BigEndian.Uint32(trailer))
	sc.done = true
	return true
}

// bzCompressedBlock represents a single bzip2 compressed block.
type bzCompressedBlock struct {
	Data            []byte
	BitOffset       int
	SizeInBits      int
	CRC             uint32
	StreamBlockSize int

	EOS       bool
	StreamCRC uint32
}

func (b bzCompressedBlock) String() string {
	out := &strings.Builder{}
	level := b.StreamBlockSize / (100 * 1000)
	fmt.Fprintf(out, "@%v..%v bits: block CRC 0x%08x, bzip2 level %v", b.BitOffset, b.SizeInBits, b.CRC, -level)
	if b.EOS {
		fmt.Fprintf(out, " EOS: stream CRC 0x%08x", b.StreamCRC)
	}
	return out.String()
}

// Block returns the current compressed block.
func (sc *bzScanner) Block() bzCompressedBlock {
	return sc.block
}

// Err returns any error encountered by the scanner.
func (sc *bzScanner) Err() error {
	return sc.err
}
