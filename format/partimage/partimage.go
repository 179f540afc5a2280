// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package partimage decodes partimage-style ("PI") image headers: the
// four sequential sub-headers (volume info, main header, MBR, file info)
// and the packed BIT-mode bitmap that follows them.
package partimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cosnicolaou/cloneimage/format/checksum"
	"github.com/cosnicolaou/cloneimage/internal/popcount"
)

// Magic identifies the first sub-header, volume info.
var Magic = []byte("PARTIMAGE-VOLUME")

const mbrSize = 512

// Header is the decoded, merged contents of all four PI sub-headers.
type Header struct {
	VolumeNumber  uint16
	BlockSize     uint32
	TotalBlocks   uint64
	UsedBlocks    uint64
	FSLabel       string
	Checksum      checksum.Spec
	MBR           [mbrSize]byte
	OriginalFile  string
}

var (
	ErrCorruptHeader = fmt.Errorf("partimage: internal header CRC32 mismatch")
	ErrCorruptBitmap = fmt.Errorf("partimage: bitmap CRC32 mismatch")
	ErrUnknownMagic  = fmt.Errorf("partimage: magic did not match")
)

// Parse reads a PI header (four sub-headers plus trailing CRC32, then the
// bitmap plus its own CRC32) from r, which must be positioned at the
// volume info magic.
//
// The scope of the internal header CRC32 is the concatenated bytes of all
// four sub-headers, not individual per-part checksums; see DESIGN.md for
// why that reading was chosen over one CRC per sub-header.
func Parse(r io.Reader, verifyCRC bool) (Header, *popcount.Bitmap, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return Header{}, nil, fmt.Errorf("partimage: reading volume magic: %w", err)
	}
	if !bytes.Equal(magic, Magic) {
		return Header{}, nil, ErrUnknownMagic
	}

	var headerBuf bytes.Buffer
	tee := io.TeeReader(r, &headerBuf)

	var volumeNumber uint16
	if err := binary.Read(tee, binary.LittleEndian, &volumeNumber); err != nil {
		return Header{}, nil, fmt.Errorf("partimage: reading volume info: %w", err)
	}

	var main struct {
		BlockSize         uint32
		TotalBlocks       uint64
		UsedBlocks        uint64
		ChecksumMode      uint8
		ChecksumSize      uint8
		BlocksPerChecksum uint32
		ReseedChecksum    uint8
	}
	if err := binary.Read(tee, binary.LittleEndian, &main); err != nil {
		return Header{}, nil, fmt.Errorf("partimage: reading main header: %w", err)
	}
	fsLabel, err := readByteString(tee)
	if err != nil {
		return Header{}, nil, fmt.Errorf("partimage: reading fs label: %w", err)
	}

	var mbr [mbrSize]byte
	if _, err := io.ReadFull(tee, mbr[:]); err != nil {
		return Header{}, nil, fmt.Errorf("partimage: reading MBR: %w", err)
	}

	originalFile, err := readByteString(tee)
	if err != nil {
		return Header{}, nil, fmt.Errorf("partimage: reading file info: %w", err)
	}

	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return Header{}, nil, fmt.Errorf("partimage: reading header CRC32: %w", err)
	}
	if verifyCRC && crc32.ChecksumIEEE(headerBuf.Bytes()) != storedCRC {
		return Header{}, nil, ErrCorruptHeader
	}

	totalBlocks := int(main.TotalBlocks)
	bitmapBytes := make([]byte, (totalBlocks+7)/8)
	if _, err := io.ReadFull(r, bitmapBytes); err != nil {
		return Header{}, nil, fmt.Errorf("partimage: reading bitmap: %w", err)
	}
	bm := popcount.NewBitmapFromBIT(bitmapBytes, totalBlocks)

	var bitmapCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &bitmapCRC); err != nil {
		return Header{}, nil, fmt.Errorf("partimage: reading bitmap CRC32: %w", err)
	}
	if verifyCRC && crc32.ChecksumIEEE(bitmapBytes) != bitmapCRC {
		return Header{}, nil, ErrCorruptBitmap
	}

	algo := checksum.None
	switch main.ChecksumMode {
	case 1:
		algo = checksum.CRC32
	case 2:
		algo = checksum.Adler32Like
	}

	h := Header{
		VolumeNumber: volumeNumber,
		BlockSize:    main.BlockSize,
		TotalBlocks:  main.TotalBlocks,
		UsedBlocks:   main.UsedBlocks,
		FSLabel:      fsLabel,
		MBR:          mbr,
		OriginalFile: originalFile,
		Checksum: checksum.Spec{
			Algorithm:     algo,
			SizeBytes:     int(main.ChecksumSize),
			BlocksPerSum:  int(main.BlocksPerChecksum),
			ReseedEachSum: main.ReseedChecksum != 0,
		},
	}
	return h, bm, nil
}

func readByteString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("reading string length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading string: %w", err)
	}
	return string(buf), nil
}
