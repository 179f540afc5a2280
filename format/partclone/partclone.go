// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package partclone decodes partclone-style ("PC") image headers and
// bitmaps: magic recognition, field decoding, header and bitmap CRC32
// verification.
package partclone

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cosnicolaou/cloneimage/format/checksum"
	"github.com/cosnicolaou/cloneimage/internal/popcount"
)

// Magic is the literal byte string identifying a partclone-style image.
var Magic = []byte("PARTCLONE-IMAGE")

// BitmapMode selects how the used-block bitmap is packed on disk.
type BitmapMode uint8

const (
	BitMode  BitmapMode = 0
	ByteMode BitmapMode = 1
)

// ChecksumMode is the on-disk encoding of Header.Checksum.Algorithm.
type ChecksumMode uint8

const (
	ChecksumNone    ChecksumMode = 0
	ChecksumCRC32   ChecksumMode = 1
	ChecksumAdler32 ChecksumMode = 2
)

// Header is the decoded fixed-format portion of a PC image, preceding the
// bitmap.
type Header struct {
	Version             string
	FSLabel             string
	FSTotalSize         uint64
	FSTotalBlocks       uint64
	FSUsedBlocks        uint64
	BlockSize           uint32
	ImageVersion        uint32
	CPUBits             uint8
	Checksum            checksum.Spec
	BitmapMode          BitmapMode
}

// ErrCorruptHeader and ErrCorruptBitmap are returned when a stored
// CRC32 does not match the freshly computed one.
var (
	ErrCorruptHeader = fmt.Errorf("partclone: header CRC32 mismatch")
	ErrCorruptBitmap = fmt.Errorf("partclone: bitmap CRC32 mismatch")
	ErrUnknownMagic  = fmt.Errorf("partclone: magic did not match")
)

// Parse reads a PC header and bitmap from r, which must be positioned at
// the start of the image (the magic bytes). If verifyCRC is true, the
// header and bitmap CRC32 trailers are checked against freshly computed
// values.
func Parse(r io.Reader, verifyCRC bool) (Header, *popcount.Bitmap, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return Header{}, nil, fmt.Errorf("partclone: reading magic: %w", err)
	}
	if !bytes.Equal(magic, Magic) {
		return Header{}, nil, ErrUnknownMagic
	}

	var headerBuf bytes.Buffer
	tee := io.TeeReader(r, &headerBuf)

	version, err := readByteString(tee)
	if err != nil {
		return Header{}, nil, err
	}
	fsLabel, err := readByteString(tee)
	if err != nil {
		return Header{}, nil, err
	}

	var fields struct {
		FSTotalSize       uint64
		FSTotalBlocks     uint64
		FSUsedBlocks      uint64
		BlockSize         uint32
		ImageVersion      uint32
		CPUBits           uint8
		ChecksumMode      uint8
		ChecksumSize      uint8
		BlocksPerChecksum uint32
		ReseedChecksum    uint8
		BitmapMode        uint8
	}
	if err := binary.Read(tee, binary.LittleEndian, &fields); err != nil {
		return Header{}, nil, fmt.Errorf("partclone: reading fixed fields: %w", err)
	}

	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return Header{}, nil, fmt.Errorf("partclone: reading header CRC32: %w", err)
	}
	if verifyCRC {
		if crc32.ChecksumIEEE(headerBuf.Bytes()) != storedCRC {
			return Header{}, nil, ErrCorruptHeader
		}
	}

	totalBlocks := int(fields.FSTotalBlocks)
	var bitmapBytes []byte
	var bm *popcount.Bitmap
	switch BitmapMode(fields.BitmapMode) {
	case BitMode:
		bitmapBytes = make([]byte, (totalBlocks+7)/8)
		if _, err := io.ReadFull(r, bitmapBytes); err != nil {
			return Header{}, nil, fmt.Errorf("partclone: reading bitmap: %w", err)
		}
		bm = popcount.NewBitmapFromBIT(bitmapBytes, totalBlocks)
	case ByteMode:
		bitmapBytes = make([]byte, totalBlocks)
		if _, err := io.ReadFull(r, bitmapBytes); err != nil {
			return Header{}, nil, fmt.Errorf("partclone: reading bitmap: %w", err)
		}
		bm = popcount.NewBitmapFromBYTE(bitmapBytes, totalBlocks)
	default:
		return Header{}, nil, fmt.Errorf("partclone: unknown bitmap mode %d", fields.BitmapMode)
	}

	var bitmapCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &bitmapCRC); err != nil {
		return Header{}, nil, fmt.Errorf("partclone: reading bitmap CRC32: %w", err)
	}
	if verifyCRC {
		if crc32.ChecksumIEEE(bitmapBytes) != bitmapCRC {
			return Header{}, nil, ErrCorruptBitmap
		}
	}

	algo := checksum.None
	switch ChecksumMode(fields.ChecksumMode) {
	case ChecksumCRC32:
		algo = checksum.CRC32
	case ChecksumAdler32:
		algo = checksum.Adler32Like
	}

	h := Header{
		Version:       version,
		FSLabel:       fsLabel,
		FSTotalSize:   fields.FSTotalSize,
		FSTotalBlocks: fields.FSTotalBlocks,
		FSUsedBlocks:  fields.FSUsedBlocks,
		BlockSize:     fields.BlockSize,
		ImageVersion:  fields.ImageVersion,
		CPUBits:       fields.CPUBits,
		BitmapMode:    BitmapMode(fields.BitmapMode),
		Checksum: checksum.Spec{
			Algorithm:     algo,
			SizeBytes:     int(fields.ChecksumSize),
			BlocksPerSum:  int(fields.BlocksPerChecksum),
			ReseedEachSum: fields.ReseedChecksum != 0,
		},
	}
	return h, bm, nil
}

// readByteString reads a one-byte length prefix followed by that many
// bytes, as used for PC's version and filesystem-label fields.
func readByteString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("partclone: reading string length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("partclone: reading string: %w", err)
	}
	return string(buf), nil
}
