// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package format

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/cosnicolaou/cloneimage/format/ntfsclone"
	"github.com/cosnicolaou/cloneimage/format/partclone"
)

func encodePCImage(t *testing.T, totalBlocks uint64, bitmap []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(partclone.Magic)

	var headerBuf bytes.Buffer
	headerBuf.WriteByte(1)
	headerBuf.WriteString("1")
	headerBuf.WriteByte(4)
	headerBuf.WriteString("EXT4")
	fields := struct {
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
	}{totalBlocks * 4, totalBlocks, 4, 4, 1, 64, 0, 0, 0, 0, 0}
	binary.Write(&headerBuf, binary.LittleEndian, fields)
	buf.Write(headerBuf.Bytes())
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(headerBuf.Bytes()))
	buf.Write(bitmap)
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(bitmap))
	return buf.Bytes()
}

func TestDetectPC(t *testing.T) {
	img := encodePCImage(t, 8, []byte{0x8D})
	img = append(img, []byte("AAAABBBBCCCCDDDD")...) // blocks section payload

	parsed, err := Detect(bytes.NewReader(img), VerifyHeaderChecksums(true))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Header.Format != PC {
		t.Fatalf("got format %v, want PC", parsed.Header.Format)
	}
	if parsed.Header.BlocksSectionOffset != int64(len(img)-16) {
		t.Errorf("blocks section offset: got %d, want %d", parsed.Header.BlocksSectionOffset, len(img)-16)
	}
	if parsed.Bitmap.PopCount() != 4 {
		t.Errorf("popcount: got %d, want 4", parsed.Bitmap.PopCount())
	}
}

func TestDetectNC(t *testing.T) {
	type ncFields struct {
		BlockSize         uint32
		DeviceSize        uint64
		NrClusters        uint64
		Inuse             uint64
		OffsetToImageData uint64
	}
	headerLen := int64(len(ntfsclone.Magic)) + 2 + int64(binary.Size(ncFields{}))

	var buf bytes.Buffer
	buf.Write(ntfsclone.Magic)
	buf.WriteByte(10)
	buf.WriteByte(1)
	// OffsetToImageData records where the command stream begins, which
	// BlocksSectionOffset must be taken from rather than the scanner's
	// post-scan position (the run index's own offsets are relative to this
	// point, not to the start of the image).
	binary.Write(&buf, binary.LittleEndian, ncFields{8, 64, 8, 4, uint64(headerLen)})
	if int64(buf.Len()) != headerLen {
		t.Fatalf("fixture header length mismatch: got %d, want %d", buf.Len(), headerLen)
	}

	buf.WriteByte(0x00)
	binary.Write(&buf, binary.LittleEndian, uint64(1))
	buf.WriteByte(0x01)
	buf.Write(bytes.Repeat([]byte("x"), 8))

	parsed, err := Detect(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Header.Format != NC {
		t.Fatalf("got format %v, want NC", parsed.Header.Format)
	}
	if parsed.Header.BlocksSectionOffset != headerLen {
		t.Errorf("blocks section offset: got %d, want %d", parsed.Header.BlocksSectionOffset, headerLen)
	}
	if parsed.Header.UsedBlocks != 1 {
		t.Errorf("used blocks: got %d, want 1", parsed.Header.UsedBlocks)
	}
	if parsed.Runs == nil {
		t.Fatal("expected a run indexer for NC")
	}
}

func TestDetectUnknown(t *testing.T) {
	_, err := Detect(bytes.NewReader([]byte("not a recognised image format..")))
	if err != errUnknownFormat {
		t.Fatalf("got %v, want errUnknownFormat", err)
	}
}
