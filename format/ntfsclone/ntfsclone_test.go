// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package ntfsclone

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildHeader(t *testing.T, blockSize uint32, deviceSize, nrClusters, inuse, offsetToImageData uint64) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(Magic)
	buf.WriteByte(10) // major
	buf.WriteByte(1)  // minor
	fields := struct {
		BlockSize         uint32
		DeviceSize        uint64
		NrClusters        uint64
		Inuse             uint64
		OffsetToImageData uint64
	}{blockSize, deviceSize, nrClusters, inuse, offsetToImageData}
	if err := binary.Write(&buf, binary.LittleEndian, fields); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseHeader(t *testing.T) {
	raw := buildHeader(t, 8, 4096, 512, 256, 64)
	h, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if h.MajorVersion != 10 || h.MinorVersion != 1 {
		t.Errorf("version: got %d.%d", h.MajorVersion, h.MinorVersion)
	}
	if h.BlockSize != 8 || h.DeviceSize != 4096 || h.NrClusters != 512 {
		t.Errorf("unexpected header: %+v", h)
	}
}

func TestParseUnknownMagic(t *testing.T) {
	_, err := Parse(bytes.NewReader(bytes.Repeat([]byte{0}, 32)))
	if err != ErrUnknownMagic {
		t.Fatalf("got %v, want ErrUnknownMagic", err)
	}
}

// writeGap and writeData build NC command-stream bytes per spec.md §4.4:
// `0x00 <count:le64>` for count consecutive unused blocks, `0x01
// <data[blockSize]>` for one used block.
func writeGap(buf *bytes.Buffer, count uint64) {
	buf.WriteByte(cmdGap)
	binary.Write(buf, binary.LittleEndian, count)
}

func writeData(buf *bytes.Buffer, data []byte) {
	buf.WriteByte(cmdData)
	buf.Write(data)
}

// TestBuildRunIndexS4 mirrors spec.md scenario S4's command sequence and
// checks the resulting run boundaries and lengths; this package's Locate
// reports the image offset of the first data byte of a run (the byte
// immediately after the 0x01 tag), not the tag byte itself — see
// DESIGN.md for why that reading was chosen over the spec's illustrative
// "image=hdr+9" arithmetic, which points at the tag byte.
func TestBuildRunIndexS4(t *testing.T) {
	const blockSize = 8
	block1 := bytes.Repeat([]byte("1"), blockSize)
	block2 := bytes.Repeat([]byte("2"), blockSize)

	var buf bytes.Buffer
	writeGap(&buf, 3)
	writeData(&buf, block1)
	writeGap(&buf, 1)
	writeData(&buf, block2)

	idx, err := BuildRunIndex(bytes.NewReader(buf.Bytes()), blockSize)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := idx.TotalLen(), int64(48); got != want {
		t.Errorf("total length: got %d, want %d", got, want)
	}

	off, present, runLen := idx.Locate(0)
	if present || runLen != 24 {
		t.Errorf("offset 0: got (present=%v, runLen=%d), want gap of 24", present, runLen)
	}
	_ = off

	off, present, runLen = idx.Locate(24)
	if !present || runLen != 8 {
		t.Fatalf("offset 24: got (present=%v, runLen=%d), want data of 8", present, runLen)
	}
	if off != 10 {
		t.Errorf("offset 24: image offset got %d, want 10", off)
	}

	off, present, _ = idx.Locate(32)
	if present {
		t.Errorf("offset 32: expected gap")
	}

	off, present, runLen = idx.Locate(40)
	if !present || runLen != 8 {
		t.Fatalf("offset 40: got (present=%v, runLen=%d), want data of 8", present, runLen)
	}
	if off != 28 {
		t.Errorf("offset 40: image offset got %d, want 28", off)
	}
}

func TestBuildRunIndexCorruptStream(t *testing.T) {
	_, err := BuildRunIndex(bytes.NewReader([]byte{0x02, 0, 0, 0}), 8)
	if err == nil {
		t.Fatal("expected error for unrecognised command byte")
	}
}

func TestBuildRunIndexCoalescesGaps(t *testing.T) {
	const blockSize = 4
	var buf bytes.Buffer
	writeGap(&buf, 2)
	writeGap(&buf, 3)
	writeData(&buf, bytes.Repeat([]byte("x"), blockSize))

	idx, err := BuildRunIndex(bytes.NewReader(buf.Bytes()), blockSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.runs) != 2 {
		t.Fatalf("expected 2 coalesced runs, got %d", len(idx.runs))
	}
	if idx.runs[0].len != 20 {
		t.Errorf("coalesced gap length: got %d, want 20", idx.runs[0].len)
	}
}
