// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeSegments(t *testing.T, dir string, parts ...string) string {
	t.Helper()
	var first string
	for i, p := range parts {
		suffix := string([]byte{'a', byte('a' + i)})
		name := filepath.Join(dir, "image.img."+suffix)
		if err := os.WriteFile(name, []byte(p), 0o600); err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = name
		}
	}
	return first
}

func TestSegmentedSourceReadAndSeek(t *testing.T) {
	dir := t.TempDir()
	first := writeSegments(t, dir, "0123456789", "abcdefghij", "ZYXWVUTSRQ")
	want := "0123456789abcdefghijZYXWVUTSRQ"

	src, err := openConcatenated(first)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	for _, off := range []int64{0, 5, 10, 15, 20, 29} {
		if _, err := src.Seek(off, io.SeekStart); err != nil {
			t.Fatalf("seek %d: %v", off, err)
		}
		buf := make([]byte, 1)
		if _, err := io.ReadFull(src, buf); err != nil {
			t.Fatalf("read at %d: %v", off, err)
		}
		if got, want := buf[0], want[off]; got != want {
			t.Errorf("at %d: got %q, want %q", off, got, want)
		}
	}

	sz, err := src.Size()
	if err != nil {
		t.Fatal(err)
	}
	if sz != int64(len(want)) {
		t.Errorf("size: got %v, want %v", sz, len(want))
	}
}

func TestSegmentedSourceSingleFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "image.raw")
	if err := os.WriteFile(name, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	src, err := openConcatenated(name)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}
}
