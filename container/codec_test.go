// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestOpenPlain(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "part.img")
	want := []byte("PARTCLONE-IMAGE 0001 some header bytes")
	if err := os.WriteFile(name, want, 0o600); err != nil {
		t.Fatal(err)
	}
	src, err := Open(context.Background(), name, RequireSeek(true))
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if _, ok := src.(SeekableSource); !ok {
		t.Fatalf("expected a SeekableSource for a plain file")
	}
}

func TestOpenGzipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "part.img.gz")
	want := bytes.Repeat([]byte("gzip-payload-"), 64)

	f, err := os.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(want); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	src, err := Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %d bytes, want %d bytes", len(got), len(want))
	}

	if _, err := Open(context.Background(), name, RequireSeek(true)); err != ErrUnseekableCompressed {
		t.Fatalf("got %v, want ErrUnseekableCompressed", err)
	}
}

func TestOpenZstdRoundTrip(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "part.img.zst")
	want := bytes.Repeat([]byte("zstd-payload-"), 64)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll(want, nil)
	enc.Close()
	if err := os.WriteFile(name, compressed, 0o600); err != nil {
		t.Fatal(err)
	}

	src, err := Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %d bytes, want %d bytes", len(got), len(want))
	}
}
