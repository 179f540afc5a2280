// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// newZstdReader decodes a zstd-compressed image container.
func newZstdReader(rd io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("container: zstd header: %w", err)
	}
	return &zstdReadCloser{dec: dec}, nil
}

// zstdReadCloser adapts klauspost/compress/zstd's Decoder (which exposes
// Close rather than satisfying io.ReadCloser directly via Read's return
// values alone) to a plain io.Reader usable as a ByteSource.
type zstdReadCloser struct {
	dec *zstd.Decoder
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	n, err := z.dec.Read(p)
	if err == io.EOF {
		z.dec.Close()
	}
	return n, err
}
