// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

type containerKind int

const (
	kindPlain containerKind = iota
	kindZstd
	kindXZ
	kindLZMA
	kindBzip2
	kindGzip
	kindLZ4
)

// magicTable holds the container magic bytes in detection precedence
// order: first match wins. See spec.md §6.
var magicTable = []struct {
	kind  containerKind
	magic []byte
}{
	{kindZstd, []byte{0x28, 0xB5, 0x2F, 0xFD}},
	{kindXZ, []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}},
	{kindLZMA, []byte{0x5D, 0x00, 0x00}},
	{kindBzip2, []byte{0x42, 0x5A, 0x68}},
	{kindGzip, []byte{0x1F, 0x8B}},
	{kindLZ4, []byte{0x04, 0x22, 0x4D, 0x18}},
}

// detect classifies up to the first 16 bytes of a container per the
// precedence table above, defaulting to plain (uncompressed) when nothing
// matches.
func detect(head []byte) containerKind {
	for _, e := range magicTable {
		if bytes.HasPrefix(head, e.magic) {
			return e.kind
		}
	}
	return kindPlain
}

// newDecoder wraps rd with the streaming decoder for kind. Only called for
// non-plain kinds; the returned reader is sequential-only.
func newDecoder(ctx context.Context, kind containerKind, rd io.Reader) (io.Reader, error) {
	switch kind {
	case kindBzip2:
		return newBzip2Reader(ctx, rd), nil
	case kindGzip:
		return newGzipReader(rd)
	case kindZstd:
		return newZstdReader(rd)
	case kindXZ, kindLZMA:
		return newXZReader(rd)
	case kindLZ4:
		return newLZ4Reader(rd), nil
	default:
		return nil, fmt.Errorf("container: no decoder registered for container kind %v", kind)
	}
}
