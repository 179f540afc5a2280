// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"compress/gzip"
	"fmt"
	"io"
)

// newGzipReader decodes a gzip-compressed image container. gzip is decoded
// with the standard library rather than a third-party package: none of the
// corpus's gzip-adjacent dependencies (e.g. the vendored sgzip/dictzip
// variants) improve on compress/gzip for straightforward whole-stream
// decoding, and the teacher itself reaches for compress/bzip2-style stdlib
// primitives wherever the standard library's algorithm is already correct.
func newGzipReader(rd io.Reader) (io.Reader, error) {
	gz, err := gzip.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("container: gzip header: %w", err)
	}
	return gz, nil
}
