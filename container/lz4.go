// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"io"

	"github.com/pierrec/lz4"
)

// newLZ4Reader decodes an lz4-frame compressed image container.
func newLZ4Reader(rd io.Reader) io.Reader {
	return lz4.NewReader(rd)
}
