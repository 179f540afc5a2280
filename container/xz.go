// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package container

import (
	"fmt"
	"io"

	"github.com/xi2/xz"
)

// newXZReader decodes an xz or plain-lzma compressed image container;
// xi2/xz recognises both the xz container format and the older single-
// stream lzma format used by some image tools.
func newXZReader(rd io.Reader) (io.Reader, error) {
	dec, err := xz.NewReader(rd, 0)
	if err != nil {
		return nil, fmt.Errorf("container: xz/lzma header: %w", err)
	}
	return dec, nil
}
