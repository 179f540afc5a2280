// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cloneimage

import "github.com/cosnicolaou/cloneimage/format"

// ImageKind identifies which of the three supported backup formats an
// image uses.
type ImageKind = format.Kind

const (
	KindUnknown = format.Unknown
	KindPC      = format.PC
	KindPI      = format.PI
	KindNC      = format.NC
)

// ImageHeader describes an opened image's geometry and checksum scheme,
// independent of its source format.
type ImageHeader = format.ImageHeader
